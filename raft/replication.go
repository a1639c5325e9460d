package raft

import (
	"log"
	"time"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
)

// replicationAction 定义了 Leader 对一个 Follower 应采取的同步动作。
type replicationAction int

const (
	actionDoNothing    replicationAction = iota // 动作：什么都不做（例如，不再是 Leader）
	actionSendLogs                              // 动作：发送日志条目（或探测）
	actionSendSnapshot                          // 动作：发送快照
)

// sendAppendEntries 是 Leader 对单个对等节点的一轮同步。
// 主要负责：
//   - 心跳：没有新日志时发送空的 AppendEntries，维持 Leader 地位。
//   - 日志复制：把新条目发送给 Follower，处理响应并推进 nextIndex/matchIndex。
//   - 探测：Follower 未同步时只验证 prevLogIndex 处的一致性，不携带数据。
//   - 冲突回退：根据响应中的 ConflictIndex/ConflictTerm 快速回退并重试。
func (r *Raft) sendAppendEntries(peerID string) {
	// 1. 决定需要对该 Follower 执行哪种同步操作。
	action := r.determineReplicationAction(peerID)

	// 2. 根据决策结果，执行相应的操作。
	switch action {
	case actionSendLogs:
		r.replicateLogsToPeer(peerID)
	case actionSendSnapshot:
		r.sendSnapshot(peerID)
	case actionDoNothing:
		return
	}
}

// determineReplicationAction 检查并决定 Leader 应对一个 Follower
// 采取何种同步措施。它封装了所有的前置检查逻辑。
func (r *Raft) determineReplicationAction(peerID string) replicationAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 检查一：如果当前节点不再是 Leader，则不执行任何操作。
	if r.state != param.Leader {
		return actionDoNothing
	}
	f, ok := r.followers[peerID]
	if !ok {
		return actionDoNothing
	}

	// 检查二：已经有快照在传输中，继续传输而不是发日志。
	if f.snapshotTransmit != nil {
		return actionSendSnapshot
	}

	// 检查三：判断 Follower 是否落后太多，以至于其需要的日志已被本地压缩。
	firstLogIndex, err := r.getFirstLogIndex()
	if err != nil {
		log.Printf("[ERROR] Node %s failed to get first log index: %v", r.id, err)
		return actionDoNothing
	}
	if f.nextIndex < firstLogIndex {
		log.Printf("[Snapshot] Node %s log for peer %s (nextIndex=%d, firstLogIndex=%d) is compacted. Decided to send snapshot.", r.id, peerID, f.nextIndex, firstLogIndex)
		return actionSendSnapshot
	}

	// 如果以上情况都不满足，则执行常规的日志复制（或探测）操作。
	return actionSendLogs
}

// replicateLogsToPeer 封装了向单个 Follower 发送 AppendEntries RPC 的流程。
// 为了实现流水线，RPC 是异步发起的，不阻塞调用方。
func (r *Raft) replicateLogsToPeer(peerID string) {
	r.mu.Lock()
	f, ok := r.followers[peerID]
	if !ok || r.state != param.Leader {
		r.mu.Unlock()
		return
	}
	args, err := r.prepareAppendEntriesArgs(f)
	if err != nil {
		log.Printf("[ERROR] Node %s failed to prepare AppendEntries args for peer %s: %v", r.id, peerID, err)
		r.mu.Unlock()
		return
	}
	savedCurrentTerm := r.currentTerm
	r.mu.Unlock() // 在发起网络调用前解锁。

	// 在新的 goroutine 中发送 RPC 并处理响应，使心跳循环不必等待网络延迟。
	go func() {
		reply := param.NewAppendEntriesReply()
		if err := r.trans.SendAppendEntries(peerID, args, reply); err != nil {
			log.Printf("[Log Replication] Node %s failed to send AppendEntries to %s: %s", r.id, peerID, err.Error())
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.processAppendEntriesReply(peerID, args, reply, savedCurrentTerm)
	}()
}

// prepareAppendEntriesArgs 负责构建发送给 Follower 的 AppendEntries 参数。
// Follower 未同步时构建探测请求：只携带 prevLogIndex/prevLogTerm，
// 一致性确认之后的下一轮才携带数据条目。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) prepareAppendEntriesArgs(f *Follower) (*param.AppendEntriesArgs, error) {
	prevLogIndex := f.nextIndex - 1
	prevLogTerm, err := r.getLogTerm(prevLogIndex)
	if err != nil {
		return nil, err
	}

	var entries []param.LogEntry
	if f.synced {
		lastLogIndex, _, err := r.getLastLogInfo()
		if err != nil {
			return nil, err
		}
		if f.nextIndex <= lastLogIndex {
			entries, err = r.store.EntriesFrom(f.nextIndex)
			if err != nil {
				return nil, err
			}
		}
	}

	args := param.NewAppendEntriesArgs(r.currentTerm, r.id, prevLogIndex, prevLogTerm, r.commitIndex, entries, time.Now().UnixNano())
	args.Probe = !f.synced
	f.leaderCommit = r.commitIndex
	return args, nil
}

// processAppendEntriesReply 负责处理从 Follower 返回的 AppendEntries 响应。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) processAppendEntriesReply(peerID string, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply, savedCurrentTerm uint64) {
	if r.currentTerm != savedCurrentTerm || r.state != param.Leader {
		return
	}

	if reply.Term > r.currentTerm {
		log.Printf("[Log Replication] Node %s found higher term %d from peer %s, becomes Follower", r.id, reply.Term, peerID)
		if err := r.becomeFollower(reply.Term); err != nil {
			log.Printf("[ERROR] Node %s failed to persist state when stepping down to Follower: %v", r.id, err)
		}
		return
	}

	f, ok := r.followers[peerID]
	if !ok {
		return
	}

	// 无论 Success 是 true 还是 false，只要任期匹配，
	// 就说明 Follower 确认了我们的 Leader 地位。这用于推进读租约。
	if reply.LeaderTimestamp > f.leaderTimestamp {
		f.leaderTimestamp = reply.LeaderTimestamp
	}
	// Follower 上报了等待租约推进的只读事务。此刻的提交索引一并记录：
	// 上报晚于等待开始，所以它涵盖了等待开始前提交的全部写入。
	if reply.PendingLeaseTimeout != 0 {
		f.recordCommitLeaseWait(reply.PendingLeaseTimeout, r.commitIndex)
	}
	r.advanceLeaderLease()

	if reply.Success {
		r.handleSuccessfulAppendEntries(f, args, reply)
	} else {
		r.handleFailedAppendEntries(f, reply)
	}
}

// handleSuccessfulAppendEntries 在收到成功的响应后更新 Leader 的状态。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) handleSuccessfulAppendEntries(f *Follower, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) {
	wasProbe := args.Probe
	f.synced = true
	f.advanceMatchIndex(args.PrevLogIndex + uint64(len(args.Entries)))

	r.updateCommitIndex()

	// 探测确认了一致性之后，立刻补发真正的数据条目。
	if wasProbe {
		go r.sendAppendEntries(f.id)
	}
}

// handleFailedAppendEntries 在收到失败的响应后调整 nextIndex 并重试。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) handleFailedAppendEntries(f *Follower, reply *param.AppendEntriesReply) {
	log.Printf("[Log Replication] Peer %s rejected AppendEntries from leader %s (ConflictIndex=%d, ConflictTerm=%d)", f.id, r.id, reply.ConflictIndex, reply.ConflictTerm)

	// 根据论文中的优化策略，快速回退 nextIndex。
	f.setNotSynced()
	if reply.ConflictIndex > 0 {
		f.nextIndex = reply.ConflictIndex
	} else if f.nextIndex > 1 {
		f.nextIndex--
	}
	if f.nextIndex <= f.matchIndex {
		f.nextIndex = f.matchIndex + 1
	}

	go r.sendAppendEntries(f.id)
}

// updateCommitIndex 检查 Leader 是否可以推进其 commitIndex。
// 计算已在集群多数节点上成功复制的最高日志索引。
// Raft 的安全规则规定，只有当前任期的日志才可以通过这种方式被提交。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) updateCommitIndex() {
	newCommitIndex := r.findMajorityCommitIndex()

	if newCommitIndex > r.commitIndex {
		entry, err := r.store.GetEntry(newCommitIndex)
		if err != nil || entry == nil {
			log.Printf("[ERROR] Node %s failed to get entry for new commit index %d: %v", r.id, newCommitIndex, err)
			return
		}

		if entry.Term == r.currentTerm {
			log.Printf("[Log Replication] Node %s advances commitIndex to %d (term=%d)", r.id, newCommitIndex, r.currentTerm)
			r.commitIndex = newCommitIndex
			if r.pendingConfigChange != 0 && r.commitIndex >= r.pendingConfigChange {
				r.pendingConfigChange = 0
			}
			go r.applyLogs()
		}
	}
}

// findMajorityCommitIndex 计算可以被安全提交的最高日志索引。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) findMajorityCommitIndex() uint64 {
	lastLogIndex, _, err := r.getLastLogInfo()
	if err != nil {
		return r.commitIndex
	}

	// 从后往前检查每一个日志索引，看它是否满足多数派提交的条件。
	for n := lastLogIndex; n > r.commitIndex; n-- {
		if r.isReplicatedByMajority(n) {
			return n
		}
	}
	return r.commitIndex
}

// isReplicatedByMajority 判断一个日志索引是否已经被严格多数的
// 有投票权成员复制（Leader 自身也计入）。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) isReplicatedByMajority(index uint64) bool {
	matchCount := 0
	if _, ok := r.config[r.id]; ok {
		matchCount = 1 // Leader 自身永远是匹配的。
	}
	for id, f := range r.followers {
		if _, ok := r.config[id]; !ok {
			continue
		}
		if f.matchIndex >= index {
			matchCount++
		}
	}
	return matchCount >= r.majority()
}

// AppendEntries 是 Follower 节点上的 RPC 处理函数，用于接收 Leader 的心跳和日志。
// 任期检查: 如果请求的任期号小于自己的当前任期，则拒绝。如果大于，则更新任期并转为 Follower。
// 一致性检查: 检查 PrevLogIndex 和 PrevLogTerm 是否与自己的日志匹配。
// 不匹配时返回冲突信息，帮助 Leader 快速定位不一致点。
// 日志追加: 一致性检查通过后，截断冲突的后缀并追加新条目。
// 更新 CommitIndex: 根据 Leader 发来的 LeaderCommit 更新自己的 commitIndex。
func (r *Raft) AppendEntries(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. 处理任期检查和心跳。如果 Leader 的任期小于自己，直接拒绝。
	// 如果大于，则转为 Follower。只要是合法的 Leader，就重置选举计时器。
	if !r.handleTermAndHeartbeat(args, reply) {
		return nil
	}

	// 2. 进行日志一致性检查。
	// 验证本地日志在 prevLogIndex 处是否与 Leader 发来的信息匹配。
	if ok := r.checkLogConsistency(args, reply); !ok {
		return nil
	}

	// 3. 追加并存储新的日志条目。
	// 截断本地可能存在的冲突后缀，并追加 Leader 发来的新日志。
	lastNewEntryIndex, err := r.appendAndStoreEntries(args)
	if err != nil {
		reply.Success = false
		log.Printf("[ERROR] Node %s failed to append entries: %v", r.id, err)
		return err
	}

	// 4. 根据 Leader 的进度更新本地的 commitIndex。
	r.updateFollowerCommitIndex(args, lastNewEntryIndex)

	// 所有步骤都成功完成。
	reply.Success = true
	reply.Synced = true
	reply.MatchIndex = lastNewEntryIndex
	return nil
}

// handleTermAndHeartbeat 负责处理任期检查和重置选举计时器。
// 如果 Leader 的任期有效，返回 true；如果因任期过时而应立即拒绝，返回 false。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) handleTermAndHeartbeat(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) bool {
	reply.Term = r.currentTerm
	reply.LeaderTimestamp = args.LeaderTimestamp
	reply.PendingLeaseTimeout = r.minPendingReadWait()

	// 如果 Leader 的任期小于当前节点的任期，说明这是一个过时的 Leader，拒绝其请求。
	if args.Term < r.currentTerm {
		reply.Success = false
		return false
	}

	// 如果 Leader 的任期大于自己，或者自己是同任期的 Candidate，
	// 说明集群中已经有了合法的领导者，立即转为 Follower。
	if args.Term > r.currentTerm || r.state == param.Candidate {
		if err := r.becomeFollower(args.Term); err != nil {
			log.Printf("[ERROR] Node %s failed to persist state when stepping down to Follower: %v", r.id, err)
			reply.Success = false
			return false
		}
		reply.Term = r.currentTerm
	}

	// 只要收到了来自合法 Leader 的消息，就重置选举计时器并记住 Leader。
	r.knownLeaderID = args.LeaderID
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = randomizedElectionTimeout()
	return true
}

// checkLogConsistency 负责检查本地日志是否与 Leader 的日志保持一致。
// 如果不一致，它会填充 reply 中的冲突信息，并返回 false。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) checkLogConsistency(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) bool {
	// prevLogIndex 为 0 表示第一条日志之前的虚拟位置，无需检查。
	if args.PrevLogIndex == 0 {
		return true
	}
	// prevLogIndex 落在已应用（并已从日志中移除）的前缀里：
	// 这些条目已经提交，必然与 Leader 一致。
	if args.PrevLogIndex < r.lastApplied {
		return true
	}

	prevTerm, err := r.getLogTerm(args.PrevLogIndex)
	if err != nil {
		reply.Success = false
		return false
	}
	if prevTerm == args.PrevLogTerm {
		return true
	}

	if prevTerm == 0 {
		// 本地日志在 prevLogIndex 处没有条目，即日志过短。
		lastLogIndex, _, _ := r.getLastLogInfo()
		reply.ConflictIndex = lastLogIndex + 1
		reply.ConflictTerm = 0
	} else {
		// 任期不匹配：回退到冲突任期的第一条，帮助 Leader 一次跳过整个任期。
		reply.ConflictTerm = prevTerm
		reply.ConflictIndex = r.firstIndexOfTerm(prevTerm, args.PrevLogIndex)
	}
	reply.Success = false
	return false
}

// firstIndexOfTerm 从 upTo 向前找到指定任期的第一条日志的索引。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) firstIndexOfTerm(term uint64, upTo uint64) uint64 {
	firstIndex, err := r.getFirstLogIndex()
	if err != nil {
		return upTo
	}
	index := upTo
	for index > firstIndex {
		prevTerm, err := r.getLogTerm(index - 1)
		if err != nil || prevTerm != term {
			break
		}
		index--
	}
	return index
}

// appendAndStoreEntries 负责将 Leader 发来的新日志条目追加到本地存储中。
// 只截断真正冲突的后缀：已有的、任期一致的条目保持原样，
// 这样乱序到达的旧请求不会误删已经接受的新日志。
// 返回这次请求覆盖到的最后一条日志的索引。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) appendAndStoreEntries(args *param.AppendEntriesArgs) (uint64, error) {
	if len(args.Entries) == 0 {
		lastLogIndex, _, err := r.getLastLogInfo()
		if err != nil {
			return 0, err
		}
		if args.PrevLogIndex < lastLogIndex {
			return args.PrevLogIndex, nil
		}
		return lastLogIndex, nil
	}

	// 1. 找到第一条与本地日志冲突（或本地缺失）的条目。
	appendFrom := len(args.Entries)
	for i, entry := range args.Entries {
		// 已应用的前缀必然一致，跳过。
		if entry.Index <= r.lastApplied {
			continue
		}
		localTerm, err := r.getLogTerm(entry.Index)
		if err != nil {
			return 0, err
		}
		if localTerm != entry.Term {
			appendFrom = i
			break
		}
	}

	lastNewEntryIndex := args.Entries[len(args.Entries)-1].Index
	if appendFrom == len(args.Entries) {
		// 所有条目本地都已有，无需改动。
		return lastNewEntryIndex, nil
	}

	// 2. 截断从冲突点开始的所有本地日志。
	if err := r.store.TruncateAfter(args.Entries[appendFrom].Index - 1); err != nil {
		log.Printf("[ERROR] Node %s failed to truncate log: %v", r.id, err)
		return 0, err
	}
	// 3. 将新日志原子性地追加到存储中。
	if err := r.store.AppendEntries(args.Entries[appendFrom:]); err != nil {
		log.Printf("[ERROR] Node %s failed to append entries to store: %v", r.id, err)
		return 0, err
	}
	log.Printf("[Log Replication] Node %s accepted and stored %d new entries from leader %s", r.id, len(args.Entries)-appendFrom, args.LeaderID)
	return lastNewEntryIndex, nil
}

// updateFollowerCommitIndex 根据 Leader 发来的 leaderCommit 更新
// Follower 的 commitIndex。commitIndex 不能超过本次请求确认到的位置。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) updateFollowerCommitIndex(args *param.AppendEntriesArgs, lastNewEntryIndex uint64) {
	if args.LeaderCommit <= r.commitIndex {
		return
	}
	newCommitIndex := min(args.LeaderCommit, lastNewEntryIndex)
	if newCommitIndex > r.commitIndex {
		r.commitIndex = newCommitIndex
		log.Printf("[Log Replication] Node %s advances commitIndex to %d", r.id, r.commitIndex)
		go r.applyLogs()
	}
}

// applyLogs 把已提交的日志按索引顺序应用到持久化存储。
// 应用已提交条目是唯一会修改状态机数据的路径；
// “写入变更 + 推进应用进度 + 压缩日志”合并为一次原子持久化，
// 崩溃重放时同一条目不会被应用两次。
func (r *Raft) applyLogs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 同一时间只允许一个应用循环。
	if r.applying {
		return
	}
	r.applying = true
	defer func() { r.applying = false }()

	for r.lastApplied < r.commitIndex && r.state != param.Dead {
		index := r.lastApplied + 1
		entry, err := r.store.GetEntry(index)
		if err != nil || entry == nil {
			// 被标记为已提交的日志必须存在于存储中。
			log.Printf("[FATAL] Node %s could not retrieve committed log entry %d to apply it. Error: %v", r.id, index, err)
			return
		}

		if err := r.applyEntry(entry); err != nil {
			log.Printf("[ERROR] Node %s failed to apply entry %d: %v", r.id, index, err)
			return
		}
		entriesAppliedTotal.Inc()

		// 通知提交等待者和应用回调，都在锁外进行。
		notifyChan, hasWaiter := r.notifyApply[index]
		if hasWaiter {
			delete(r.notifyApply, index)
		}
		callback := r.applyCallback
		mutations := entry.Mutations

		r.mu.Unlock()
		if hasWaiter {
			notifyChan <- nil
		}
		if callback != nil && mutations != nil && !mutations.IsEmpty() {
			callback(index, mutations)
		}
		r.mu.Lock()
	}
}

// applyEntry 把一条已提交的日志合并进持久化存储并推进应用进度。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) applyEntry(entry *param.LogEntry) error {
	if entry.ConfigChange != nil {
		r.applyConfigChange(entry)
	}

	apply := func() {
		if entry.Mutations != nil {
			entry.Mutations.ApplyTo(r.sm)
		}
		r.lastApplied = entry.Index
		r.lastAppliedTerm = entry.Term
		if err := r.persistHardState(); err != nil {
			log.Printf("[ERROR] Node %s failed to persist apply progress at index %d: %v", r.id, entry.Index, err)
		}
		if err := r.store.CompactLog(entry.Index); err != nil {
			log.Printf("[ERROR] Node %s failed to compact applied log prefix at index %d: %v", r.id, entry.Index, err)
		}
	}

	if batcher, ok := r.base.(kv.Batcher); ok {
		batcher.Batch(apply)
	} else {
		apply()
	}
	return nil
}

// applyConfigChange 使一条配置变更条目生效：更新成员表、
// 通知传输层，并在本节点是 Leader 时维护 Follower 记录。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) applyConfigChange(entry *param.LogEntry) {
	change := entry.ConfigChange
	change.ApplyTo(r.config)
	log.Printf("[Config Change] Node %s applied config change at index %d (peer=%s, remove=%t)", r.id, entry.Index, change.PeerID, change.Remove)

	if r.trans != nil {
		r.trans.SetPeers(r.config)
	}
	if entry.Index == r.pendingConfigChange {
		r.pendingConfigChange = 0
	}

	if r.state != param.Leader {
		return
	}
	if change.Remove {
		if f, ok := r.followers[change.PeerID]; ok {
			f.cleanup()
			delete(r.followers, change.PeerID)
		}
		// Leader 把自己移出集群：完成应用后卸任。
		if change.PeerID == r.id {
			log.Printf("[Config Change] Node %s removed itself from the cluster, stepping down", r.id)
			if err := r.becomeFollower(r.currentTerm); err != nil {
				log.Printf("[ERROR] Node %s failed to step down after self-removal: %v", r.id, err)
			}
		}
		return
	}
	if change.PeerID != r.id {
		if _, ok := r.followers[change.PeerID]; !ok {
			r.followers[change.PeerID] = newFollower(change.PeerID, change.Address, entry.Index+1)
		}
	}
}
