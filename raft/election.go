package raft

import (
	"log"
	"math/rand"
	"time"

	"github.com/xmh1011/raftkv/param"
)

const (
	heartbeatInterval  = 50 * time.Millisecond  // 心跳间隔
	electionTimeoutMin = 150 * time.Millisecond // 选举超时的下界
)

// randomizedElectionTimeout 返回 [min, 2*min) 内的一个随机选举超时。
// 随机化避免多个节点同时发起选举导致的活锁。
func randomizedElectionTimeout() time.Duration {
	return electionTimeoutMin + time.Duration(rand.Int63n(int64(electionTimeoutMin)))
}

// runElectionTimer 是节点的选举计时器循环。
// 只要在当前超时时间内没有收到合法 Leader 的消息，就发起一轮选举。
func (r *Raft) runElectionTimer() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.state == param.Dead {
			r.mu.Unlock()
			return
		}
		// Leader 不需要选举计时器；心跳循环维持它的地位。
		if r.state == param.Leader {
			r.mu.Unlock()
			continue
		}
		if time.Since(r.electionResetEvent) < r.currentElectionTimeout {
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		r.startElection()
	}
}

// startElection 发起一轮选举并异步处理结果。
// 当 Follower 的选举计时器超时后，它转变为 Candidate：
//   - 增加 currentTerm。
//   - 投票给自己并持久化。
//   - 重置选举计时器。
//   - 向集群中的其他所有节点并行发送 RequestVote 请求。
func (r *Raft) startElection() {
	r.mu.Lock()

	// 1. 初始化候选人状态：更新任期、投票给自己并持久化。
	// 如果此步骤失败（例如持久化失败），则无法安全地进行选举。
	if err := r.initializeCandidateState(); err != nil {
		r.mu.Unlock()
		return
	}

	// 2. 获取用于投票请求的日志信息。
	// 这是 Raft 安全性的一部分，确保日志旧的候选人无法当选。
	lastLogIndex, lastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		r.mu.Unlock()
		return
	}

	// 保存当前的选举任期，用于后续在处理投票结果时进行比较。
	savedCurrentTerm := r.currentTerm
	peers := r.peerIDs()
	majority := r.majority()
	r.mu.Unlock() // 在发起网络调用前解锁。

	// 3. 并发地向所有对等节点广播投票请求。
	voteChan := r.broadcastVoteRequests(peers, savedCurrentTerm, lastLogIndex, lastLogTerm)

	// 4. 在一个新的 goroutine 中异步处理选举结果。
	go r.handleElectionResult(voteChan, savedCurrentTerm, majority)
}

// initializeCandidateState 负责将节点状态转换为 Candidate，更新任期，
// 投票给自己，并持久化这些变更。这是成为候选人的第一步，且必须是原子性的。
func (r *Raft) initializeCandidateState() error {
	r.state = param.Candidate
	r.currentTerm++
	r.votedFor = r.id
	// 重置选举计时器，为本轮选举设定新的随机超时。
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = randomizedElectionTimeout()

	// 持久化更新后的任期和投票记录。
	// 必须在发送投票请求之前将新状态写入稳定存储：即使节点在发送请求后
	// 立即崩溃，重启后也不会忘记自己已经进入新任期并投了票，
	// 从而避免在同一个任期内投票给其他候选人。
	if err := r.persistHardState(); err != nil {
		log.Printf("[ERROR] Node %s failed to persist state before election: %v", r.id, err)
		return err
	}

	electionsStartedTotal.Inc()
	log.Printf("[Election] Node %s starts election for term %d", r.id, r.currentTerm)
	return nil
}

// broadcastVoteRequests 负责向集群中所有其他节点并行地发送投票请求。
// 它会返回一个 channel，用于接收投票结果。
func (r *Raft) broadcastVoteRequests(peers []string, term, lastLogIndex, lastLogTerm uint64) <-chan *param.VoteResult {
	voteChan := make(chan *param.VoteResult, len(peers))
	for _, peerID := range peers {
		go r.sendVoteRequest(peerID, term, lastLogIndex, lastLogTerm, voteChan)
	}
	return voteChan
}

// handleElectionResult 处理投票结果和超时，决定是否成为 Leader 或回退。
// 如果收到了超过半数节点的投票，则该 Candidate 节点成为 Leader。
// 如果在选举超时时间内未能获得多数票，选举失败，节点退回为 Follower 状态。
func (r *Raft) handleElectionResult(voteChan <-chan *param.VoteResult, electionTerm uint64, majority int) {
	votes := 1 // 首先计入自己的那一票。

	// 单节点集群中自己的一票就已构成多数。
	if votes >= majority {
		r.transitionToLeader(electionTerm)
		return
	}

	electionTimer := time.NewTimer(randomizedElectionTimeout())
	defer electionTimer.Stop()

	for {
		select {
		case result := <-voteChan:
			if !result.VoteGranted {
				continue
			}
			log.Printf("[Election] Node %s received a vote from node %s for term %d", r.id, result.VoterID, electionTerm)
			votes++
			if votes >= majority {
				r.transitionToLeader(electionTerm)
				return
			}

		case <-electionTimer.C:
			r.handleElectionTimeout(electionTerm)
			return

		case <-r.quit:
			return
		}
	}
}

// transitionToLeader 封装了当选为 Leader 后的状态转换逻辑。
func (r *Raft) transitionToLeader(electionTerm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 再次确认自己仍然是本轮选举的候选人，防止因状态变更导致的问题。
	if r.state != param.Candidate || r.currentTerm != electionTerm {
		return
	}

	log.Printf("[Election] Node %s elected as Leader for term %d", r.id, r.currentTerm)
	leaderTransitionsTotal.Inc()
	r.state = param.Leader
	r.knownLeaderID = r.id
	r.initLeaderState()
	r.startHeartbeat()
}

// handleElectionTimeout 封装了选举超时后的状态转换逻辑。
func (r *Raft) handleElectionTimeout(electionTerm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 确认自己仍然是本轮选举的候选人，然后退回为 Follower 状态。
	if r.state == param.Candidate && r.currentTerm == electionTerm {
		log.Printf("[Election] Node %s election for term %d timed out, reverting to Follower", r.id, electionTerm)
		if err := r.becomeFollower(r.currentTerm); err != nil {
			log.Printf("[ERROR] Node %s failed to revert to Follower: %v", r.id, err)
		}
	}
}

// sendVoteRequest 向单个对等节点发送投票请求并处理响应。
// 如果响应中包含更高的任期号，当前节点会立即更新任期并转为 Follower。
func (r *Raft) sendVoteRequest(peerID string, term, lastLogIndex, lastLogTerm uint64, voteChan chan<- *param.VoteResult) {
	args := param.NewRequestVoteArgs(term, r.id, lastLogIndex, lastLogTerm)
	reply := param.NewRequestVoteReply()

	if err := r.trans.SendRequestVote(peerID, args, reply); err != nil {
		log.Printf("[Election] Node %s failed to request vote from %s: %v", r.id, peerID, err)
		voteChan <- &param.VoteResult{VoterID: peerID, VoteGranted: false}
		return
	}

	r.mu.Lock()
	// 如果收到更高任期的响应，立即转为 Follower。
	if reply.Term > r.currentTerm {
		log.Printf("[Election] Node %s found higher term %d from peer %s, becomes Follower", r.id, reply.Term, peerID)
		if err := r.becomeFollower(reply.Term); err != nil {
			log.Printf("[ERROR] Node %s failed to persist state after finding higher term: %v", r.id, err)
		}
	}
	r.mu.Unlock()

	voteChan <- &param.VoteResult{VoterID: peerID, VoteGranted: reply.VoteGranted}
}

// initLeaderState 在当选后初始化 Leader 的易失性状态：
// 为配置中的每个对等节点创建 Follower 记录，nextIndex 指向日志末尾之后。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) initLeaderState() {
	lastLogIndex, _, err := r.getLastLogInfo()
	if err != nil {
		log.Printf("[ERROR] Node %s (new leader) failed to get last log index to initialize state: %v", r.id, err)
		r.state = param.Follower
		return
	}

	r.followers = make(map[string]*Follower)
	for id, addr := range r.config {
		if id == r.id {
			continue
		}
		r.followers[id] = newFollower(id, addr, lastLogIndex+1)
	}
	r.pendingConfigChange = r.findPendingConfigChange()
}

// findPendingConfigChange 在日志中查找尚未提交的配置变更条目。
// 新 Leader 上任时必须恢复这个状态，以继续拒绝重叠的变更。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) findPendingConfigChange() uint64 {
	entries, err := r.store.EntriesFrom(r.commitIndex + 1)
	if err != nil {
		return 0
	}
	for i := range entries {
		if entries[i].ConfigChange != nil {
			return entries[i].Index
		}
	}
	return 0
}

// startHeartbeat 启动周期性心跳循环。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) startHeartbeat() {
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		// 立即发送首轮心跳，不等第一个 tick。
		r.mu.Lock()
		r.broadcastHeartbeat()
		r.mu.Unlock()

		for {
			select {
			case <-ticker.C:
			case <-r.quit:
				return
			}

			r.mu.Lock()
			if r.state != param.Leader {
				r.mu.Unlock()
				return
			}
			r.broadcastHeartbeat()
			r.mu.Unlock()
		}
	}()
}

// broadcastHeartbeat 向所有对等节点发送 AppendEntries。
// 没有对等节点时（单节点集群）提交索引和租约不会经由响应推进，
// 这里直接重算两者。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) broadcastHeartbeat() {
	peers := r.peerIDs()
	if len(peers) == 0 {
		r.updateCommitIndex()
		r.advanceLeaderLease()
		return
	}
	for _, peerID := range peers {
		go r.sendAppendEntries(peerID)
	}
}
