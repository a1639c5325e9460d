package raft

import (
	"bytes"
	"encoding/gob"
	"log"
	"time"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
)

// snapshotChunkSize 是 InstallSnapshot 单次请求携带的最大数据量。
const snapshotChunkSize = 256 * 1024

// encodeSnapshotData 把状态机的全部内容序列化为快照数据。
func encodeSnapshotData(pairs []kv.Pair) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pairs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeSnapshotData 还原快照数据中的状态机内容。
func decodeSnapshotData(data []byte) ([]kv.Pair, error) {
	var pairs []kv.Pair
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

// currentSnapshot 返回覆盖当前应用进度的快照，没有或已过期时重建。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) currentSnapshot() (*param.Snapshot, error) {
	if r.snapshot != nil && r.snapshot.LastIncludedIndex >= r.lastApplied {
		return r.snapshot, nil
	}

	data, err := encodeSnapshotData(r.sm.Range(nil, nil, false))
	if err != nil {
		log.Printf("[ERROR] Node %s failed to encode snapshot data: %v", r.id, err)
		return nil, err
	}
	snapshot := param.NewSnapshot(r.lastApplied, r.lastAppliedTerm, r.config, data)
	if err := r.store.SaveSnapshot(snapshot); err != nil {
		log.Printf("[ERROR] Node %s failed to save snapshot: %v", r.id, err)
		return nil, err
	}
	r.snapshot = snapshot
	log.Printf("[Snapshot] Node %s built snapshot at index %d (%d bytes)", r.id, snapshot.LastIncludedIndex, len(data))
	return snapshot, nil
}

// sendSnapshot 是 Leader 向落后的 Follower 传输快照的一步：
// 发送（或续传）一块数据，并根据响应推进传输偏移。
// 快照按块传输，Follower 在响应中报告期望的下一块位置，支持断点续传。
func (r *Raft) sendSnapshot(peerID string) {
	r.mu.Lock()
	if r.state != param.Leader {
		r.mu.Unlock()
		return
	}
	f, ok := r.followers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}

	// 1. 准备（或继续）针对该 Follower 的传输。
	transmit := f.snapshotTransmit
	if transmit == nil {
		snapshot, err := r.currentSnapshot()
		if err != nil {
			r.mu.Unlock()
			return
		}
		transmit = f.beginSnapshotTransmit(snapshot)
		log.Printf("[Snapshot] Node %s starting snapshot transmit to peer %s (lastIncludedIndex=%d, %d bytes)", r.id, peerID, snapshot.LastIncludedIndex, len(snapshot.Data))
	}

	// 2. 切出当前偏移处的一块数据并构建 RPC 参数。
	snapshot := transmit.snapshot
	offset := transmit.offset
	end := offset + snapshotChunkSize
	if end > uint64(len(snapshot.Data)) {
		end = uint64(len(snapshot.Data))
	}
	done := end == uint64(len(snapshot.Data))
	args := param.NewInstallSnapshotArgs(r.currentTerm, r.id, snapshot, offset, snapshot.Data[offset:end], done)
	savedCurrentTerm := r.currentTerm
	r.mu.Unlock()

	// 3. 发起 RPC 调用。
	reply := &param.InstallSnapshotReply{}
	if err := r.trans.SendInstallSnapshot(peerID, args, reply); err != nil {
		log.Printf("[Snapshot] Node %s failed to send snapshot chunk to %s: %v", r.id, peerID, err)
		return
	}

	// 4. 处理 RPC 响应。
	r.processSnapshotReply(peerID, args, reply, savedCurrentTerm)
}

// processSnapshotReply 负责处理来自 Follower 的 InstallSnapshot 响应。
func (r *Raft) processSnapshotReply(peerID string, args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply, savedCurrentTerm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 检查响应是否已过期（RPC 期间 Leader 身份或任期已发生变化）。
	if r.currentTerm != savedCurrentTerm || r.state != param.Leader {
		return
	}

	// 如果对方的任期更高，说明自己已不再是 Leader，应立即转为 Follower。
	if reply.Term > r.currentTerm {
		if err := r.becomeFollower(reply.Term); err != nil {
			log.Printf("[ERROR] Node %s failed to persist state after processing snapshot reply: %v", r.id, err)
		}
		return
	}

	f, ok := r.followers[peerID]
	if !ok || f.snapshotTransmit == nil {
		return
	}

	if !reply.Success {
		// Follower 报告了期望的偏移；从那里续传。
		if reply.NextOffset < uint64(len(f.snapshotTransmit.snapshot.Data)) {
			f.snapshotTransmit.offset = reply.NextOffset
			go r.sendSnapshot(peerID)
			return
		}
		log.Printf("[Snapshot] Node %s aborting snapshot transmit to peer %s (bad next offset %d)", r.id, peerID, reply.NextOffset)
		f.cancelSnapshotTransmit()
		return
	}

	if args.Done {
		// 快照安装完成：matchIndex 指向快照索引，从快照之后继续复制。
		f.completeSnapshotTransmit()
		snapshotsSentTotal.Inc()
		log.Printf("[Snapshot] Node %s successfully sent snapshot to peer %s. nextIndex=%d, matchIndex=%d", r.id, peerID, f.nextIndex, f.matchIndex)
		go r.sendAppendEntries(peerID)
		return
	}

	// 继续发送下一块。
	f.snapshotTransmit.offset = reply.NextOffset
	go r.sendSnapshot(peerID)
}

// InstallSnapshot 是 Follower 上的 RPC 处理函数，用于接收并安装 Leader 发来的快照。
// 数据按块到达并在本地缓冲；收到最后一块后，Follower 丢弃自己的日志和状态，
// 以快照的 (term, index, config) 作为新的基线。
func (r *Raft) InstallSnapshot(args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. 处理任期检查。如果 Leader 的任期有效，则继续；否则拒绝。
	if !r.handleSnapshotTerm(args, reply) {
		return nil
	}

	// 2. 校验并缓冲本块数据。偏移不连续时报告期望的位置，由 Leader 续传。
	if args.Offset == 0 {
		r.installBuffer = r.installBuffer[:0]
		r.installOffset = 0
	}
	if args.Offset != r.installOffset {
		log.Printf("[Snapshot] Node %s received out-of-order snapshot chunk (offset=%d, expected=%d)", r.id, args.Offset, r.installOffset)
		reply.Success = false
		reply.NextOffset = r.installOffset
		return nil
	}
	r.installBuffer = append(r.installBuffer, args.Data...)
	r.installOffset += uint64(len(args.Data))
	reply.Success = true
	reply.NextOffset = r.installOffset

	if !args.Done {
		return nil
	}

	// 3. 收到最后一块：安装完整快照。
	log.Printf("[Snapshot] Node %s received complete snapshot from leader %s (lastIncludedIndex=%d, %d bytes)", r.id, args.LeaderID, args.LastIncludedIndex, len(r.installBuffer))
	if err := r.installSnapshot(args); err != nil {
		log.Printf("[ERROR] Node %s failed to install snapshot: %v", r.id, err)
		reply.Success = false
		return err
	}

	log.Printf("[Snapshot] Node %s successfully installed snapshot. lastApplied is now %d.", r.id, r.lastApplied)
	return nil
}

// handleSnapshotTerm 负责处理 InstallSnapshot RPC 中的任期检查和心跳逻辑。
// 如果 Leader 的任期有效，返回 true。此函数必须在持有锁的情况下被调用。
func (r *Raft) handleSnapshotTerm(args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) bool {
	reply.Term = r.currentTerm
	if args.Term < r.currentTerm {
		return false
	}

	if args.Term > r.currentTerm || r.state == param.Candidate {
		if err := r.becomeFollower(args.Term); err != nil {
			return false
		}
		reply.Term = r.currentTerm
	}
	r.knownLeaderID = args.LeaderID
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = randomizedElectionTimeout()
	return true
}

// installSnapshot 用缓冲好的完整快照替换本地状态：
// 清空状态机数据并写入快照内容，采用快照的应用进度和配置，清空日志。
// 整个替换是一次原子持久化。此函数必须在持有锁的情况下被调用。
func (r *Raft) installSnapshot(args *param.InstallSnapshotArgs) error {
	pairs, err := decodeSnapshotData(r.installBuffer)
	if err != nil {
		return err
	}

	install := func() {
		r.sm.RemoveRange(nil, nil)
		for _, p := range pairs {
			r.sm.Put(p.Key, p.Value)
		}
		r.lastApplied = args.LastIncludedIndex
		r.lastAppliedTerm = args.LastIncludedTerm
		r.config = args.Config.Clone()
		if err := r.persistHardState(); err != nil {
			log.Printf("[ERROR] Node %s failed to persist state after installing snapshot: %v", r.id, err)
		}
		// 本地日志整体被快照取代。
		if err := r.store.CompactLog(args.LastIncludedIndex); err != nil {
			log.Printf("[ERROR] Node %s failed to compact log after installing snapshot: %v", r.id, err)
		}
		if err := r.store.TruncateAfter(args.LastIncludedIndex); err != nil {
			log.Printf("[ERROR] Node %s failed to truncate log after installing snapshot: %v", r.id, err)
		}
	}
	if batcher, ok := r.base.(kv.Batcher); ok {
		batcher.Batch(install)
	} else {
		install()
	}

	if args.LastIncludedIndex > r.commitIndex {
		r.commitIndex = args.LastIncludedIndex
	}
	r.snapshot = param.NewSnapshot(args.LastIncludedIndex, args.LastIncludedTerm, args.Config, append([]byte(nil), r.installBuffer...))
	r.installBuffer = nil
	r.installOffset = 0
	if r.trans != nil {
		r.trans.SetPeers(r.config)
	}
	snapshotsInstalledTotal.Inc()
	return nil
}
