package raft

import (
	"log"
	"sort"

	"github.com/xmh1011/raftkv/param"
)

// SnapshotTransmit 跟踪一次进行中的快照传输。
// 快照按块发送，offset 指向下一块的起始位置；Follower 在响应中
// 报告自己期望的偏移，Leader 据此续传。
type SnapshotTransmit struct {
	snapshot *param.Snapshot
	offset   uint64
}

// done 判断快照是否已全部发出。
func (t *SnapshotTransmit) done() bool {
	return t.offset >= uint64(len(t.snapshot.Data))
}

// Follower 是 Leader 为每个对等节点维护的复制进度记录。
// 它随节点加入集群配置而创建，随节点被移除或本节点卸任 Leader 而销毁。
// 不变式：matchIndex <= nextIndex-1。
// 所有方法都必须在持有 Raft 锁的情况下调用。
type Follower struct {
	id      string
	address string

	// nextIndex 是下一条要发给该节点的日志索引。
	nextIndex uint64
	// matchIndex 是已确认与 Leader 一致的最高日志索引。
	matchIndex uint64
	// leaderCommit 是最近一次发给该节点的 commitIndex。
	leaderCommit uint64
	// leaderTimestamp 是该节点最近确认过的心跳时间戳（UnixNano）。
	leaderTimestamp int64

	// synced 为 true 表示最近一次 AppendEntries 交换确认了
	// nextIndex-1 处的日志一致；为 false 时下一次请求是探测。
	synced bool

	// snapshotTransmit 非 nil 表示正在向该节点传输快照。
	snapshotTransmit *SnapshotTransmit

	// commitLeaseTimeouts 是该节点上报的、等待 Leader 租约推进的
	// 只读事务等待记录，按时间戳升序排列。
	commitLeaseTimeouts []leaseWait

	cleanedUp bool
}

// newFollower 为新 Leader（或新加入的节点）创建复制进度记录。
func newFollower(id, address string, nextIndex uint64) *Follower {
	return &Follower{
		id:        id,
		address:   address,
		nextIndex: nextIndex,
	}
}

// advanceMatchIndex 推进 matchIndex，并保持 nextIndex 不落后于它。
// matchIndex 从不回退（除了快照传输被取消的场合）。
func (f *Follower) advanceMatchIndex(index uint64) {
	if index > f.matchIndex {
		f.matchIndex = index
	}
	if f.nextIndex < f.matchIndex+1 {
		f.nextIndex = f.matchIndex + 1
	}
}

// setNotSynced 使下一次 AppendEntries 退化为探测请求，
// 只验证 nextIndex-1 处的一致性而不携带数据条目。
func (f *Follower) setNotSynced() {
	f.synced = false
}

// beginSnapshotTransmit 开始向该节点传输一个快照。
// 进行中的传输会被新的快照替换（从头开始）。
func (f *Follower) beginSnapshotTransmit(snapshot *param.Snapshot) *SnapshotTransmit {
	f.snapshotTransmit = &SnapshotTransmit{snapshot: snapshot}
	f.synced = false
	return f.snapshotTransmit
}

// completeSnapshotTransmit 在快照安装成功后更新复制进度：
// matchIndex 指向快照索引，下一条从快照之后开始，视为已同步。
func (f *Follower) completeSnapshotTransmit() {
	if f.snapshotTransmit == nil {
		return
	}
	index := f.snapshotTransmit.snapshot.LastIncludedIndex
	f.snapshotTransmit = nil
	f.matchIndex = index
	f.nextIndex = index + 1
	f.synced = true
}

// cancelSnapshotTransmit 取消进行中的快照传输。
// matchIndex 回退到快照索引，synced 清零，后续从探测重新开始。
func (f *Follower) cancelSnapshotTransmit() {
	if f.snapshotTransmit == nil {
		return
	}
	index := f.snapshotTransmit.snapshot.LastIncludedIndex
	f.snapshotTransmit = nil
	if f.matchIndex > index {
		f.matchIndex = index
	}
	f.synced = false
}

// leaseWait 是 Follower 上报的一个只读事务等待：
// 等待时间戳加上 Leader 记录它时采样的提交索引。
// 上报发生在等待开始之后，所以该索引涵盖了等待开始前提交的全部写入。
type leaseWait struct {
	timestamp   int64
	commitIndex uint64
}

// recordCommitLeaseWait 记录该节点上一个等待租约推进的只读事务时间戳。
// commitIndex 是 Leader 此刻的提交索引，随等待一起保存。
func (f *Follower) recordCommitLeaseWait(timestamp int64, commitIndex uint64) {
	i := sort.Search(len(f.commitLeaseTimeouts), func(i int) bool {
		return f.commitLeaseTimeouts[i].timestamp >= timestamp
	})
	if i < len(f.commitLeaseTimeouts) && f.commitLeaseTimeouts[i].timestamp == timestamp {
		return
	}
	f.commitLeaseTimeouts = append(f.commitLeaseTimeouts, leaseWait{})
	copy(f.commitLeaseTimeouts[i+1:], f.commitLeaseTimeouts[i:])
	f.commitLeaseTimeouts[i] = leaseWait{timestamp: timestamp, commitIndex: commitIndex}
}

// checkLeaseExpirations 移除并返回所有已被租约覆盖的等待记录。
// 返回值非空时，Leader 应向该节点发送 CommitLeaseNotice。
func (f *Follower) checkLeaseExpirations(leaseTimeout int64) []leaseWait {
	i := sort.Search(len(f.commitLeaseTimeouts), func(i int) bool {
		return f.commitLeaseTimeouts[i].timestamp >= leaseTimeout
	})
	if i == 0 {
		return nil
	}
	expired := append([]leaseWait(nil), f.commitLeaseTimeouts[:i]...)
	f.commitLeaseTimeouts = f.commitLeaseTimeouts[i:]
	return expired
}

// cleanup 释放该记录占用的资源：取消快照传输、丢弃等待队列。
// 幂等，可以安全地重复调用。
func (f *Follower) cleanup() {
	if f.cleanedUp {
		return
	}
	f.cleanedUp = true
	if f.snapshotTransmit != nil {
		log.Printf("[Snapshot] Cancelling in-flight snapshot transmit to peer %s", f.id)
		f.cancelSnapshotTransmit()
	}
	f.commitLeaseTimeouts = nil
	f.synced = false
}
