package raft

import (
	"log"
	"sort"
	"time"

	"github.com/xmh1011/raftkv/param"
)

// 读租约：只读事务不追加日志条目，而是等待 Leader 确认
// “在事务的快照时间点之后，自己仍然被多数派承认为 Leader”。
//
// Leader 在每个 AppendEntries 中携带发送时刻的时间戳，Follower 在响应中
// 原样回传。多数派（含 Leader 自身）都确认过的最新时间戳 T 意味着：
// 在 T + 最小选举超时 之前，不可能有其他节点当选 Leader——
// 多数派成员都在 T 时刻重置过选举计时器。这个时间上界就是租约。
//
// Follower 上的只读事务把自己的快照时间戳记入 readWaits，并通过
// AppendEntries 响应上报最早的一个；Leader 把它连同此刻的提交索引记入
// 对应 Follower 的 commitLeaseTimeouts，租约越过它时发送 CommitLeaseNotice
// 唤醒等待者。通知携带的提交索引采样于 Leader 知晓该等待之后，
// 因此涵盖了等待开始前提交的全部写入：Follower 的视图落后于它时，
// 只读事务不能提交，只能以冲突失败让调用方在更新的视图上重试。

// advanceLeaderLease 根据各 Follower 最近确认的心跳时间戳重新计算租约。
// 租约推进时唤醒本地等待者，并通知所有等待时间戳已被覆盖的 Follower。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) advanceLeaderLease() {
	if r.state != param.Leader {
		return
	}

	// 收集多数派确认：Leader 自身算作此刻确认。
	acks := make([]int64, 0, len(r.config))
	if _, ok := r.config[r.id]; ok {
		acks = append(acks, time.Now().UnixNano())
	}
	for id, f := range r.followers {
		if _, ok := r.config[id]; !ok {
			continue
		}
		acks = append(acks, f.leaderTimestamp)
	}
	majority := r.majority()
	if len(acks) < majority {
		return
	}

	// 降序排列后，第 majority 个值就是多数派都确认过的最新时间戳。
	sort.Slice(acks, func(i, j int) bool { return acks[i] > acks[j] })
	newLease := acks[majority-1] + int64(electionTimeoutMin)
	if newLease <= r.leaseTimeout {
		return
	}
	r.leaseTimeout = newLease
	r.leaseCond.Broadcast()

	// 通知所有等待时间戳已被租约覆盖的 Follower，
	// 附带覆盖到的最晚等待时间戳和这些等待记录时的最大提交索引。
	for _, f := range r.followers {
		expired := f.checkLeaseExpirations(newLease)
		if len(expired) == 0 {
			continue
		}
		coveredWait := expired[len(expired)-1].timestamp
		commitIndex := expired[0].commitIndex
		for _, w := range expired {
			if w.commitIndex > commitIndex {
				commitIndex = w.commitIndex
			}
		}
		go r.sendCommitLeaseNotice(f.id, newLease, coveredWait, commitIndex)
	}
}

// sendCommitLeaseNotice 把推进后的租约通知单个 Follower。
func (r *Raft) sendCommitLeaseNotice(peerID string, leaseTimeout, coveredWait int64, commitIndex uint64) {
	r.mu.Lock()
	if r.state != param.Leader {
		r.mu.Unlock()
		return
	}
	args := &param.CommitLeaseNoticeArgs{
		Term:         r.currentTerm,
		LeaderID:     r.id,
		LeaseTimeout: leaseTimeout,
		CoveredWait:  coveredWait,
		CommitIndex:  commitIndex,
	}
	r.mu.Unlock()

	reply := &param.CommitLeaseNoticeReply{}
	if err := r.trans.SendCommitLeaseNotice(peerID, args, reply); err != nil {
		log.Printf("[Lease] Node %s failed to send lease notice to %s: %v", r.id, peerID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if reply.Term > r.currentTerm {
		if err := r.becomeFollower(reply.Term); err != nil {
			log.Printf("[ERROR] Node %s failed to step down after lease notice reply: %v", r.id, err)
		}
	}
}

// CommitLeaseNotice 是 Follower 上的 RPC 处理函数，
// 接收 Leader 推进后的租约并唤醒本地的只读事务等待者。
func (r *Raft) CommitLeaseNotice(args *param.CommitLeaseNoticeArgs, reply *param.CommitLeaseNoticeReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reply.Term = r.currentTerm
	if args.Term < r.currentTerm {
		return nil
	}
	if args.Term > r.currentTerm || r.state == param.Candidate {
		if err := r.becomeFollower(args.Term); err != nil {
			return nil
		}
		reply.Term = r.currentTerm
	}
	r.knownLeaderID = args.LeaderID
	r.electionResetEvent = time.Now()

	if args.CommitIndex > r.leaseReadIndex {
		r.leaseReadIndex = args.CommitIndex
	}
	if args.CoveredWait > r.leaseCoveredWait {
		r.leaseCoveredWait = args.CoveredWait
	}
	if args.LeaseTimeout > r.leaseTimeout {
		r.leaseTimeout = args.LeaseTimeout
	}
	r.leaseCond.Broadcast()
	return nil
}

// WaitForLease 阻塞直到只读事务可以安全完成。
// Leader 的日志包含全部已提交条目，租约覆盖 snapshotTime 即可：
// 在事务取得快照的时刻，本集群的 Leader 链没有发生过未察觉的更替。
// Follower 还必须等到一条覆盖本次等待的 CommitLeaseNotice——
// 它携带的提交索引采样于 Leader 知晓该等待之后。viewIndex 是事务视图
// 对应的日志索引：落后于该提交索引时视图可能缺少更早提交的写入，
// 此时返回 ErrConflict 让调用方在更新的视图上重试。
func (r *Raft) WaitForLease(snapshotTime int64, viewIndex uint64, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	// cond.Wait 没有超时参数；到期后广播一次让等待者醒来检查截止时间。
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.leaseCond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	registered := false
	defer func() {
		if registered {
			r.removeReadWait(snapshotTime)
		}
	}()

	for {
		if r.state == param.Dead {
			return ErrShutdown
		}
		if r.state == param.Leader {
			if r.leaseTimeout >= snapshotTime {
				return nil
			}
		} else if r.leaseCoveredWait >= snapshotTime && r.leaseTimeout >= snapshotTime {
			if viewIndex < r.leaseReadIndex {
				txnConflictsTotal.Inc()
				return ErrConflict
			}
			return nil
		}
		if time.Now().After(deadline) {
			leaseTimeoutsTotal.Inc()
			return ErrTimeout
		}
		// Follower 需要把等待上报给 Leader；Leader 靠心跳自行推进。
		if r.state != param.Leader && !registered {
			r.insertReadWait(snapshotTime)
			registered = true
		}
		r.leaseCond.Wait()
	}
}

// insertReadWait 把一个只读等待时间戳插入升序队列。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) insertReadWait(timestamp int64) {
	i := sort.Search(len(r.readWaits), func(i int) bool {
		return r.readWaits[i] >= timestamp
	})
	r.readWaits = append(r.readWaits, 0)
	copy(r.readWaits[i+1:], r.readWaits[i:])
	r.readWaits[i] = timestamp
}

// removeReadWait 移除一个只读等待时间戳。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) removeReadWait(timestamp int64) {
	i := sort.Search(len(r.readWaits), func(i int) bool {
		return r.readWaits[i] >= timestamp
	})
	if i < len(r.readWaits) && r.readWaits[i] == timestamp {
		r.readWaits = append(r.readWaits[:i], r.readWaits[i+1:]...)
	}
}

// minPendingReadWait 返回最早的只读等待时间戳，没有时返回 0。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) minPendingReadWait() int64 {
	if len(r.readWaits) == 0 {
		return 0
	}
	return r.readWaits[0]
}
