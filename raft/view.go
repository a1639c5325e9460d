package raft

import (
	"log"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/mvcc"
	"github.com/xmh1011/raftkv/param"
)

// MostRecentView 是某个时刻最新可见状态的组合视图：
// 持久化存储的快照，按日志顺序叠加所有尚未应用的条目的变更集合。
// Index/Term 标记视图覆盖到的最后一条日志，事务提交时
// 用 Index 之后的条目做乐观冲突检测。
// 视图由调用方持有，用完必须 Close 释放底层快照。
type MostRecentView struct {
	Term   uint64
	Index  uint64
	Config param.Config
	View   *mvcc.View
}

// Close 释放视图持有的快照。可以安全地重复调用。
func (v *MostRecentView) Close() {
	if v.View != nil {
		v.View.Close()
	}
}

// CreateView 构建当前节点上最新状态的 MVCC 视图。
// committedOnly 为 true 时只叠加到 commitIndex 为止的条目，
// 视图中不包含尚未达成共识的写入；为 false 时叠加到日志末尾。
// trackReads 为 true 时视图记录读集合（写事务提交时需要）。
func (r *Raft) CreateView(committedOnly, trackReads bool) (*MostRecentView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. 先取底层快照：它反映所有已应用（<= lastApplied）的状态。
	base := r.sm.Snapshot()
	term := r.lastAppliedTerm
	index := r.lastApplied

	// 2. 决定叠加的上界。
	limit := r.commitIndex
	if !committedOnly {
		lastLogIndex, _, err := r.getLastLogInfo()
		if err != nil {
			base.Close()
			return nil, err
		}
		limit = lastLogIndex
	}

	// 3. 按日志顺序叠加 lastApplied 之后的条目。
	var layers []*kv.Writes
	if limit > r.lastApplied {
		entries, err := r.store.EntriesFrom(r.lastApplied + 1)
		if err != nil {
			log.Printf("[ERROR] Node %s failed to read log entries for view: %v", r.id, err)
			base.Close()
			return nil, err
		}
		for i := range entries {
			if entries[i].Index > limit {
				break
			}
			if entries[i].Mutations != nil && !entries[i].Mutations.IsEmpty() {
				layers = append(layers, entries[i].Mutations)
			}
			term = entries[i].Term
			index = entries[i].Index
		}
	}

	return &MostRecentView{
		Term:   term,
		Index:  index,
		Config: r.config.Clone(),
		View:   mvcc.NewView(base, layers, trackReads),
	}, nil
}
