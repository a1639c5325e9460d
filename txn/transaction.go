package txn

import (
	"sync"
	"time"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/raft"
)

// defaultTimeout 是事务提交的默认超时时间，可以用 SetTimeout 覆盖。
const defaultTimeout = 5 * time.Second

// State 表示事务的生命周期状态。
type State int

const (
	// Open 表示事务可以继续读写。
	Open State = iota
	// CommitWaiting 表示写事务已提交到共识层，正在等待日志条目的结果。
	CommitWaiting
	// CommitReady 表示只读事务正在等待租约确认。
	CommitReady
	// Committed 表示事务已成功提交。
	Committed
	// Closed 表示事务已回滚或提交失败。
	Closed
)

// Transaction 是对外暴露的事务对象。读写被缓冲进一个 MVCC 视图；
// 提交时视图的变更集合经乐观冲突检测后追加到 Raft 日志，
// 没有写入的事务改走租约确认路径获得线性一致读。
// 提交或回滚之后，所有操作返回 ErrStale。
// Transaction 不是并发安全的，调用方不应在多个 goroutine 间共享。
type Transaction struct {
	db           *Database
	mu           sync.Mutex
	state        State
	view         *raft.MostRecentView
	snapshotTime int64
	timeout      time.Duration
}

// SetTimeout 设置提交的超时时间。只能在事务仍处于 Open 状态时调用。
func (t *Transaction) SetTimeout(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return ErrStale
	}
	t.timeout = d
	return nil
}

// State 返回事务当前的状态。
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Get 返回 key 当前的值，不存在时返回 nil。
func (t *Transaction) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return nil, ErrStale
	}
	return t.view.View.Get(key), nil
}

// GetAtLeast 返回 key 不小于 min 的最小键值对，不存在时返回 nil。
func (t *Transaction) GetAtLeast(min []byte) (*kv.Pair, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return nil, ErrStale
	}
	return t.view.View.GetAtLeast(min), nil
}

// GetAtMost 返回 key 不大于 max 的最大键值对，不存在时返回 nil。
func (t *Transaction) GetAtMost(max []byte) (*kv.Pair, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return nil, ErrStale
	}
	return t.view.View.GetAtMost(max), nil
}

// Range 返回 [min, max) 区间内的所有键值对，reverse 为 true 时逆序。
func (t *Transaction) Range(min, max []byte, reverse bool) ([]kv.Pair, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return nil, ErrStale
	}
	return t.view.View.Range(min, max, reverse), nil
}

// Put 写入一个键值对。
func (t *Transaction) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return ErrStale
	}
	t.view.View.Put(key, value)
	return nil
}

// Remove 删除一个 key。
func (t *Transaction) Remove(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return ErrStale
	}
	t.view.View.Remove(key)
	return nil
}

// RemoveRange 删除 [min, max) 区间内的所有 key。
func (t *Transaction) RemoveRange(min, max []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return ErrStale
	}
	t.view.View.RemoveRange(min, max)
	return nil
}

// AdjustCounter 对一个计数器 key 做原子增减。
// 计数器的调整在重放时是幂等的：同一条日志条目只会被应用一次。
func (t *Transaction) AdjustCounter(key []byte, delta int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return ErrStale
	}
	t.view.View.AdjustCounter(key, delta)
	return nil
}

// WatchKey 登记对 key 的修改监听，返回一个可取消的 Watch。
// 监听独立于事务的生命周期：事务提交或回滚后监听仍然有效，
// 直到被触发或被 Cancel。
func (t *Transaction) WatchKey(key []byte) (*Watch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return nil, ErrStale
	}
	return t.db.watches.add(key), nil
}

// Commit 提交事务。
// 有写入的事务：用视图之后提交的条目检查读集合的乐观冲突，
// 然后把变更集合追加到 Raft 日志并阻塞到该条目的结果确定。
// 没有写入的事务：等待租约确认快照时刻的 Leader 身份，
// 保证读到的内容是线性一致的。
// 失败返回 ErrRetry / ErrTimeout / ErrStale / ErrNotLeader 之一，
// 失败的事务不会产生任何效果。
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.state != Open {
		t.mu.Unlock()
		return ErrStale
	}

	view := t.view
	timeout := t.timeout
	if view.View.Mutated() {
		t.state = CommitWaiting
		mutations := view.View.Mutations()
		reads := view.View.Reads()
		baseIndex := view.Index
		t.mu.Unlock()

		_, err := t.db.raft.SubmitMutations(baseIndex, reads, mutations, timeout)
		return t.finishCommit(mapRaftError(err))
	}

	// 只读事务：无需追加日志，等待租约覆盖快照时刻即可。
	// 视图索引一并传入：Follower 上视图落后于 Leader 的提交进度时，
	// 等待会以冲突失败，调用方在更新的视图上重试。
	t.state = CommitReady
	snapshotTime := t.snapshotTime
	viewIndex := view.Index
	t.mu.Unlock()

	err := t.db.raft.WaitForLease(snapshotTime, viewIndex, timeout)
	return t.finishCommit(mapRaftError(err))
}

func (t *Transaction) finishCommit(err error) error {
	t.mu.Lock()
	if err == nil {
		t.state = Committed
	} else {
		t.state = Closed
	}
	t.view.Close()
	t.mu.Unlock()
	t.db.forget(t)
	return err
}

// Rollback 回滚事务，丢弃所有缓冲的写入。任何时候调用都是安全的，
// 重复调用是幂等的；对已提交的事务调用没有效果。
func (t *Transaction) Rollback() {
	t.mu.Lock()
	if t.state == Committed || t.state == Closed {
		t.mu.Unlock()
		return
	}
	t.state = Closed
	t.view.Close()
	t.mu.Unlock()
	t.db.forget(t)
}
