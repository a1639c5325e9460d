// Package txn 在共识层之上提供事务接口。
//
// 每个事务打开时基于当前日志状态构建一个 MVCC 视图，读写都缓冲在
// 视图里，互不可见（快照隔离）。提交时对读集合做乐观冲突检测，
// 通过后将变更集合作为一条日志条目走共识流程；只读事务通过租约
// 确认获得线性一致性，不产生日志条目。
package txn

import (
	"log"
	"sync"
	"time"

	"github.com/xmh1011/raftkv/raft"
)

// Database 是事务的工厂，持有 key 监听注册表并跟踪所有未结束的事务。
type Database struct {
	raft    *raft.Raft
	watches *watchRegistry

	mu     sync.Mutex
	open   map[*Transaction]struct{}
	closed bool
}

// NewDatabase 在一个 Raft 节点上创建事务入口。
// 注册表通过应用回调感知每条已提交条目的变更，用于触发 key 监听。
func NewDatabase(r *raft.Raft) *Database {
	db := &Database{
		raft:    r,
		watches: newWatchRegistry(),
		open:    make(map[*Transaction]struct{}),
	}
	r.SetApplyCallback(db.watches.notify)
	return db
}

// Begin 打开一个新事务。视图覆盖到本地日志的末尾，
// 包括尚未提交的条目：这些条目如果最终没有被提交，
// 本事务的提交会因冲突检测失败而要求重试。
func (db *Database) Begin() (*Transaction, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrStale
	}
	db.mu.Unlock()

	view, err := db.raft.CreateView(false, true)
	if err != nil {
		return nil, mapRaftError(err)
	}
	t := &Transaction{
		db:           db,
		state:        Open,
		view:         view,
		snapshotTime: time.Now().UnixNano(),
		timeout:      defaultTimeout,
	}
	db.mu.Lock()
	db.open[t] = struct{}{}
	db.mu.Unlock()
	return t, nil
}

// BeginReadOnly 打开一个只读事务。视图只覆盖到提交索引为止，
// 不会读到尚未达成共识的写入；提交时走租约确认路径。
func (db *Database) BeginReadOnly() (*Transaction, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrStale
	}
	db.mu.Unlock()

	view, err := db.raft.CreateView(true, false)
	if err != nil {
		return nil, mapRaftError(err)
	}
	t := &Transaction{
		db:           db,
		state:        Open,
		view:         view,
		snapshotTime: time.Now().UnixNano(),
		timeout:      defaultTimeout,
	}
	db.mu.Lock()
	db.open[t] = struct{}{}
	db.mu.Unlock()
	return t, nil
}

// Close 关闭数据库入口。仍处于 Open 状态的事务被回滚并记录警告，
// 这通常意味着调用方泄漏了事务。可以安全地重复调用。
func (db *Database) Close() {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return
	}
	db.closed = true
	leaked := make([]*Transaction, 0, len(db.open))
	for t := range db.open {
		leaked = append(leaked, t)
	}
	db.mu.Unlock()

	if len(leaked) > 0 {
		log.Printf("[Transaction] Database closing with %d open transactions, rolling them back", len(leaked))
	}
	for _, t := range leaked {
		t.Rollback()
	}
}

func (db *Database) forget(t *Transaction) {
	db.mu.Lock()
	delete(db.open, t)
	db.mu.Unlock()
}
