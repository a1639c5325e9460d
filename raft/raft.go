package raft

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/mvcc"
	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/storage"
	"github.com/xmh1011/raftkv/transport"
)

var (
	// ErrNotLeader 表示当前节点不是 Leader，无法处理写请求或线性一致读。
	ErrNotLeader = errors.New("raft: not the leader")
	// ErrConflict 表示提交时检测到乐观并发冲突，事务应整体重试。
	ErrConflict = errors.New("raft: optimistic conflict detected")
	// ErrNotCommitted 表示日志条目最终未能提交（选举失败、日志被截断）。
	ErrNotCommitted = errors.New("raft: log entry was not committed")
	// ErrTimeout 表示等待提交或租约确认超时。
	ErrTimeout = errors.New("raft: wait timed out")
	// ErrShutdown 表示节点已关闭。
	ErrShutdown = errors.New("raft: node is shut down")
)

// Raft 是复制式 key/value 数据库的共识核心。
// 单个互斥锁保护全部状态：计时器触发、消息到达、事务提交
// 都在持有锁的情况下执行状态转换，内部没有重入。
type Raft struct {
	// mu 保护对 Raft 状态的并发访问
	mu sync.Mutex

	// id 是当前节点的标识
	id string

	// config 是已应用的集群成员配置（标识 -> 地址）
	config param.Config
	// knownLeaderID 是当前节点已知的 Leader 标识
	knownLeaderID string

	// store 负责持久化 Raft 状态和日志信息
	store storage.Storage
	// sm 是状态机数据（用户 key 空间）的存储视图
	sm kv.SnapshotStore
	// base 是底层共享存储，用于把应用操作合并为一次原子持久化
	base kv.SnapshotStore
	// trans 负责网络通信
	trans transport.Transport

	// --- Raft 核心状态 ---
	currentTerm uint64
	votedFor    string
	state       param.State

	// --- 日志与状态机相关 ---
	commitIndex     uint64
	lastApplied     uint64
	lastAppliedTerm uint64
	applying        bool

	// --- 快照相关 ---
	// snapshot 在内存中持有最近构建的快照，避免频繁重建
	snapshot *param.Snapshot

	// --- 选举相关 ---
	electionResetEvent     time.Time
	currentElectionTimeout time.Duration

	// --- Leader 的易失性状态 ---
	followers           map[string]*Follower
	pendingConfigChange uint64 // 尚未提交的配置变更条目索引；0 表示没有

	// --- 读租约 ---
	// leaseTimeout 是本节点确信 Leader 身份有效（或 Leader 已确认过）
	// 的时间戳上界（UnixNano）。leaseCond 在它推进时广播。
	leaseTimeout int64
	leaseCond    *sync.Cond
	// leaseReadIndex 与 leaseCoveredWait 来自最近一次租约通知：
	// Leader 记录等待时采样的最大提交索引，以及通知覆盖到的最晚等待时间戳。
	// Follower 上只读事务的视图必须包含 leaseReadIndex 之前的全部条目才算新鲜。
	leaseReadIndex   uint64
	leaseCoveredWait int64

	// readWaits 是本节点上等待租约覆盖的只读事务快照时间戳，升序排列。
	// Follower 通过 AppendEntries 响应把最早的一个上报给 Leader。
	readWaits []int64

	// --- 快照接收缓冲（Follower 侧）---
	installBuffer []byte
	installOffset uint64

	// --- 客户端交互状态 ---
	clientSessions map[int64]int64
	notifyApply    map[uint64]chan error

	// applyCallback 在每条日志被应用后（锁外）收到它的变更集合，
	// 事务层用它触发 watch。
	applyCallback func(index uint64, mutations *kv.Writes)

	quit chan struct{}
}

// NewRaft 创建一个新的 Raft 节点并从稳定存储中恢复状态。
// initialConfig 只在存储中没有已持久化配置时使用（首次启动）。
func NewRaft(id string, initialConfig param.Config, store storage.Storage, base kv.SnapshotStore, trans transport.Transport) *Raft {
	r := &Raft{
		id:             id,
		store:          store,
		base:           base,
		sm:             storage.StateMachineStore(base),
		trans:          trans,
		state:          param.Follower,
		followers:      make(map[string]*Follower),
		clientSessions: make(map[int64]int64),
		notifyApply:    make(map[uint64]chan error),
		quit:           make(chan struct{}),
	}
	r.leaseCond = sync.NewCond(&r.mu)

	// 从稳定存储中恢复状态。
	hardState, err := store.GetState()
	if err != nil {
		log.Fatalf("failed to get hard state from storage: %s", err.Error())
	}
	r.currentTerm = hardState.CurrentTerm
	r.votedFor = hardState.VotedFor
	r.lastApplied = hardState.LastAppliedIndex
	r.lastAppliedTerm = hardState.LastAppliedTerm
	r.commitIndex = hardState.LastAppliedIndex
	r.config = hardState.Config.Clone()
	if len(r.config) == 0 {
		r.config = initialConfig.Clone()
	}

	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = randomizedElectionTimeout()

	return r
}

// Start 启动选举计时器循环。
func (r *Raft) Start() {
	go r.runElectionTimer()
}

// Stop 终止节点：停止所有计时器，唤醒并失败所有等待者。
func (r *Raft) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == param.Dead {
		return
	}
	log.Printf("[State Change] Node %s shutting down", r.id)
	r.state = param.Dead
	close(r.quit)
	r.cleanupLeaderState(ErrShutdown)
	r.leaseCond.Broadcast()
}

// ID 返回节点标识。
func (r *Raft) ID() string {
	return r.id
}

// LeaderHint 返回当前已知的 Leader 标识（可能为空）。
func (r *Raft) LeaderHint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.knownLeaderID
}

// SetApplyCallback 注册应用回调。每条日志被应用后，回调在
// Raft 锁之外被调用一次，按日志索引顺序。
func (r *Raft) SetApplyCallback(fn func(index uint64, mutations *kv.Writes)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyCallback = fn
}

// getLogTerm 返回指定索引的日志条目的任期。
// 索引 0 和已被应用（并从日志中移除）的最后一条的任期可以直接回答。
func (r *Raft) getLogTerm(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index == r.lastApplied {
		return r.lastAppliedTerm, nil
	}
	if r.snapshot != nil && index == r.snapshot.LastIncludedIndex {
		return r.snapshot.LastIncludedTerm, nil
	}
	entry, err := r.store.GetEntry(index)
	if err != nil {
		log.Printf("[ERROR] failed to get log entry at index %d: %v", index, err)
		return 0, err
	}
	if entry == nil {
		log.Printf("[ERROR] log entry at index %d not found", index)
		return 0, nil
	}
	return entry.Term, nil
}

// getLastLogInfo 返回日志末尾的 (index, term)。
// 日志为空时回落到应用进度（日志从 lastApplied+1 开始连续）。
func (r *Raft) getLastLogInfo() (uint64, uint64, error) {
	lastIndex, err := r.store.LastLogIndex()
	if err != nil {
		log.Printf("[ERROR] Node %s failed to get last log index: %v", r.id, err)
		return 0, 0, err
	}
	if lastIndex == 0 {
		return r.lastApplied, r.lastAppliedTerm, nil
	}
	lastTerm, err := r.getLogTerm(lastIndex)
	if err != nil {
		return 0, 0, err
	}
	return lastIndex, lastTerm, nil
}

// getFirstLogIndex 返回日志中第一条可用条目的索引。
// 日志为空时返回 lastApplied+1（下一条将从这里开始）。
func (r *Raft) getFirstLogIndex() (uint64, error) {
	firstIndex, err := r.store.FirstLogIndex()
	if err != nil {
		log.Printf("[ERROR] failed to get first log index: %v", err)
		return 0, err
	}
	if firstIndex == 0 {
		return r.lastApplied + 1, nil
	}
	return firstIndex, nil
}

// proposeToLog 在【持有锁】的情况下，将一个条目写入本地日志。
func (r *Raft) proposeToLog(mutations *kv.Writes, change *param.ConfigChange) (param.LogEntry, error) {
	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		return param.LogEntry{}, err
	}
	newIndex := lastIndex + 1

	var entry param.LogEntry
	if change != nil {
		entry = param.NewConfigEntry(r.currentTerm, newIndex, change)
	} else {
		entry = param.NewLogEntry(r.currentTerm, newIndex, mutations)
	}
	if err := r.store.AppendEntries([]param.LogEntry{entry}); err != nil {
		log.Printf("[ERROR] Leader %s failed to append new log entry: %s", r.id, err.Error())
		return param.LogEntry{}, err
	}
	log.Printf("[Log Replication] Leader %s proposed new log entry at index %d (term=%d)", r.id, newIndex, r.currentTerm)
	return entry, nil
}

// SubmitMutations 将一个事务的变更集合追加到 Raft 日志并等待它被应用。
// baseIndex 是事务视图对应的日志索引，reads 是事务的读集合：
// 追加之前会对 baseIndex 之后的所有条目做乐观冲突检测。
// 成功返回条目的索引；失败返回 ErrNotLeader / ErrConflict /
// ErrNotCommitted / ErrTimeout 之一。
func (r *Raft) SubmitMutations(baseIndex uint64, reads []kv.KeyRange, mutations *kv.Writes, timeout time.Duration) (uint64, error) {
	r.mu.Lock()

	if r.state != param.Leader {
		r.mu.Unlock()
		return 0, ErrNotLeader
	}

	// 1. 冲突检测：视图之后追加的每一条变更都不能触碰事务读过的区间。
	if err := r.checkConflicts(baseIndex, reads); err != nil {
		r.mu.Unlock()
		return 0, err
	}

	// 2. 写入本地日志。
	entry, err := r.proposeToLog(mutations, nil)
	if err != nil {
		r.mu.Unlock()
		return 0, ErrNotLeader
	}

	// 3. 注册应用通知，然后解锁并广播。
	notifyChan := make(chan error, 1)
	r.notifyApply[entry.Index] = notifyChan
	peers := r.peerIDs()
	r.mu.Unlock()

	txnCommitsTotal.Inc()
	for _, peerID := range peers {
		go r.sendAppendEntries(peerID)
	}

	// 4. 等待条目被应用，或超时。
	select {
	case err := <-notifyChan:
		if err != nil {
			return 0, err
		}
		return entry.Index, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.notifyApply, entry.Index)
		r.mu.Unlock()
		return 0, ErrTimeout
	case <-r.quit:
		return 0, ErrShutdown
	}
}

// checkConflicts 对 baseIndex 之后的所有日志条目检查读写冲突。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) checkConflicts(baseIndex uint64, reads []kv.KeyRange) error {
	if len(reads) == 0 {
		return nil
	}

	// 视图之后的条目如果已经被应用并从日志中压缩掉，无法再检查，
	// 只能保守地要求重试。
	firstIndex, err := r.getFirstLogIndex()
	if err != nil {
		return ErrNotLeader
	}
	if firstIndex > baseIndex+1 {
		txnConflictsTotal.Inc()
		return ErrConflict
	}

	entries, err := r.store.EntriesFrom(baseIndex + 1)
	if err != nil {
		return ErrNotLeader
	}
	for i := range entries {
		if mvcc.Conflicts(reads, entries[i].Mutations) {
			txnConflictsTotal.Inc()
			return ErrConflict
		}
	}
	return nil
}

// SubmitConfigChange 发起一次单步的集群成员变更。
// 上一次变更的条目提交之前，拒绝新的变更。
func (r *Raft) SubmitConfigChange(change *param.ConfigChange, timeout time.Duration) error {
	r.mu.Lock()

	if r.state != param.Leader {
		r.mu.Unlock()
		return ErrNotLeader
	}
	if r.pendingConfigChange != 0 {
		r.mu.Unlock()
		log.Printf("[Config Change] Node %s refusing config change: change at index %d still uncommitted", r.id, r.pendingConfigChange)
		return ErrConflict
	}

	entry, err := r.proposeToLog(nil, change)
	if err != nil {
		r.mu.Unlock()
		return ErrNotLeader
	}
	r.pendingConfigChange = entry.Index

	notifyChan := make(chan error, 1)
	r.notifyApply[entry.Index] = notifyChan
	peers := r.peerIDs()
	r.mu.Unlock()

	for _, peerID := range peers {
		go r.sendAppendEntries(peerID)
	}

	select {
	case err := <-notifyChan:
		return err
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.notifyApply, entry.Index)
		r.mu.Unlock()
		return ErrTimeout
	case <-r.quit:
		return ErrShutdown
	}
}

// peerIDs 返回除自身以外的所有成员标识。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) peerIDs() []string {
	peers := make([]string, 0, len(r.config))
	for id := range r.config {
		if id == r.id {
			continue
		}
		peers = append(peers, id)
	}
	return peers
}

// majority 返回当前配置的多数派大小。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) majority() int {
	return len(r.config)/2 + 1
}

// becomeFollower 将节点的状态更新为指定新任期的 Follower。
// 它会持久化新状态并释放所有 Leader 专属资源。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) becomeFollower(newTerm uint64) error {
	log.Printf("[State Change] Node %s becoming follower for term %d", r.id, newTerm)
	wasLeader := r.state == param.Leader
	r.currentTerm = newTerm
	r.state = param.Follower
	r.votedFor = ""
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = randomizedElectionTimeout()

	if wasLeader {
		r.cleanupLeaderState(ErrNotLeader)
	}

	if err := r.persistHardState(); err != nil {
		log.Printf("[ERROR] Node %s failed to persist state after becoming follower: %v", r.id, err)
		return err
	}
	return nil
}

// cleanupLeaderState 释放 Leader 专属资源：Follower 记录（连同
// 进行中的快照传输）和所有提交等待者。等待者以 cause 失败。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) cleanupLeaderState(cause error) {
	for _, f := range r.followers {
		f.cleanup()
	}
	r.followers = make(map[string]*Follower)
	r.pendingConfigChange = 0

	for index, ch := range r.notifyApply {
		// 已提交的条目仍然会被应用，不需要作废对应的等待者。
		if index <= r.commitIndex {
			continue
		}
		delete(r.notifyApply, index)
		ch <- cause
	}

	// 唤醒租约等待者，它们会重新检查状态并以 not-leader 失败。
	r.leaseCond.Broadcast()
}

// persistHardState 把当前的任期、投票记录、应用进度和配置写入稳定存储。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) persistHardState() error {
	return r.store.SetState(param.HardState{
		CurrentTerm:      r.currentTerm,
		VotedFor:         r.votedFor,
		LastAppliedIndex: r.lastApplied,
		LastAppliedTerm:  r.lastAppliedTerm,
		Config:           r.config,
	})
}
