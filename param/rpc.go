package param

// RequestVoteArgs See figure 2 in the paper.
type RequestVoteArgs struct {
	Term         uint64 // 候选人的任期号
	CandidateID  string // 候选人的ID
	LastLogIndex uint64 // 候选人最后一条日志的索引
	LastLogTerm  uint64 // 候选人最后一条日志的任期号
}

func NewRequestVoteArgs(term uint64, candidateID string, lastLogIndex, lastLogTerm uint64) *RequestVoteArgs {
	return &RequestVoteArgs{
		Term:         term,
		CandidateID:  candidateID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
}

// RequestVoteReply 定义RequestVote RPC响应 See figure 2 in the paper.
type RequestVoteReply struct {
	Term        uint64 // 当前节点的任期号（用于候选者更新自身）
	VoteGranted bool   // 是否投票给候选者
}

func NewRequestVoteReply() *RequestVoteReply {
	return &RequestVoteReply{}
}

// VoteResult 用于在选举 goroutine 内传递单张选票的结果。
type VoteResult struct {
	VoterID     string // 投票节点的ID
	VoteGranted bool   // 是否投了赞成票
}

// AppendEntriesArgs 是日志复制和心跳共用的 RPC 请求。
// LeaderTimestamp 是 Leader 发送该请求时的本地时钟（UnixNano），
// Follower 会在响应中原样回传，Leader 据此推进读租约。
type AppendEntriesArgs struct {
	Term            uint64
	LeaderID        string
	PrevLogIndex    uint64 // 新条目紧前一条日志的索引
	PrevLogTerm     uint64 // PrevLogIndex 处条目的任期
	Entries         []LogEntry
	LeaderCommit    uint64 // Leader 的 commitIndex
	LeaderTimestamp int64
	Probe           bool // 为 true 时仅探测日志是否一致，不发送数据条目
}

// NewAppendEntriesArgs creates a new AppendEntriesArgs struct.
func NewAppendEntriesArgs(term uint64, leaderID string, prevLogIndex, prevLogTerm, leaderCommit uint64, entries []LogEntry, leaderTimestamp int64) *AppendEntriesArgs {
	return &AppendEntriesArgs{
		Term:            term,
		LeaderID:        leaderID,
		PrevLogIndex:    prevLogIndex,
		PrevLogTerm:     prevLogTerm,
		Entries:         entries,
		LeaderCommit:    leaderCommit,
		LeaderTimestamp: leaderTimestamp,
	}
}

// AppendEntriesReply 是 AppendEntries 的响应。
// MatchIndex 报告 Follower 已确认与 Leader 一致的最高日志索引；
// Synced 表示这次交换确认了 PrevLogIndex 处的日志一致。
// PendingLeaseTimeout 携带 Follower 上最早的、等待 Leader 租约推进的
// 只读事务时间戳（0 表示没有），Leader 的租约越过它时会发送 CommitLeaseNotice。
type AppendEntriesReply struct {
	Term                uint64
	Success             bool
	MatchIndex          uint64
	Synced              bool
	ConflictIndex       uint64 // 冲突时，建议 Leader 回退到的 nextIndex
	ConflictTerm        uint64 // 冲突条目的任期
	LeaderTimestamp     int64  // 原样回传请求中的 LeaderTimestamp
	PendingLeaseTimeout int64
}

// NewAppendEntriesReply creates a new AppendEntriesReply struct.
func NewAppendEntriesReply() *AppendEntriesReply {
	return &AppendEntriesReply{}
}

// InstallSnapshotArgs 定义InstallSnapshot RPC请求。
// 快照以分块方式传输：每个请求携带 Offset 处的一段数据，
// Done 为 true 的请求是最后一块。Follower 通过响应中的 NextOffset
// 告知期望的下一块位置，支持断点续传。
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64 // 快照中包含的最后一条日志的索引
	LastIncludedTerm  uint64 // 快照中包含的最后一条日志的任期号
	Config            Config // 快照时刻的集群配置
	Offset            uint64 // 本块数据在完整快照中的偏移
	Data              []byte
	Done              bool
}

// NewInstallSnapshotArgs 创建一个新的 InstallSnapshotArgs 实例。
func NewInstallSnapshotArgs(term uint64, leaderID string, snapshot *Snapshot, offset uint64, data []byte, done bool) *InstallSnapshotArgs {
	return &InstallSnapshotArgs{
		Term:              term,
		LeaderID:          leaderID,
		LastIncludedIndex: snapshot.LastIncludedIndex,
		LastIncludedTerm:  snapshot.LastIncludedTerm,
		Config:            snapshot.Config,
		Offset:            offset,
		Data:              data,
		Done:              done,
	}
}

// InstallSnapshotReply 定义InstallSnapshot RPC响应。
type InstallSnapshotReply struct {
	Term       uint64
	Success    bool
	NextOffset uint64 // Follower 期望的下一块偏移；与请求不一致时 Leader 从这里续传
}

// CommitLeaseNoticeArgs 是 Leader 推进读租约后发给 Follower 的通知。
// Follower 收到后唤醒所有等待时间戳不晚于 CoveredWait 的只读事务等待者。
type CommitLeaseNoticeArgs struct {
	Term         uint64
	LeaderID     string
	LeaseTimeout int64 // Leader 保证在此时间戳（UnixNano）之前自己仍是 Leader
	// CoveredWait 是本次通知覆盖到的最晚等待时间戳。
	CoveredWait int64
	// CommitIndex 是 Leader 记录这些等待时采样的最大提交索引。
	// 记录发生在等待开始之后，所以该索引涵盖了等待开始前提交的全部写入；
	// Follower 的只读视图必须包含它之前的所有条目才算新鲜。
	CommitIndex uint64
}

// CommitLeaseNoticeReply 是 CommitLeaseNotice 的响应。
type CommitLeaseNoticeReply struct {
	Term uint64
}
