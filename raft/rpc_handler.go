package raft

import (
	"errors"
	"log"
	"time"

	"github.com/xmh1011/raftkv/param"
)

// clientRequestTimeout 是服务端代客户端等待提交的最长时间。
const clientRequestTimeout = 2 * time.Second

// RequestVote 是处理投票请求的 RPC 入口。
func (r *Raft) RequestVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. 处理任期相关的检查和状态更新。如果任期检查失败，则直接返回。
	if proceed, err := r.handleVoteTermLogic(args, reply); !proceed {
		return err
	}

	// 2. 根据 Raft 的投票规则（日志新旧、是否已投票）做出最终决定。
	return r.decideVote(args, reply)
}

// ClientRequest 是处理来自客户端写请求的 RPC 函数。
// 它负责协调三个主要阶段：前置检查、提交并等待、构建最终响应。
func (r *Raft) ClientRequest(args *param.ClientArgs, reply *param.ClientReply) error {
	// 1. 执行前置检查。如果不是 Leader 或请求重复，则提前返回。
	if proceed := r.preHandleClientRequest(args, reply); !proceed {
		return nil
	}

	// 2. 将变更集合提交到 Raft 日志，并同步等待其被应用。
	// 客户端的整包写入没有读集合，不需要冲突检测。
	_, err := r.SubmitMutations(0, nil, args.Mutations, clientRequestTimeout)

	// 3. 根据提交结果，最终填充客户端的响应。
	r.finalizeClientReply(args, reply, err)
	return nil
}

// ClientRead 是处理客户端线性一致读的 RPC 函数。
// 读取通过租约机制满足线性一致性，不追加日志条目。
func (r *Raft) ClientRead(args *param.ClientReadArgs, reply *param.ClientReadReply) error {
	if !r.isLeader() {
		reply.NotLeader = true
		reply.LeaderHint = r.LeaderHint()
		return nil
	}

	// 1. 先取快照时间，再等待租约覆盖它。
	// 视图在租约确认之后才创建，不存在新鲜度问题，视图索引传 0。
	snapshotTime := time.Now().UnixNano()
	if err := r.WaitForLease(snapshotTime, 0, clientRequestTimeout); err != nil {
		if errors.Is(err, ErrNotLeader) {
			reply.NotLeader = true
			reply.LeaderHint = r.LeaderHint()
		}
		return nil
	}

	// 2. 从已提交的状态中读取。
	view, err := r.CreateView(true, false)
	if err != nil {
		return err
	}
	defer view.Close()

	value := view.View.Get(args.Key)
	reply.Value = value
	reply.Found = value != nil
	return nil
}

// preHandleClientRequest 封装了所有在提交日志前需要进行的前置检查。
// 返回值 bool 表示是否应继续处理该请求。
func (r *Raft) preHandleClientRequest(args *param.ClientArgs, reply *param.ClientReply) bool {
	if !r.isLeader() {
		reply.NotLeader = true
		reply.LeaderHint = r.LeaderHint()
		return false
	}
	if r.isDuplicateRequest(args.ClientID, args.SequenceNum) {
		reply.Success = true // 对于重复请求，直接返回成功。
		return false
	}
	return true
}

// finalizeClientReply 负责根据提交结果构建给客户端的响应。
func (r *Raft) finalizeClientReply(args *param.ClientArgs, reply *param.ClientReply, err error) {
	if err == nil {
		// 变更成功应用，记录会话序列号用于去重。
		r.mu.Lock()
		r.clientSessions[args.ClientID] = args.SequenceNum
		r.mu.Unlock()
		reply.Success = true
		return
	}

	reply.Success = false
	switch {
	case errors.Is(err, ErrNotLeader):
		reply.NotLeader = true
		reply.LeaderHint = r.LeaderHint()
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotCommitted), errors.Is(err, ErrTimeout):
		// 条目的命运未知或未提交，客户端应整体重试。
		reply.Retry = true
		if !r.isLeader() {
			reply.NotLeader = true
			reply.LeaderHint = r.LeaderHint()
		}
	}
}

// handleVoteTermLogic 封装了所有与任期相关的逻辑。
// 返回值 bool 表示是否应继续后续的投票判断。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) handleVoteTermLogic(args *param.RequestVoteArgs, reply *param.RequestVoteReply) (bool, error) {
	// 如果对方的任期低于自己，这是一个过时的请求，直接拒绝。
	if args.Term < r.currentTerm {
		reply.Term = r.currentTerm
		reply.VoteGranted = false
		return false, nil
	}

	// 如果对方的任期高于自己，则更新自己的状态为 Follower。
	if args.Term > r.currentTerm {
		if err := r.becomeFollower(args.Term); err != nil {
			reply.VoteGranted = false
			return false, err // 持久化失败是严重错误
		}
	}
	// 更新 reply 中的任期号以匹配当前（可能已更新的）任期。
	reply.Term = r.currentTerm
	return true, nil
}

// decideVote 封装了最终的投票决策逻辑。
// 它检查投票资格和日志新鲜度，并据此授予或拒绝投票。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) decideVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	// 检查自己是否有资格投票（在本任期内还未投票，或已投给当前候选人）。
	canVote := r.votedFor == "" || r.votedFor == args.CandidateID

	// 检查候选人的日志是否至少和自己一样新。
	logIsUpToDate, err := r.isLogUpToDate(args.LastLogIndex, args.LastLogTerm)
	if err != nil {
		reply.VoteGranted = false
		return err
	}

	// 只有同时满足两个条件时，才授予投票。
	if canVote && logIsUpToDate {
		if err := r.grantVote(args.CandidateID); err != nil {
			reply.VoteGranted = false
			return err
		}
		reply.VoteGranted = true
	} else {
		// 否则，拒绝投票，并记录详细原因。
		log.Printf("[RequestVote] Node %s denying vote for term %d to candidate %s. (canVote=%t, logIsUpToDate=%t)", r.id, r.currentTerm, args.CandidateID, canVote, logIsUpToDate)
		reply.VoteGranted = false
	}
	return nil
}

// isLeader 是一个简单的辅助函数，用于检查节点是否为 Leader。
func (r *Raft) isLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == param.Leader
}

// isDuplicateRequest 检查一个客户端请求是否是重复的。
// 它通过比较请求的序列号和服务器记录的该客户端的最后一个序列号来判断。
func (r *Raft) isDuplicateRequest(clientID int64, sequenceNum int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lastSeqNum, exists := r.clientSessions[clientID]
	if exists && sequenceNum <= lastSeqNum {
		log.Printf("[Client] Duplicate request detected from client %d (seq: %d)", clientID, sequenceNum)
		return true
	}
	return false
}

// isLogUpToDate 检查候选人的日志是否至少和本节点一样新。
// 这是 Raft 选举安全规则的核心实现。此函数必须在持有锁的情况下被调用。
func (r *Raft) isLogUpToDate(candidateLastLogIndex, candidateLastLogTerm uint64) (bool, error) {
	localLastLogIndex, localLastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		log.Printf("[ERROR] Node %s failed to get last log info from store: %v", r.id, err)
		return false, err
	}

	// 1. 如果任期号不同，任期号大的日志更新。
	// 2. 如果任期号相同，日志更长的（索引更大）的更新。
	if candidateLastLogTerm > localLastLogTerm || (candidateLastLogTerm == localLastLogTerm && candidateLastLogIndex >= localLastLogIndex) {
		return true, nil
	}
	return false, nil
}

// grantVote 记录为指定候选人投票的动作，并将其持久化。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) grantVote(candidateID string) error {
	log.Printf("[RequestVote] Node %s granting vote for term %d to candidate %s.", r.id, r.currentTerm, candidateID)
	r.votedFor = candidateID
	r.electionResetEvent = time.Now()

	if err := r.persistHardState(); err != nil {
		log.Printf("[ERROR] Node %s failed to persist vote: %v", r.id, err)
		return err
	}
	return nil
}
