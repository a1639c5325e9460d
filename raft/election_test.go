package raft

import (
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/storage/kvstore"
	"github.com/xmh1011/raftkv/transport"
)

// testConfig 是测试中使用的三节点集群配置。
func testConfig() param.Config {
	return param.Config{
		"1": "127.0.0.1:8001",
		"2": "127.0.0.1:8002",
		"3": "127.0.0.1:8003",
	}
}

// newTestRaft 构造一个测试用节点：真实的 kv 存储、注入的 Mock 传输层。
// 节点不启动选举计时器，由测试直接驱动状态转换。
func newTestRaft(t *testing.T, id string, trans transport.Transport) *Raft {
	t.Helper()
	base := kv.NewMemStore()
	store := kvstore.New(base)
	r := NewRaft(id, testConfig(), store, base, trans)
	t.Cleanup(r.Stop)
	return r
}

// appendTestEntries 直接向节点的日志写入指定 (term, index) 的条目。
func appendTestEntries(t *testing.T, r *Raft, pairs ...[2]uint64) {
	t.Helper()
	entries := make([]param.LogEntry, 0, len(pairs))
	for _, p := range pairs {
		mutations := kv.NewWrites()
		mutations.Put([]byte("k"), []byte("v"))
		entries = append(entries, param.NewLogEntry(p[0], p[1], mutations))
	}
	require.NoError(t, r.store.AppendEntries(entries))
}

func TestStartElection(t *testing.T) {
	t.Run("WinsWithMajority", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		trans := transport.NewMockTransport(ctrl)

		// 两个对等节点都授予投票。
		trans.EXPECT().SendRequestVote(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
				reply.Term = args.Term
				reply.VoteGranted = true
				return nil
			}).Times(2)
		// 当选后的心跳。
		trans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
				reply.Term = args.Term
				reply.Success = true
				reply.Synced = true
				reply.MatchIndex = args.PrevLogIndex
				reply.LeaderTimestamp = args.LeaderTimestamp
				return nil
			}).AnyTimes()

		r := newTestRaft(t, "1", trans)
		r.startElection()

		assert.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.state == param.Leader
		}, time.Second, 10*time.Millisecond)

		r.mu.Lock()
		assert.Equal(t, uint64(1), r.currentTerm)
		assert.Equal(t, "1", r.votedFor)
		assert.Len(t, r.followers, 2)
		r.mu.Unlock()
	})

	t.Run("StepsDownOnHigherTermReply", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		trans := transport.NewMockTransport(ctrl)

		trans.EXPECT().SendRequestVote(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
				reply.Term = args.Term + 5
				reply.VoteGranted = false
				return nil
			}).Times(2)

		r := newTestRaft(t, "1", trans)
		r.startElection()

		assert.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.state == param.Follower && r.currentTerm == 6
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("PersistsTermAndVoteBeforeRequesting", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		trans := transport.NewMockTransport(ctrl)
		trans.EXPECT().SendRequestVote(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		r := newTestRaft(t, "1", trans)
		r.startElection()

		state, err := r.store.GetState()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), state.CurrentTerm)
		assert.Equal(t, "1", state.VotedFor)
	})
}

func TestRequestVote(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(t *testing.T, r *Raft)
		args         *param.RequestVoteArgs
		wantGranted  bool
		wantTerm     uint64
		wantVotedFor string
	}{
		{
			name:         "GrantsToUpToDateCandidate",
			args:         param.NewRequestVoteArgs(1, "2", 0, 0),
			wantGranted:  true,
			wantTerm:     1,
			wantVotedFor: "2",
		},
		{
			name: "RejectsLowerTerm",
			setup: func(t *testing.T, r *Raft) {
				r.currentTerm = 5
			},
			args:        param.NewRequestVoteArgs(3, "2", 10, 3),
			wantGranted: false,
			wantTerm:    5,
		},
		{
			name: "RejectsWhenAlreadyVotedForOther",
			setup: func(t *testing.T, r *Raft) {
				r.currentTerm = 2
				r.votedFor = "3"
			},
			args:         param.NewRequestVoteArgs(2, "2", 5, 2),
			wantGranted:  false,
			wantTerm:     2,
			wantVotedFor: "3",
		},
		{
			name: "GrantsRepeatVoteToSameCandidate",
			setup: func(t *testing.T, r *Raft) {
				r.currentTerm = 2
				r.votedFor = "2"
			},
			args:         param.NewRequestVoteArgs(2, "2", 5, 2),
			wantGranted:  true,
			wantTerm:     2,
			wantVotedFor: "2",
		},
		{
			name: "RejectsStaleLogShorterSameTerm",
			setup: func(t *testing.T, r *Raft) {
				r.currentTerm = 2
				appendTestEntries(t, r, [2]uint64{2, 1}, [2]uint64{2, 2})
			},
			args:        param.NewRequestVoteArgs(2, "2", 1, 2),
			wantGranted: false,
			wantTerm:    2,
		},
		{
			name: "RejectsStaleLogOlderTerm",
			setup: func(t *testing.T, r *Raft) {
				r.currentTerm = 3
				appendTestEntries(t, r, [2]uint64{3, 1})
			},
			args:        param.NewRequestVoteArgs(3, "2", 10, 2),
			wantGranted: false,
			wantTerm:    3,
		},
		{
			name: "HigherTermConvertsToFollowerAndGrants",
			setup: func(t *testing.T, r *Raft) {
				r.currentTerm = 2
				r.state = param.Candidate
				r.votedFor = "1"
			},
			args:         param.NewRequestVoteArgs(4, "2", 0, 0),
			wantGranted:  true,
			wantTerm:     4,
			wantVotedFor: "2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))
			if tt.setup != nil {
				tt.setup(t, r)
			}

			reply := param.NewRequestVoteReply()
			require.NoError(t, r.RequestVote(tt.args, reply))

			assert.Equal(t, tt.wantGranted, reply.VoteGranted)
			assert.Equal(t, tt.wantTerm, reply.Term)
			if tt.wantVotedFor != "" {
				r.mu.Lock()
				assert.Equal(t, tt.wantVotedFor, r.votedFor)
				r.mu.Unlock()
			}
		})
	}
}
