package grpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
)

// mockRPCServer 是 transport.RPCServer 接口的一个模拟实现，用于测试。
type mockRPCServer struct {
	lastArgs      any
	replyToReturn any
	errorToReturn error
}

func (m *mockRPCServer) RequestVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.RequestVoteReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) AppendEntries(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.AppendEntriesReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) InstallSnapshot(args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.InstallSnapshotReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) CommitLeaseNotice(args *param.CommitLeaseNoticeArgs, reply *param.CommitLeaseNoticeReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.CommitLeaseNoticeReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) ClientRequest(args *param.ClientArgs, reply *param.ClientReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.ClientReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) ClientRead(args *param.ClientReadArgs, reply *param.ClientReadReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.ClientReadReply))
	}
	return m.errorToReturn
}

func TestGRPCTransport(t *testing.T) {
	mock1 := &mockRPCServer{}
	t1 := NewGRPCTransport("1", "127.0.0.1:0")
	t1.RegisterRaft(mock1)
	require.NoError(t, t1.Start())
	defer t1.Close()

	mock2 := &mockRPCServer{}
	t2 := NewGRPCTransport("2", "127.0.0.1:0")
	t2.RegisterRaft(mock2)
	require.NoError(t, t2.Start())
	defer t2.Close()

	peers := map[string]string{"1": t1.Addr(), "2": t2.Addr()}
	t1.SetPeers(peers)
	t2.SetPeers(peers)

	t.Run("RequestVote", func(t *testing.T) {
		mock2.replyToReturn = &param.RequestVoteReply{Term: 1, VoteGranted: true}
		req := param.NewRequestVoteArgs(1, "1", 10, 1)
		resp := &param.RequestVoteReply{}

		err := t1.SendRequestVote("2", req, resp)
		assert.NoError(t, err)
		assert.True(t, resp.VoteGranted)
		assert.Equal(t, uint64(1), resp.Term)

		received, ok := mock2.lastArgs.(*param.RequestVoteArgs)
		assert.True(t, ok)
		assert.Equal(t, "1", received.CandidateID)
		assert.Equal(t, uint64(10), received.LastLogIndex)
	})

	t.Run("AppendEntries", func(t *testing.T) {
		mock2.replyToReturn = &param.AppendEntriesReply{Term: 1, Success: true, MatchIndex: 1}
		mutations := kv.NewWrites()
		mutations.Put([]byte("k"), []byte("v"))
		req := &param.AppendEntriesArgs{
			Term:     1,
			LeaderID: "1",
			Entries:  []param.LogEntry{param.NewLogEntry(1, 1, mutations)},
		}
		resp := &param.AppendEntriesReply{}

		err := t1.SendAppendEntries("2", req, resp)
		assert.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, uint64(1), resp.MatchIndex)

		// 日志条目中的变更集合应当原样到达。
		received, ok := mock2.lastArgs.(*param.AppendEntriesArgs)
		assert.True(t, ok)
		require.Len(t, received.Entries, 1)
		assert.Equal(t, []byte("v"), received.Entries[0].Mutations.Puts["k"])
	})

	t.Run("InstallSnapshot", func(t *testing.T) {
		mock2.replyToReturn = &param.InstallSnapshotReply{Term: 1, Success: true, NextOffset: 4}
		req := &param.InstallSnapshotArgs{
			Term:              1,
			LeaderID:          "1",
			LastIncludedIndex: 7,
			LastIncludedTerm:  1,
			Data:              []byte("blob"),
			Done:              true,
		}
		resp := &param.InstallSnapshotReply{}

		err := t1.SendInstallSnapshot("2", req, resp)
		assert.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, uint64(4), resp.NextOffset)
	})

	t.Run("CommitLeaseNotice", func(t *testing.T) {
		mock2.replyToReturn = &param.CommitLeaseNoticeReply{Term: 1}
		req := &param.CommitLeaseNoticeArgs{Term: 1, LeaderID: "1", LeaseTimeout: 99}
		resp := &param.CommitLeaseNoticeReply{}

		err := t1.SendCommitLeaseNotice("2", req, resp)
		assert.NoError(t, err)

		received, ok := mock2.lastArgs.(*param.CommitLeaseNoticeArgs)
		assert.True(t, ok)
		assert.Equal(t, int64(99), received.LeaseTimeout)
	})

	t.Run("ClientRequest and ClientRead", func(t *testing.T) {
		mock2.replyToReturn = &param.ClientReply{Success: true}
		mutations := kv.NewWrites()
		mutations.Put([]byte("a"), []byte("b"))
		reply := &param.ClientReply{}
		err := t1.SendClientRequest("2", param.NewClientArgs(1, 1, mutations), reply)
		assert.NoError(t, err)
		assert.True(t, reply.Success)

		mock2.replyToReturn = &param.ClientReadReply{Found: true, Value: []byte("b")}
		readReply := &param.ClientReadReply{}
		err = t1.SendClientRead("2", &param.ClientReadArgs{Key: []byte("a")}, readReply)
		assert.NoError(t, err)
		assert.True(t, readReply.Found)
		assert.Equal(t, []byte("b"), readReply.Value)
	})

	t.Run("Server-side error is propagated", func(t *testing.T) {
		mock2.replyToReturn = nil
		mock2.errorToReturn = errors.New("deliberate failure")
		defer func() { mock2.errorToReturn = nil }()

		err := t1.SendRequestVote("2", &param.RequestVoteArgs{}, &param.RequestVoteReply{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "deliberate failure")
	})

	t.Run("Address fallback for unknown target", func(t *testing.T) {
		// 不在 peers 映射中的目标被当作网络地址直接拨号（客户端场景）。
		mock2.replyToReturn = &param.ClientReadReply{Found: false}
		mock2.errorToReturn = nil
		readReply := &param.ClientReadReply{}
		err := t1.SendClientRead(t2.Addr(), &param.ClientReadArgs{Key: []byte("missing")}, readReply)
		assert.NoError(t, err)
		assert.False(t, readReply.Found)
	})

	t.Run("Send after close fails", func(t *testing.T) {
		t3 := NewGRPCTransport("3", "127.0.0.1:0")
		t3.RegisterRaft(&mockRPCServer{})
		require.NoError(t, t3.Start())
		require.NoError(t, t3.Close())

		err := t3.SendRequestVote(t2.Addr(), &param.RequestVoteArgs{}, &param.RequestVoteReply{})
		assert.Error(t, err)
	})
}
