package inmemory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
)

// mockRPCServer 是 transport.RPCServer 接口的一个模拟实现，用于测试。
type mockRPCServer struct {
	// lastArgs 记录最后一次被调用时传入的参数
	lastArgs any
	// replyToReturn 是预设的、希望 mock 方法写入到 reply 参数中的内容
	replyToReturn any
	// errorToReturn 是预设的、希望 mock 方法返回的错误
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

func TestInMemoryTransport(t *testing.T) {
	t.Run("New, Connect, and Disconnect", func(t *testing.T) {
		trans := NewInMemoryTransport("local")
		assert.NotNil(t, trans, "NewInMemoryTransport should not return nil")
		assert.Equal(t, "local", trans.Addr())
		assert.Empty(t, trans.peers, "peers map should be initially empty")

		mockPeer := &mockRPCServer{}
		trans.Connect("peer1", mockPeer)
		assert.Len(t, trans.peers, 1, "peers map should have 1 entry after connect")
		assert.Contains(t, trans.peers, "peer1")

		trans.Disconnect("peer1")
		assert.Empty(t, trans.peers, "peers map should be empty after disconnect")
	})

	t.Run("Send successful RPC calls", func(t *testing.T) {
		trans := NewInMemoryTransport("local")
		mockPeer := &mockRPCServer{}
		trans.Connect("peer1", mockPeer)

		// --- SendRequestVote ---
		mockPeer.replyToReturn = &param.RequestVoteReply{Term: 1, VoteGranted: true}
		argsRV := param.NewRequestVoteArgs(1, "local", 3, 1)
		replyRV := &param.RequestVoteReply{}
		err := trans.SendRequestVote("peer1", argsRV, replyRV)
		assert.NoError(t, err)
		assert.Equal(t, argsRV, mockPeer.lastArgs)
		assert.Equal(t, uint64(1), replyRV.Term)
		assert.True(t, replyRV.VoteGranted)

		// --- SendAppendEntries ---
		mockPeer.replyToReturn = &param.AppendEntriesReply{Term: 2, Success: true}
		argsAE := &param.AppendEntriesArgs{Term: 2, LeaderID: "local"}
		replyAE := &param.AppendEntriesReply{}
		err = trans.SendAppendEntries("peer1", argsAE, replyAE)
		assert.NoError(t, err)
		assert.Equal(t, argsAE, mockPeer.lastArgs)
		assert.Equal(t, uint64(2), replyAE.Term)
		assert.True(t, replyAE.Success)

		// --- SendInstallSnapshot ---
		mockPeer.replyToReturn = &param.InstallSnapshotReply{Term: 3}
		argsIS := &param.InstallSnapshotArgs{Term: 3}
		replyIS := &param.InstallSnapshotReply{}
		err = trans.SendInstallSnapshot("peer1", argsIS, replyIS)
		assert.NoError(t, err)
		assert.Equal(t, argsIS, mockPeer.lastArgs)
		assert.Equal(t, uint64(3), replyIS.Term)

		// --- SendCommitLeaseNotice ---
		mockPeer.replyToReturn = &param.CommitLeaseNoticeReply{}
		argsCL := &param.CommitLeaseNoticeArgs{Term: 3, LeaseTimeout: 42}
		replyCL := &param.CommitLeaseNoticeReply{}
		err = trans.SendCommitLeaseNotice("peer1", argsCL, replyCL)
		assert.NoError(t, err)
		assert.Equal(t, argsCL, mockPeer.lastArgs)

		// --- SendClientRequest ---
		mutations := kv.NewWrites()
		mutations.Put([]byte("k"), []byte("v"))
		mockPeer.replyToReturn = &param.ClientReply{Success: true}
		argsCR := param.NewClientArgs(1, 1, mutations)
		replyCR := &param.ClientReply{}
		err = trans.SendClientRequest("peer1", argsCR, replyCR)
		assert.NoError(t, err)
		assert.Equal(t, argsCR, mockPeer.lastArgs)
		assert.True(t, replyCR.Success)

		// --- SendClientRead ---
		mockPeer.replyToReturn = &param.ClientReadReply{Found: true, Value: []byte("v")}
		argsRD := &param.ClientReadArgs{Key: []byte("k")}
		replyRD := &param.ClientReadReply{}
		err = trans.SendClientRead("peer1", argsRD, replyRD)
		assert.NoError(t, err)
		assert.Equal(t, argsRD, mockPeer.lastArgs)
		assert.True(t, replyRD.Found)
		assert.Equal(t, []byte("v"), replyRD.Value)
	})

	t.Run("Send RPC to non-existent peer", func(t *testing.T) {
		trans := NewInMemoryTransport("local")
		err := trans.SendRequestVote("non-existent-peer", &param.RequestVoteArgs{}, &param.RequestVoteReply{})
		assert.Error(t, err, "sending to a non-existent peer should return an error")
		assert.Contains(t, err.Error(), "could not connect to peer")
	})

	t.Run("Send RPC where peer returns an error", func(t *testing.T) {
		trans := NewInMemoryTransport("local")
		mockPeer := &mockRPCServer{}
		expectedErr := errors.New("mock RPC failure")
		mockPeer.errorToReturn = expectedErr
		trans.Connect("peer1", mockPeer)

		err := trans.SendRequestVote("peer1", &param.RequestVoteArgs{}, &param.RequestVoteReply{})
		assert.Equal(t, expectedErr, err, "the returned error should be the one from the mock")
	})

	t.Run("Close clears all peers", func(t *testing.T) {
		trans := NewInMemoryTransport("local")
		trans.Connect("peer1", &mockRPCServer{})
		trans.Connect("peer2", &mockRPCServer{})

		assert.NoError(t, trans.Close())
		err := trans.SendRequestVote("peer1", &param.RequestVoteArgs{}, &param.RequestVoteReply{})
		assert.Error(t, err)
	})
}
