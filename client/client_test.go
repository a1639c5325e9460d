package client

import (
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/transport"
)

// setup 为每个测试创建一个带 Mock 传输层的客户端。
func setup(t *testing.T) (*gomock.Controller, *transport.MockTransport, *Client) {
	ctrl := gomock.NewController(t)
	mockTrans := transport.NewMockTransport(ctrl)

	servers := map[string]string{
		"1": "localhost:8001",
		"2": "localhost:8002",
		"3": "localhost:8003",
	}
	mockTrans.EXPECT().SetPeers(servers).Times(1)

	client := NewClient(servers, mockTrans)
	// 固定客户端 ID，让测试可预测。
	client.clientID = 12345
	return ctrl, mockTrans, client
}

func TestNewClient(t *testing.T) {
	ctrl, _, client := setup(t)
	defer ctrl.Finish()

	assert.NotNil(t, client)
	assert.NotZero(t, client.clientID)
	assert.Equal(t, int64(0), client.sequenceNum)
	assert.Equal(t, "", client.leaderHint)
	assert.NotNil(t, client.servers)
	assert.NotNil(t, client.trans)
}

func TestSelectTargetNode(t *testing.T) {
	ctrl, _, client := setup(t)
	defer ctrl.Finish()

	// 没有 Leader 提示时，选择 ID 排序最小的节点。
	assert.Equal(t, "1", client.selectTargetNode())

	// 有 Leader 提示时直接使用它。
	client.leaderHint = "2"
	assert.Equal(t, "2", client.selectTargetNode())
}

func TestDecideNextAction(t *testing.T) {
	ctrl, _, client := setup(t)
	defer ctrl.Finish()

	t.Run("TransportErrorRetriesAndClearsHint", func(t *testing.T) {
		client.leaderHint = "2"
		action := client.decideNextAction("2", &param.ClientReply{}, errors.New("connection refused"))
		assert.Equal(t, actionRetry, action)
		assert.Equal(t, "", client.leaderHint)
	})

	t.Run("NotLeaderAdoptsHint", func(t *testing.T) {
		client.leaderHint = ""
		action := client.decideNextAction("1", &param.ClientReply{NotLeader: true, LeaderHint: "3"}, nil)
		assert.Equal(t, actionRetry, action)
		assert.Equal(t, "3", client.leaderHint)
	})

	t.Run("Success", func(t *testing.T) {
		action := client.decideNextAction("3", &param.ClientReply{Success: true}, nil)
		assert.Equal(t, actionSuccess, action)
	})

	t.Run("UncommittedRetries", func(t *testing.T) {
		client.leaderHint = "3"
		action := client.decideNextAction("3", &param.ClientReply{Retry: true}, nil)
		assert.Equal(t, actionRetry, action)
		assert.Equal(t, "", client.leaderHint)
	})
}

func TestPutSuccess(t *testing.T) {
	ctrl, mockTrans, client := setup(t)
	defer ctrl.Finish()

	var captured *param.ClientArgs
	mockTrans.EXPECT().SendClientRequest("1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ string, args *param.ClientArgs, reply *param.ClientReply) error {
			captured = args
			reply.Success = true
			return nil
		}).Times(1)

	assert.True(t, client.Put([]byte("k"), []byte("v")))
	assert.Equal(t, int64(1), client.sequenceNum)

	require.NotNil(t, captured)
	assert.Equal(t, int64(12345), captured.ClientID)
	assert.Equal(t, int64(1), captured.SequenceNum)
	assert.Equal(t, []byte("v"), captured.Mutations.Puts["k"])
}

func TestSubmitFollowsLeaderHint(t *testing.T) {
	ctrl, mockTrans, client := setup(t)
	defer ctrl.Finish()

	// 第一个节点拒绝并指向 Leader，客户端跟随提示重发。
	gomock.InOrder(
		mockTrans.EXPECT().SendClientRequest("1", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.ClientArgs, reply *param.ClientReply) error {
				reply.NotLeader = true
				reply.LeaderHint = "2"
				return nil
			}),
		mockTrans.EXPECT().SendClientRequest("2", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.ClientArgs, reply *param.ClientReply) error {
				reply.Success = true
				return nil
			}),
	)

	assert.True(t, client.Put([]byte("k"), []byte("v")))
	assert.Equal(t, "2", client.leaderHint)
}

func TestSubmitRetriesOnTransportError(t *testing.T) {
	ctrl, mockTrans, client := setup(t)
	defer ctrl.Finish()

	gomock.InOrder(
		mockTrans.EXPECT().SendClientRequest("1", gomock.Any(), gomock.Any()).
			Return(errors.New("connection refused")),
		mockTrans.EXPECT().SendClientRequest("1", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.ClientArgs, reply *param.ClientReply) error {
				reply.Success = true
				return nil
			}),
	)

	assert.True(t, client.Delete([]byte("k")))
}

func TestSubmitReusesSequenceNumberAcrossRetries(t *testing.T) {
	ctrl, mockTrans, client := setup(t)
	defer ctrl.Finish()

	// 同一次操作的重试必须带同一个序列号，Leader 才能去重。
	var seqs []int64
	gomock.InOrder(
		mockTrans.EXPECT().SendClientRequest("1", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.ClientArgs, reply *param.ClientReply) error {
				seqs = append(seqs, args.SequenceNum)
				reply.Retry = true
				return nil
			}),
		mockTrans.EXPECT().SendClientRequest("1", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.ClientArgs, reply *param.ClientReply) error {
				seqs = append(seqs, args.SequenceNum)
				reply.Success = true
				return nil
			}),
	)

	assert.True(t, client.AdjustCounter([]byte("cnt"), 1))
	require.Len(t, seqs, 2)
	assert.Equal(t, seqs[0], seqs[1])
}

func TestDeleteRangeBuildsMutations(t *testing.T) {
	ctrl, mockTrans, client := setup(t)
	defer ctrl.Finish()

	var captured *param.ClientArgs
	mockTrans.EXPECT().SendClientRequest("1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ string, args *param.ClientArgs, reply *param.ClientReply) error {
			captured = args
			reply.Success = true
			return nil
		}).Times(1)

	assert.True(t, client.DeleteRange([]byte("a"), []byte("m")))
	require.NotNil(t, captured)
	require.Len(t, captured.Mutations.Removes, 1)
	assert.Equal(t, kv.NewKeyRange([]byte("a"), []byte("m")), captured.Mutations.Removes[0])
}

func TestGet(t *testing.T) {
	ctrl, mockTrans, client := setup(t)
	defer ctrl.Finish()

	t.Run("Found", func(t *testing.T) {
		mockTrans.EXPECT().SendClientRead("1", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.ClientReadArgs, reply *param.ClientReadReply) error {
				assert.Equal(t, []byte("k"), args.Key)
				reply.Found = true
				reply.Value = []byte("v")
				return nil
			}).Times(1)

		value, found, ok := client.Get([]byte("k"))
		assert.True(t, ok)
		assert.True(t, found)
		assert.Equal(t, []byte("v"), value)
	})

	t.Run("Missing", func(t *testing.T) {
		mockTrans.EXPECT().SendClientRead("1", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.ClientReadArgs, reply *param.ClientReadReply) error {
				return nil
			}).Times(1)

		value, found, ok := client.Get([]byte("missing"))
		assert.True(t, ok)
		assert.False(t, found)
		assert.Nil(t, value)
	})

	t.Run("FollowsLeaderHint", func(t *testing.T) {
		gomock.InOrder(
			mockTrans.EXPECT().SendClientRead("1", gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ string, args *param.ClientReadArgs, reply *param.ClientReadReply) error {
					reply.NotLeader = true
					reply.LeaderHint = "3"
					return nil
				}),
			mockTrans.EXPECT().SendClientRead("3", gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ string, args *param.ClientReadArgs, reply *param.ClientReadReply) error {
					reply.Found = true
					reply.Value = []byte("v")
					return nil
				}),
		)

		value, found, ok := client.Get([]byte("k"))
		assert.True(t, ok)
		assert.True(t, found)
		assert.Equal(t, []byte("v"), value)
	})
}
