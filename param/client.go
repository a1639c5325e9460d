package param

import (
	"encoding/gob"

	"github.com/xmh1011/raftkv/kv"
)

func init() {
	gob.Register(&kv.Writes{})
	gob.Register(&ConfigChange{})
}

// ClientArgs 封装了来自客户端的请求：一个完整的变更集合，
// 以及用于去重的客户端ID和单调递增的序列号。
type ClientArgs struct {
	ClientID    int64
	SequenceNum int64
	Mutations   *kv.Writes
}

// NewClientArgs 创建一个新的 ClientArgs 实例。
func NewClientArgs(clientID, sequenceNum int64, mutations *kv.Writes) *ClientArgs {
	return &ClientArgs{
		ClientID:    clientID,
		SequenceNum: sequenceNum,
		Mutations:   mutations,
	}
}

// ClientReply 是 Raft 节点对客户端请求的响应。
type ClientReply struct {
	Success    bool   // 请求是否成功处理
	Retry      bool   // 日志条目未能提交（丢失选举、日志被截断或冲突），应整体重试
	NotLeader  bool   // 如果当前节点不是 Leader，此项为 true
	LeaderHint string // 当前已知的 Leader ID，用于客户端重定向
}

// ClientReadArgs 是客户端的只读查询请求。
type ClientReadArgs struct {
	Key []byte
}

// ClientReadReply 是只读查询的响应。
type ClientReadReply struct {
	Value      []byte
	Found      bool
	NotLeader  bool
	LeaderHint string
}
