package transport

import (
	"github.com/xmh1011/raftkv/param"
)

// 可选的 Transport 实现类型。
const (
	TCPTransport      = "tcp"
	GrpcTransport     = "grpc"
	InmemoryTransport = "inmemory"
)

// Transport 定义了 Raft 节点之间以及客户端与节点之间通信所需的方法。
// target 是节点标识；具体实现通过 SetPeers 维护标识到网络地址
// （host[:port]）的映射。发送方法是同步的：返回时 resp 已被填充，
// 或者返回一个仅影响本次调用的错误（连接级错误在实现内部被隔离）。
type Transport interface {
	// SendRequestVote 发送 RequestVote RPC 请求。
	SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error

	// SendAppendEntries 发送 AppendEntries RPC 请求。
	SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error

	// SendInstallSnapshot 发送 InstallSnapshot RPC 请求。
	SendInstallSnapshot(target string, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error

	// SendCommitLeaseNotice 发送读租约推进通知。
	SendCommitLeaseNotice(target string, req *param.CommitLeaseNoticeArgs, resp *param.CommitLeaseNoticeReply) error

	// SendClientRequest 发送客户端写请求到指定的 Raft 节点。
	SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error

	// SendClientRead 发送客户端只读查询到指定的 Raft 节点。
	SendClientRead(target string, req *param.ClientReadArgs, resp *param.ClientReadReply) error

	// RegisterRaft 注册本地节点的 RPC 处理器。必须在 Start 之前调用。
	RegisterRaft(server RPCServer)

	// SetPeers 更新节点标识到网络地址的映射。
	// 可以在运行期间调用（配置变更生效时）。
	SetPeers(peers map[string]string)

	// Start 启动传输层（监听、事件循环）。
	Start() error

	// Addr 返回本节点的监听地址。
	Addr() string

	// Close 关闭传输层和所有连接。可以安全地重复调用。
	Close() error
}
