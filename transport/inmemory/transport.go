package inmemory

import (
	"fmt"
	"sync"

	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/transport"
)

// Transport 是一个基于内存的 Transport 实现，
// 用于在单个进程内模拟 Raft 节点间的通信。
// 测试通过 Connect/Disconnect 手动建立和切断“连接”，
// 可以方便地模拟网络分区。
type Transport struct {
	mu      sync.RWMutex
	localID string
	peers   map[string]transport.RPCServer // 节点标识 -> 对端的 RPC 处理器
	raft    transport.RPCServer
}

// NewInMemoryTransport 创建一个新的 Transport 实例。
// localID 是当前使用此 transport 的节点的标识。
func NewInMemoryTransport(localID string) *Transport {
	return &Transport{
		localID: localID,
		peers:   make(map[string]transport.RPCServer),
	}
}

// Addr 返回本节点的标识（内存传输没有真实地址）。
func (t *Transport) Addr() string {
	return t.localID
}

// SetPeers 在内存传输中是空操作：测试通过 Connect 手动配置连接。
func (t *Transport) SetPeers(peers map[string]string) {}

// RegisterRaft 注册本地 Raft 实例。
func (t *Transport) RegisterRaft(server transport.RPCServer) {
	t.raft = server
}

// Start 启动 Transport。内存实现无需任何准备。
func (t *Transport) Start() error {
	return nil
}

// Close 关闭 Transport，断开全部连接。
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]transport.RPCServer)
	return nil
}

// Connect 将一个对等节点添加到注册表中。
// 此后发往该节点的消息会直接调用它的处理器。
func (t *Transport) Connect(peerID string, server transport.RPCServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = server
}

// Disconnect 从注册表中移除一个对等节点，模拟单向的网络断开。
func (t *Transport) Disconnect(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

// getPeer 根据目标标识查找对应的 RPCServer。
func (t *Transport) getPeer(target string) (transport.RPCServer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.peers[target]
	if !ok {
		return nil, fmt.Errorf("could not connect to peer: %s", target)
	}
	return peer, nil
}

// SendRequestVote 向目标节点发送 RequestVote RPC。
// 这是一个同步的、内存中的方法调用。
func (t *Transport) SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.RequestVote(req, resp)
}

// SendAppendEntries 向目标节点发送 AppendEntries RPC。
func (t *Transport) SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.AppendEntries(req, resp)
}

// SendInstallSnapshot 向目标节点发送 InstallSnapshot RPC。
func (t *Transport) SendInstallSnapshot(target string, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.InstallSnapshot(req, resp)
}

// SendCommitLeaseNotice 向目标节点发送读租约通知。
func (t *Transport) SendCommitLeaseNotice(target string, req *param.CommitLeaseNoticeArgs, resp *param.CommitLeaseNoticeReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.CommitLeaseNotice(req, resp)
}

// SendClientRequest 将客户端写请求发送到目标 Raft 节点。
func (t *Transport) SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.ClientRequest(req, resp)
}

// SendClientRead 将客户端只读查询发送到目标 Raft 节点。
func (t *Transport) SendClientRead(target string, req *param.ClientReadArgs, resp *param.ClientReadReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.ClientRead(req, resp)
}
