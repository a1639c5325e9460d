package param

import (
	"github.com/xmh1011/raftkv/kv"
)

// ConfigChange 表示一次单步的集群成员变更。
// Remove 为 false 表示添加（或更新地址），为 true 表示移除该节点。
// 变更在包含它的日志条目被【应用】时才生效（而不是提交时），
// 这样新旧配置的切换是单步的，不需要联合共识阶段。
type ConfigChange struct {
	PeerID  string // 目标节点的标识
	Address string // 添加时的网络地址；移除时忽略
	Remove  bool
}

// NewConfigChange 创建一个添加节点的配置变更。
func NewConfigChange(peerID, address string) *ConfigChange {
	return &ConfigChange{PeerID: peerID, Address: address}
}

// NewConfigRemoval 创建一个移除节点的配置变更。
func NewConfigRemoval(peerID string) *ConfigChange {
	return &ConfigChange{PeerID: peerID, Remove: true}
}

// ApplyTo 将变更施加到配置上。
func (c *ConfigChange) ApplyTo(config Config) {
	if c.Remove {
		delete(config, c.PeerID)
	} else {
		config[c.PeerID] = c.Address
	}
}

// LogEntry 表示 Raft 日志中的一个条目。
// 条目是不可变的：只有当前 Leader 会追加新条目（Follower 原样复制），
// 发现冲突时从尾部截断；提交索引以下的条目只会被快照压缩整体移除。
type LogEntry struct {
	Term         uint64
	Index        uint64 // 日志索引，从 1 开始；0 是“第一条之前”的虚拟位置
	Mutations    *kv.Writes
	ConfigChange *ConfigChange // 为 nil 表示普通数据条目
}

// NewLogEntry 创建一个普通的数据条目。
func NewLogEntry(term, index uint64, mutations *kv.Writes) LogEntry {
	return LogEntry{
		Term:      term,
		Index:     index,
		Mutations: mutations,
	}
}

// NewConfigEntry 创建一个携带配置变更的条目。
func NewConfigEntry(term, index uint64, change *ConfigChange) LogEntry {
	return LogEntry{
		Term:         term,
		Index:        index,
		Mutations:    kv.NewWrites(),
		ConfigChange: change,
	}
}

// CommitEntry 是 Raft 通过提交通道上报给应用层的数据。
// 每个 CommitEntry 表示一条变更集合已达成共识并被应用。
type CommitEntry struct {
	Mutations *kv.Writes
	Index     uint64
	Term      uint64
}
