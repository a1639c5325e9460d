package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/storage/kvstore"
)

const (
	InmemoryStorage = "inmemory"
	FileStorage     = "file"
)

// Storage is an interface for stable storage providers in a Raft implementation.
// 它负责持久化 Raft 的核心状态（currentTerm、votedFor、应用进度、集群配置）、
// 日志条目和快照。实现需要保证崩溃恢复后能够还原这些状态。
//
// 日志不变式：索引从 lastAppliedIndex+1 开始连续；任期沿日志单调不减；
// 条目一旦被应用就从日志中移除（应用后的状态只存在于持久化存储中）。
type Storage interface {
	// --- HardState 操作 ---

	// SetState 原子地设置 HardState。
	SetState(state param.HardState) error
	// GetState 获取最后保存的 HardState。
	GetState() (param.HardState, error)

	// --- 日志条目操作 ---

	// AppendEntries 追加一批日志条目。实现必须保证这个操作的原子性。
	AppendEntries(entries []param.LogEntry) error

	// GetEntry 获取指定索引的日志条目。条目不存在时返回 nil。
	GetEntry(index uint64) (*param.LogEntry, error)

	// EntriesFrom 返回从 index（包含）到日志末尾的所有条目。
	EntriesFrom(index uint64) ([]param.LogEntry, error)

	// TruncateAfter 删除所有索引大于 index 的条目。
	// 当 Follower 的日志与新 Leader 发生冲突时，用它丢弃分叉的尾部。
	TruncateAfter(index uint64) error

	// --- 日志元数据操作 ---

	// FirstLogIndex 返回日志中的第一条条目的索引。日志为空时返回 0。
	FirstLogIndex() (uint64, error)
	// LastLogIndex 返回日志中的最后一条条目的索引。日志为空时返回 0，
	// 此时调用方应回退到应用进度（lastAppliedIndex）。
	LastLogIndex() (uint64, error)

	// LogSize 返回日志中的条目数量。
	LogSize() (int, error)

	// --- 快照操作 ---

	// SaveSnapshot 原子地保存快照数据和元数据，替换掉任何旧的快照。
	SaveSnapshot(snapshot *param.Snapshot) error

	// ReadSnapshot 读取最后保存的快照。没有快照时返回 nil。
	ReadSnapshot() (*param.Snapshot, error)

	// CompactLog 永久性地删除指定索引（包含）之前的所有日志。
	// 在条目被应用到持久化存储之后、或快照成功保存之后调用。
	CompactLog(upToIndex uint64) error

	// Close 关闭存储。
	Close() error
}

// NewStorage 按类型创建存储。
// 返回值：Raft 的稳定存储、底层 kv 存储（状态机数据通过它的
// 私有前缀视图访问）。
func NewStorage(storageType, dataDir, nodeID string) (Storage, kv.SnapshotStore, error) {
	var base kv.SnapshotStore

	switch storageType {
	case InmemoryStorage:
		log.Println("Using in-memory storage")
		base = kv.NewMemStore()
	case FileStorage:
		nodeDir := filepath.Join(dataDir, "node-"+nodeID)
		if err := os.MkdirAll(nodeDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		fileStore, err := kv.OpenFileStore(filepath.Join(nodeDir, "raftkv.gob"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file storage: %w", err)
		}
		log.Printf("Using file storage at %s", nodeDir)
		base = fileStore
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", storageType)
	}

	return kvstore.New(base), base, nil
}

// StateMachineStore 返回底层存储中状态机数据（用户 key 空间）的前缀视图。
func StateMachineStore(base kv.SnapshotStore) *kv.PrefixStore {
	return kv.NewPrefixStore(base, kvstore.StateMachinePrefix)
}
