// Package kvstore 把 Raft 的稳定存储持久化到一个有序的 kv 存储中。
// 日志条目、Raft 元数据和状态机数据共用同一个底层存储，
// 通过互不重叠的私有前缀隔离：
//
//	\x00raft\x00log\x00 + 8字节大端索引  -> gob(LogEntry)
//	\x00raft\x00meta\x00hardstate       -> gob(HardState)
//	\x00raft\x00meta\x00snapshot        -> gob(Snapshot)
//	\x00sm\x00 + 用户key                -> 状态机数据
package kvstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
)

var (
	// LogPrefix 下按索引存放日志条目。
	LogPrefix = []byte("\x00raft\x00log\x00")
	// MetaPrefix 下存放 HardState 和快照。
	MetaPrefix = []byte("\x00raft\x00meta\x00")
	// StateMachinePrefix 下存放已应用的状态机（用户）数据。
	StateMachinePrefix = []byte("\x00sm\x00")

	hardStateKey = append(append([]byte(nil), MetaPrefix...), []byte("hardstate")...)
	snapshotKey  = append(append([]byte(nil), MetaPrefix...), []byte("snapshot")...)
)

// Storage 是 storage.Storage 的 kv 存储实现。
type Storage struct {
	mu   sync.Mutex
	base kv.SnapshotStore
}

// New 基于一个底层 kv 存储创建 Storage。
func New(base kv.SnapshotStore) *Storage {
	return &Storage{base: base}
}

// logKey 返回索引对应的日志 key。
func logKey(index uint64) []byte {
	key := make([]byte, len(LogPrefix)+8)
	copy(key, LogPrefix)
	binary.BigEndian.PutUint64(key[len(LogPrefix):], index)
	return key
}

// logIndexOf 从日志 key 中解析索引。
func logIndexOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(LogPrefix):])
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// --- HardState 操作 ---

func (s *Storage) SetState(state param.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encode(&state)
	if err != nil {
		return fmt.Errorf("failed to encode hard state: %w", err)
	}
	s.base.Put(hardStateKey, data)
	return nil
}

func (s *Storage) GetState() (param.HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.base.Get(hardStateKey)
	if data == nil {
		return param.HardState{Config: param.Config{}}, nil
	}
	var state param.HardState
	if err := decode(data, &state); err != nil {
		return param.HardState{}, fmt.Errorf("failed to decode hard state: %w", err)
	}
	if state.Config == nil {
		state.Config = param.Config{}
	}
	return state, nil
}

// --- 日志条目操作 ---

func (s *Storage) AppendEntries(entries []param.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	write := func() error {
		for _, entry := range entries {
			data, err := encode(&entry)
			if err != nil {
				return fmt.Errorf("failed to encode log entry %d: %w", entry.Index, err)
			}
			s.base.Put(logKey(entry.Index), data)
		}
		return nil
	}

	// 底层支持批量时，一批条目作为一个整体落盘。
	if batcher, ok := s.base.(kv.Batcher); ok {
		var err error
		batcher.Batch(func() { err = write() })
		return err
	}
	return write()
}

func (s *Storage) GetEntry(index uint64) (*param.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.base.Get(logKey(index))
	if data == nil {
		return nil, nil
	}
	var entry param.LogEntry
	if err := decode(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode log entry %d: %w", index, err)
	}
	return &entry, nil
}

func (s *Storage) EntriesFrom(index uint64) ([]param.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairs := s.base.Range(logKey(index), kv.PrefixUpperBound(LogPrefix), false)
	entries := make([]param.LogEntry, 0, len(pairs))
	for _, p := range pairs {
		var entry param.LogEntry
		if err := decode(p.Value, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry %d: %w", logIndexOf(p.Key), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Storage) TruncateAfter(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base.RemoveRange(logKey(index+1), kv.PrefixUpperBound(LogPrefix))
	return nil
}

// --- 日志元数据操作 ---

func (s *Storage) FirstLogIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.base.GetAtLeast(LogPrefix)
	if first == nil || !bytes.HasPrefix(first.Key, LogPrefix) {
		return 0, nil
	}
	return logIndexOf(first.Key), nil
}

func (s *Storage) LastLogIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.base.GetAtMost(kv.PrefixUpperBound(LogPrefix))
	if last == nil || !bytes.HasPrefix(last.Key, LogPrefix) {
		return 0, nil
	}
	return logIndexOf(last.Key), nil
}

func (s *Storage) LogSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.base.Range(LogPrefix, kv.PrefixUpperBound(LogPrefix), false)), nil
}

// --- 快照操作 ---

func (s *Storage) SaveSnapshot(snapshot *param.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encode(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	s.base.Put(snapshotKey, data)
	return nil
}

func (s *Storage) ReadSnapshot() (*param.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.base.Get(snapshotKey)
	if data == nil {
		return nil, nil
	}
	var snapshot param.Snapshot
	if err := decode(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *Storage) CompactLog(upToIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base.RemoveRange(LogPrefix, logKey(upToIndex+1))
	return nil
}

// Close 关闭存储。底层 kv 存储的生命周期由创建方管理。
func (s *Storage) Close() error {
	return nil
}
