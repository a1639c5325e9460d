package kv

import (
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// FileStore 是一个简单的持久化 Store 实现：
// 数据常驻内存（MemStore），每次写操作后把全部内容 gob 编码
// 写入临时文件并原子地重命名到目标路径。
// 适合中小数据量；写放大换来实现的简单和崩溃一致性。
type FileStore struct {
	mem  *MemStore
	path string

	// persistMu 串行化落盘；suspended 为 true 时处于 Batch 中，
	// 单个操作不落盘，由 Batch 结束时统一落盘一次。
	persistMu sync.Mutex
	batchMu   sync.Mutex
	suspended atomic.Bool
}

// OpenFileStore 打开（或创建）一个文件存储。
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		mem:  NewMemStore(),
		path: path,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load 从磁盘恢复全部内容。文件不存在时从空库开始。
func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open store file: %w", err)
	}
	defer f.Close()

	var pairs []Pair
	if err := gob.NewDecoder(f).Decode(&pairs); err != nil {
		return fmt.Errorf("failed to decode store file: %w", err)
	}
	for _, p := range pairs {
		s.mem.Put(p.Key, p.Value)
	}
	return nil
}

// persist 将当前全部内容原子地写入磁盘。
func (s *FileStore) persist() error {
	if s.suspended.Load() {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	pairs := s.mem.Range(nil, nil, false)

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(pairs); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode store file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync store file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	// rename 在同一文件系统内是原子的，崩溃时要么看到旧文件要么看到新文件。
	return os.Rename(tmp, s.path)
}

// Batch 执行 fn 中的全部写操作，结束时只落盘一次。
func (s *FileStore) Batch(fn func()) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	s.suspended.Store(true)
	fn()
	s.suspended.Store(false)
	_ = s.persist()
}

func (s *FileStore) Get(key []byte) []byte                   { return s.mem.Get(key) }
func (s *FileStore) GetAtLeast(min []byte) *Pair             { return s.mem.GetAtLeast(min) }
func (s *FileStore) GetAtMost(max []byte) *Pair              { return s.mem.GetAtMost(max) }
func (s *FileStore) Range(min, max []byte, rev bool) []Pair  { return s.mem.Range(min, max, rev) }

func (s *FileStore) Put(key, value []byte) {
	s.mem.Put(key, value)
	_ = s.persist()
}

func (s *FileStore) Remove(key []byte) {
	s.mem.Remove(key)
	_ = s.persist()
}

func (s *FileStore) RemoveRange(min, max []byte) {
	s.mem.RemoveRange(min, max)
	_ = s.persist()
}

func (s *FileStore) AdjustCounter(key []byte, delta int64) {
	s.mem.AdjustCounter(key, delta)
	_ = s.persist()
}

// Snapshot 返回一个只读快照（委托给内存存储）。
func (s *FileStore) Snapshot() Snapshot {
	return s.mem.Snapshot()
}
