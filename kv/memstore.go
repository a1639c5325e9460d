package kv

import (
	"sync"

	"github.com/google/btree"
)

// btreeDegree 是 B 树的度。32 对典型的 key 数量是一个合理的默认值。
const btreeDegree = 32

// MemStore 是 Store 接口的一个线程安全的内存实现。
// 底层使用支持写时复制（Copy-On-Write）的 B 树，
// 因此可以在 O(1) 时间内创建与后续写入完全隔离的快照。
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Pair]
}

// NewMemStore 创建一个新的空 MemStore。
func NewMemStore() *MemStore {
	return &MemStore{
		tree: btree.NewG[Pair](btreeDegree, lessPair),
	}
}

func lessPair(a, b Pair) bool {
	return Compare(a.Key, b.Key) < 0
}

// clonePair 复制一个条目，避免调用方篡改内部数据。
func clonePair(p Pair) Pair {
	return Pair{
		Key:   append([]byte(nil), p.Key...),
		Value: append([]byte(nil), p.Value...),
	}
}

// Get 返回 key 对应的 value。key 不存在时返回 nil。
func (s *MemStore) Get(key []byte) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return treeGet(s.tree, key)
}

// GetAtLeast 返回 key 大于等于 min 的最小条目。
func (s *MemStore) GetAtLeast(min []byte) *Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return treeGetAtLeast(s.tree, min)
}

// GetAtMost 返回 key 严格小于 max 的最大条目。
func (s *MemStore) GetAtMost(max []byte) *Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return treeGetAtMost(s.tree, max)
}

// Range 返回区间 [min, max) 内的所有条目。
func (s *MemStore) Range(min, max []byte, reverse bool) []Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return treeRange(s.tree, min, max, reverse)
}

// Put 写入一个 key/value 对。
func (s *MemStore) Put(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(clonePair(Pair{Key: key, Value: value}))
}

// Remove 删除一个 key。
func (s *MemStore) Remove(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(Pair{Key: key})
}

// RemoveRange 删除区间 [min, max) 内的所有 key。
func (s *MemStore) RemoveRange(min, max []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 先收集再删除，避免在迭代过程中修改 B 树。
	var doomed [][]byte
	iter := func(p Pair) bool {
		if max != nil && Compare(p.Key, max) >= 0 {
			return false
		}
		doomed = append(doomed, p.Key)
		return true
	}
	if min == nil {
		s.tree.Ascend(iter)
	} else {
		s.tree.AscendGreaterOrEqual(Pair{Key: min}, iter)
	}
	for _, key := range doomed {
		s.tree.Delete(Pair{Key: key})
	}
}

// AdjustCounter 将 key 对应的计数器增加 delta。
// 缺失或非法的旧值视为零。
func (s *MemStore) AdjustCounter(key []byte, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if old, ok := s.tree.Get(Pair{Key: key}); ok {
		if v, err := DecodeCounter(old.Value); err == nil {
			current = v
		}
	}
	s.tree.ReplaceOrInsert(Pair{
		Key:   append([]byte(nil), key...),
		Value: EncodeCounter(current + delta),
	})
}

// Len 返回当前条目数量。
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Snapshot 返回当前内容的一个只读快照。
// 快照共享底层 B 树节点，创建是 O(1) 的；之后对 MemStore 的写入
// 会触发写时复制，不会影响已创建的快照。
func (s *MemStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memSnapshot{tree: s.tree.Clone()}
}

// memSnapshot 是 MemStore 的只读时间点视图。
type memSnapshot struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[Pair]
	closed bool
}

func (m *memSnapshot) view() *btree.BTreeG[Pair] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree
}

func (m *memSnapshot) Get(key []byte) []byte {
	if t := m.view(); t != nil {
		return treeGet(t, key)
	}
	return nil
}

func (m *memSnapshot) GetAtLeast(min []byte) *Pair {
	if t := m.view(); t != nil {
		return treeGetAtLeast(t, min)
	}
	return nil
}

func (m *memSnapshot) GetAtMost(max []byte) *Pair {
	if t := m.view(); t != nil {
		return treeGetAtMost(t, max)
	}
	return nil
}

func (m *memSnapshot) Range(min, max []byte, reverse bool) []Pair {
	if t := m.view(); t != nil {
		return treeRange(t, min, max, reverse)
	}
	return nil
}

// Close 释放快照。重复调用是安全的。
func (m *memSnapshot) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tree = nil
}

// --- B 树上的只读辅助函数，供 MemStore 和快照共用 ---

func treeGet(t *btree.BTreeG[Pair], key []byte) []byte {
	p, ok := t.Get(Pair{Key: key})
	if !ok {
		return nil
	}
	return append([]byte(nil), p.Value...)
}

func treeGetAtLeast(t *btree.BTreeG[Pair], min []byte) *Pair {
	var found *Pair
	iter := func(p Pair) bool {
		c := clonePair(p)
		found = &c
		return false
	}
	if min == nil {
		t.Ascend(iter)
	} else {
		t.AscendGreaterOrEqual(Pair{Key: min}, iter)
	}
	return found
}

func treeGetAtMost(t *btree.BTreeG[Pair], max []byte) *Pair {
	var found *Pair
	iter := func(p Pair) bool {
		// max 是开区间上界，跳过等于 max 的条目。
		if max != nil && Compare(p.Key, max) >= 0 {
			return true
		}
		c := clonePair(p)
		found = &c
		return false
	}
	if max == nil {
		t.Descend(iter)
	} else {
		t.DescendLessOrEqual(Pair{Key: max}, iter)
	}
	return found
}

func treeRange(t *btree.BTreeG[Pair], min, max []byte, reverse bool) []Pair {
	var out []Pair
	if !reverse {
		iter := func(p Pair) bool {
			if max != nil && Compare(p.Key, max) >= 0 {
				return false
			}
			out = append(out, clonePair(p))
			return true
		}
		if min == nil {
			t.Ascend(iter)
		} else {
			t.AscendGreaterOrEqual(Pair{Key: min}, iter)
		}
		return out
	}

	iter := func(p Pair) bool {
		if max != nil && Compare(p.Key, max) >= 0 {
			return true
		}
		if min != nil && Compare(p.Key, min) < 0 {
			return false
		}
		out = append(out, clonePair(p))
		return true
	}
	if max == nil {
		t.Descend(iter)
	} else {
		t.DescendLessOrEqual(Pair{Key: max}, iter)
	}
	return out
}
