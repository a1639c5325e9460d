package kv

// PrefixStore 是一个组合式装饰器：把底层存储中带指定前缀的 key
// 暴露为一个独立的、去掉前缀的 key 空间。
// Raft 的日志、元数据和状态机数据共用一个底层存储，
// 通过不同的私有前缀互相隔离。
type PrefixStore struct {
	base   SnapshotStore
	prefix []byte
}

// NewPrefixStore 创建一个新的前缀视图。
func NewPrefixStore(base SnapshotStore, prefix []byte) *PrefixStore {
	return &PrefixStore{
		base:   base,
		prefix: append([]byte(nil), prefix...),
	}
}

// wrap 为 key 加上前缀。
func (p *PrefixStore) wrap(key []byte) []byte {
	return append(append([]byte(nil), p.prefix...), key...)
}

// unwrap 去掉 key 的前缀。key 不带该前缀时返回 nil。
func (p *PrefixStore) unwrap(key []byte) []byte {
	if len(key) < len(p.prefix) || Compare(key[:len(p.prefix)], p.prefix) != 0 {
		return nil
	}
	return append([]byte(nil), key[len(p.prefix):]...)
}

// bounds 把视图内的半开区间映射到底层存储的区间。
func (p *PrefixStore) bounds(min, max []byte) (lo, hi []byte) {
	if min == nil {
		lo = append([]byte(nil), p.prefix...)
	} else {
		lo = p.wrap(min)
	}
	if max == nil {
		hi = PrefixUpperBound(p.prefix)
	} else {
		hi = p.wrap(max)
	}
	return lo, hi
}

func (p *PrefixStore) Get(key []byte) []byte {
	return p.base.Get(p.wrap(key))
}

func (p *PrefixStore) GetAtLeast(min []byte) *Pair {
	lo, hi := p.bounds(min, nil)
	found := p.base.GetAtLeast(lo)
	if found == nil || (hi != nil && Compare(found.Key, hi) >= 0) {
		return nil
	}
	return &Pair{Key: p.unwrap(found.Key), Value: found.Value}
}

func (p *PrefixStore) GetAtMost(max []byte) *Pair {
	lo, hi := p.bounds(nil, max)
	found := p.base.GetAtMost(hi)
	if found == nil || Compare(found.Key, lo) < 0 {
		return nil
	}
	return &Pair{Key: p.unwrap(found.Key), Value: found.Value}
}

func (p *PrefixStore) Range(min, max []byte, reverse bool) []Pair {
	lo, hi := p.bounds(min, max)
	raw := p.base.Range(lo, hi, reverse)
	out := make([]Pair, 0, len(raw))
	for _, pair := range raw {
		out = append(out, Pair{Key: p.unwrap(pair.Key), Value: pair.Value})
	}
	return out
}

func (p *PrefixStore) Put(key, value []byte) {
	p.base.Put(p.wrap(key), value)
}

func (p *PrefixStore) Remove(key []byte) {
	p.base.Remove(p.wrap(key))
}

func (p *PrefixStore) RemoveRange(min, max []byte) {
	lo, hi := p.bounds(min, max)
	p.base.RemoveRange(lo, hi)
}

func (p *PrefixStore) AdjustCounter(key []byte, delta int64) {
	p.base.AdjustCounter(p.wrap(key), delta)
}

// Snapshot 返回前缀视图的只读快照（基于底层存储的快照）。
func (p *PrefixStore) Snapshot() Snapshot {
	return &prefixSnapshot{
		base:   p.base.Snapshot(),
		prefix: append([]byte(nil), p.prefix...),
	}
}

// prefixSnapshot 对底层快照做与 PrefixStore 相同的前缀映射。
type prefixSnapshot struct {
	base   Snapshot
	prefix []byte
}

func (s *prefixSnapshot) view() *PrefixStore {
	// 复用 PrefixStore 的区间换算逻辑；base 只读所以安全。
	return &PrefixStore{base: readOnly{s.base}, prefix: s.prefix}
}

func (s *prefixSnapshot) Get(key []byte) []byte          { return s.view().Get(key) }
func (s *prefixSnapshot) GetAtLeast(min []byte) *Pair    { return s.view().GetAtLeast(min) }
func (s *prefixSnapshot) GetAtMost(max []byte) *Pair     { return s.view().GetAtMost(max) }
func (s *prefixSnapshot) Range(min, max []byte, reverse bool) []Pair {
	return s.view().Range(min, max, reverse)
}
func (s *prefixSnapshot) Close() { s.base.Close() }

// readOnly 把一个 Snapshot 适配成 SnapshotStore 的只读子集。
// 写方法不会被快照路径调用，统一 panic 以尽早暴露误用。
type readOnly struct {
	snap Snapshot
}

func (r readOnly) Get(key []byte) []byte       { return r.snap.Get(key) }
func (r readOnly) GetAtLeast(min []byte) *Pair { return r.snap.GetAtLeast(min) }
func (r readOnly) GetAtMost(max []byte) *Pair  { return r.snap.GetAtMost(max) }
func (r readOnly) Range(min, max []byte, reverse bool) []Pair {
	return r.snap.Range(min, max, reverse)
}
func (r readOnly) Put(key, value []byte)                 { panic("kv: write to read-only snapshot") }
func (r readOnly) Remove(key []byte)                     { panic("kv: write to read-only snapshot") }
func (r readOnly) RemoveRange(min, max []byte)           { panic("kv: write to read-only snapshot") }
func (r readOnly) AdjustCounter(key []byte, delta int64) { panic("kv: write to read-only snapshot") }
func (r readOnly) Snapshot() Snapshot                    { return r.snap }
