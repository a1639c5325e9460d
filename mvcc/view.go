package mvcc

import (
	"sort"
	"sync"

	"github.com/xmh1011/raftkv/kv"
)

// View 是一个分层的 MVCC 视图：最底层是基础存储的只读快照，
// 其上按日志顺序叠加若干已提交但尚未应用的变更集合（layers），
// 最顶层是本视图自己的可变变更集合（writes）。
// 读操作自顶向下查找第一个对该 key 可见的变更，未命中时回落到快照；
// 写操作只进入可变层，不触碰底层存储。
// 所有层都通过引用共享，叠加任意多层都不会复制底层数据。
//
// 两个并发打开的视图互相看不到对方的写入（快照隔离）。
// 视图同时记录自己的读集合，供提交时做乐观冲突检测。
type View struct {
	mu sync.Mutex

	base   kv.Snapshot
	layers []*kv.Writes
	writes *kv.Writes

	trackReads bool
	reads      []kv.KeyRange

	closed bool
}

// NewView 基于一个基础快照和若干只读变更层创建视图。
// trackReads 为 true 时记录读集合（写事务需要，只读事务不需要）。
// layers 的所有权转移给视图，调用方不得再修改其中的变更集合。
func NewView(base kv.Snapshot, layers []*kv.Writes, trackReads bool) *View {
	return &View{
		base:       base,
		layers:     layers,
		writes:     kv.NewWrites(),
		trackReads: trackReads,
	}
}

// Close 释放视图持有的基础快照。可以安全地重复调用。
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	if v.base != nil {
		v.base.Close()
	}
}

// Mutations 返回视图顶层累积的变更集合。
func (v *View) Mutations() *kv.Writes {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writes
}

// Mutated 判断视图是否有任何写入。
func (v *View) Mutated() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.writes.IsEmpty()
}

// Reads 返回视图记录的读集合。
func (v *View) Reads() []kv.KeyRange {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]kv.KeyRange(nil), v.reads...)
}

// --- 写操作：全部进入可变层 ---

// Put 写入一个 key/value 对。
func (v *View) Put(key, value []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writes.Put(key, value)
}

// Remove 删除一个 key。
func (v *View) Remove(key []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writes.Remove(key)
}

// RemoveRange 删除区间 [min, max) 内的所有 key。
func (v *View) RemoveRange(min, max []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writes.RemoveRange(kv.NewKeyRange(min, max))
}

// AdjustCounter 调整一个计数器。
func (v *View) AdjustCounter(key []byte, delta int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writes.Adjust(key, delta)
}

// --- 读操作 ---

// Get 返回 key 在视图中的可见值。key 不可见时返回 nil。
func (v *View) Get(key []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recordRead(kv.SingleKeyRange(key))
	return v.resolve(key)
}

// GetAtLeast 返回 key 大于等于 min 的最小可见条目。
func (v *View) GetAtLeast(min []byte) *kv.Pair {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur := min
	for {
		candidate := v.nextCandidate(cur)
		if candidate == nil {
			// 观察到 [min, +inf) 内没有任何条目。
			v.recordRead(kv.NewKeyRange(min, nil))
			return nil
		}
		if value := v.resolve(candidate); value != nil {
			// 观察到 [min, candidate] 内只有 candidate 一个条目。
			v.recordRead(kv.NewKeyRange(min, kv.SingleKeyRange(candidate).Max))
			return &kv.Pair{Key: candidate, Value: value}
		}
		// candidate 被上层删除，继续向后查找。
		cur = kv.SingleKeyRange(candidate).Max
	}
}

// GetAtMost 返回 key 严格小于 max 的最大可见条目。
func (v *View) GetAtMost(max []byte) *kv.Pair {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur := max
	for {
		candidate := v.prevCandidate(cur)
		if candidate == nil {
			v.recordRead(kv.NewKeyRange(nil, max))
			return nil
		}
		if value := v.resolve(candidate); value != nil {
			v.recordRead(kv.NewKeyRange(candidate, max))
			return &kv.Pair{Key: candidate, Value: value}
		}
		cur = candidate
	}
}

// Range 返回区间 [min, max) 内的所有可见条目。
// reverse 为 true 时按 key 降序返回。
func (v *View) Range(min, max []byte, reverse bool) []kv.Pair {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recordRead(kv.NewKeyRange(min, max))

	bounds := kv.NewKeyRange(min, max)

	// 以基础快照的内容为起点，逐层叠加每个变更集合的效果。
	merged := make(map[string][]byte)
	if v.base != nil {
		for _, p := range v.base.Range(min, max, false) {
			merged[string(p.Key)] = p.Value
		}
	}
	for _, layer := range v.allLayers() {
		applyLayerToMap(merged, layer, bounds)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sortKeys(keys, reverse)

	out := make([]kv.Pair, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv.Pair{Key: []byte(k), Value: merged[k]})
	}
	return out
}

// --- 内部辅助 ---

// allLayers 返回自底向上的全部变更层（包含顶部的可变层）。
func (v *View) allLayers() []*kv.Writes {
	layers := make([]*kv.Writes, 0, len(v.layers)+1)
	layers = append(layers, v.layers...)
	return append(layers, v.writes)
}

// resolve 自顶向下解析 key 的可见值，不记录读集合。
// 计数器调整会跨层累积，直到遇到 put、删除或基础值为止。
func (v *View) resolve(key []byte) []byte {
	layers := v.allLayers()
	var delta int64

	for i := len(layers) - 1; i >= 0; i-- {
		layer := layers[i]
		if d, ok := layer.Adjusts[string(key)]; ok {
			delta += d
			continue
		}
		if value, ok := layer.Puts[string(key)]; ok {
			return applyDelta(value, delta)
		}
		if layerRemoves(layer, key) {
			return missingWithDelta(delta)
		}
	}

	var base []byte
	if v.base != nil {
		base = v.base.Get(key)
	}
	if base == nil {
		return missingWithDelta(delta)
	}
	return applyDelta(base, delta)
}

// nextCandidate 返回大于等于 min 的最小候选 key（基础快照或任意层的
// put/调整条目）。候选 key 可能已被更高层删除，由 resolve 判定。
func (v *View) nextCandidate(min []byte) []byte {
	var best []byte
	consider := func(key []byte) {
		if min != nil && kv.Compare(key, min) < 0 {
			return
		}
		if best == nil || kv.Compare(key, best) < 0 {
			best = append([]byte(nil), key...)
		}
	}
	if v.base != nil {
		if p := v.base.GetAtLeast(min); p != nil {
			consider(p.Key)
		}
	}
	for _, layer := range v.allLayers() {
		for k := range layer.Puts {
			consider([]byte(k))
		}
		for k := range layer.Adjusts {
			consider([]byte(k))
		}
	}
	return best
}

// prevCandidate 返回严格小于 max 的最大候选 key。
func (v *View) prevCandidate(max []byte) []byte {
	var best []byte
	consider := func(key []byte) {
		if max != nil && kv.Compare(key, max) >= 0 {
			return
		}
		if best == nil || kv.Compare(key, best) > 0 {
			best = append([]byte(nil), key...)
		}
	}
	if v.base != nil {
		if p := v.base.GetAtMost(max); p != nil {
			consider(p.Key)
		}
	}
	for _, layer := range v.allLayers() {
		for k := range layer.Puts {
			consider([]byte(k))
		}
		for k := range layer.Adjusts {
			consider([]byte(k))
		}
	}
	return best
}

// recordRead 将一次读观察加入读集合。
func (v *View) recordRead(r kv.KeyRange) {
	if !v.trackReads || r.IsEmpty() {
		return
	}
	v.reads = append(v.reads, r)
}

// layerRemoves 判断某一层是否删除了指定的 key。
func layerRemoves(layer *kv.Writes, key []byte) bool {
	for _, r := range layer.Removes {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// applyDelta 在已有值上应用累积的计数器调整。
func applyDelta(value []byte, delta int64) []byte {
	if delta == 0 {
		return append([]byte(nil), value...)
	}
	current, err := kv.DecodeCounter(value)
	if err != nil {
		current = 0
	}
	return kv.EncodeCounter(current + delta)
}

// missingWithDelta 处理“key 不存在但有计数器调整”的情况：
// 对不存在的计数器调整视为从零开始，会创建该 key。
func missingWithDelta(delta int64) []byte {
	if delta == 0 {
		return nil
	}
	return kv.EncodeCounter(delta)
}

// applyLayerToMap 将一层变更应用到合并映射中（仅限 bounds 区间内的 key）。
func applyLayerToMap(merged map[string][]byte, layer *kv.Writes, bounds kv.KeyRange) {
	for k := range merged {
		if layerRemoves(layer, []byte(k)) {
			delete(merged, k)
		}
	}
	for k, value := range layer.Puts {
		if bounds.Contains([]byte(k)) {
			merged[k] = append([]byte(nil), value...)
		}
	}
	for k, delta := range layer.Adjusts {
		if !bounds.Contains([]byte(k)) {
			continue
		}
		if existing, ok := merged[k]; ok {
			merged[k] = applyDelta(existing, delta)
		} else {
			merged[k] = kv.EncodeCounter(delta)
		}
	}
}

// sortKeys 对 key 列表排序，reverse 为 true 时降序。
func sortKeys(keys []string, reverse bool) {
	sort.Slice(keys, func(i, j int) bool {
		if reverse {
			return keys[i] > keys[j]
		}
		return keys[i] < keys[j]
	})
}
