package kv

import (
	"sort"
)

// Writes 表示一个事务的变更集合（mutation set）：
// put 映射、删除区间列表和计数器调整映射。
// 归一化后三者对同一个 key 互斥，应用顺序固定为
// 删除区间 -> put -> 计数器调整，因此对任意一致的基础存储，
// 应用结果是确定的，且对不相交的 key 与顺序无关。
//
// 所有字段都是可导出的，以便通过 gob 在日志条目和网络消息中序列化。
type Writes struct {
	Puts    map[string][]byte
	Removes []KeyRange
	Adjusts map[string]int64
}

// NewWrites 创建一个空的变更集合。
func NewWrites() *Writes {
	return &Writes{
		Puts:    make(map[string][]byte),
		Adjusts: make(map[string]int64),
	}
}

// IsEmpty 判断变更集合是否为空。
func (w *Writes) IsEmpty() bool {
	return len(w.Puts) == 0 && len(w.Removes) == 0 && len(w.Adjusts) == 0
}

// Put 记录一次写入。同一个 key 上后写的值覆盖先写的值，
// 并清除之前对该 key 的计数器调整。
func (w *Writes) Put(key, value []byte) {
	k := string(key)
	if w.Puts == nil {
		w.Puts = make(map[string][]byte)
	}
	w.Puts[k] = append([]byte(nil), value...)
	delete(w.Adjusts, k)
}

// Remove 记录对单个 key 的删除。
func (w *Writes) Remove(key []byte) {
	w.RemoveRange(SingleKeyRange(key))
}

// RemoveRange 记录对一个半开区间的删除。
// 落在区间内的已有 put 和计数器调整会被清除（删除在它们之前生效，
// 保留它们会改变应用结果）。
func (w *Writes) RemoveRange(r KeyRange) {
	if r.IsEmpty() {
		return
	}
	for k := range w.Puts {
		if r.Contains([]byte(k)) {
			delete(w.Puts, k)
		}
	}
	for k := range w.Adjusts {
		if r.Contains([]byte(k)) {
			delete(w.Adjusts, k)
		}
	}
	w.Removes = mergeRanges(append(w.Removes, r))
}

// Adjust 记录一次计数器调整。
// 如果该 key 已有 put 的值，直接在 put 的值上调整；
// 如果该 key 已被本集合删除，视为从零开始并转换为一次 put。
func (w *Writes) Adjust(key []byte, delta int64) {
	k := string(key)
	if v, ok := w.Puts[k]; ok {
		current, err := DecodeCounter(v)
		if err != nil {
			current = 0
		}
		w.Puts[k] = EncodeCounter(current + delta)
		return
	}
	if w.removed(key) {
		w.Put(key, EncodeCounter(delta))
		return
	}
	if w.Adjusts == nil {
		w.Adjusts = make(map[string]int64)
	}
	w.Adjusts[k] += delta
	if w.Adjusts[k] == 0 {
		delete(w.Adjusts, k)
	}
}

// removed 判断 key 是否落在某个已记录的删除区间内。
func (w *Writes) removed(key []byte) bool {
	for _, r := range w.Removes {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// ApplyTo 将变更集合应用到目标存储。
// 应用顺序：删除区间、put（按 key 升序）、计数器调整（按 key 升序）。
func (w *Writes) ApplyTo(target Store) {
	for _, r := range w.Removes {
		target.RemoveRange(r.Min, r.Max)
	}
	for _, k := range sortedKeys(w.Puts) {
		target.Put([]byte(k), w.Puts[k])
	}
	adjustKeys := make([]string, 0, len(w.Adjusts))
	for k := range w.Adjusts {
		adjustKeys = append(adjustKeys, k)
	}
	sort.Strings(adjustKeys)
	for _, k := range adjustKeys {
		target.AdjustCounter([]byte(k), w.Adjusts[k])
	}
}

// Touches 判断变更集合是否影响指定的 key。
// 用于提交时的冲突检测和 key 监视的触发。
func (w *Writes) Touches(key []byte) bool {
	if _, ok := w.Puts[string(key)]; ok {
		return true
	}
	if _, ok := w.Adjusts[string(key)]; ok {
		return true
	}
	return w.removed(key)
}

// TouchesRange 判断变更集合是否影响指定区间内的任何 key。
func (w *Writes) TouchesRange(r KeyRange) bool {
	for k := range w.Puts {
		if r.Contains([]byte(k)) {
			return true
		}
	}
	for k := range w.Adjusts {
		if r.Contains([]byte(k)) {
			return true
		}
	}
	for _, remove := range w.Removes {
		if remove.Overlaps(r) {
			return true
		}
	}
	return false
}

// Clone 返回变更集合的深拷贝。
func (w *Writes) Clone() *Writes {
	c := NewWrites()
	for k, v := range w.Puts {
		c.Puts[k] = append([]byte(nil), v...)
	}
	for k, d := range w.Adjusts {
		c.Adjusts[k] = d
	}
	c.Removes = append([]KeyRange(nil), w.Removes...)
	return c
}

// sortedKeys 返回映射中所有 key 的升序列表。
func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mergeRanges 合并相交或相邻的删除区间，保持列表按 Min 升序。
func mergeRanges(ranges []KeyRange) []KeyRange {
	if len(ranges) <= 1 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool {
		return Compare(ranges[i].Min, ranges[j].Min) < 0
	})

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		// last.Max 为 nil 表示无上界，后续区间全部被吸收。
		if last.Max == nil {
			continue
		}
		if Compare(r.Min, last.Max) <= 0 {
			if r.Max == nil || Compare(r.Max, last.Max) > 0 {
				last.Max = r.Max
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
