package kv

// Pair 表示一个 key/value 对。
type Pair struct {
	Key   []byte
	Value []byte
}

// Store 是核心消费和产出的有序字节 key/value 存储抽象。
// 所有 key 按无符号字节序排列；区间参数统一采用半开区间 [min, max)。
// 实现必须保证单个操作的原子性，但不要求跨操作的事务性——
// 事务语义由上层的 MVCC 视图提供。
type Store interface {
	// Get 返回 key 对应的 value。key 不存在时返回 nil。
	Get(key []byte) []byte

	// GetAtLeast 返回 key 大于等于 min 的最小条目。不存在时返回 nil。
	// min 为 nil 表示从最小 key 开始查找。
	GetAtLeast(min []byte) *Pair

	// GetAtMost 返回 key 严格小于 max 的最大条目。不存在时返回 nil。
	// max 为 nil 表示从最大 key 开始查找。
	GetAtMost(max []byte) *Pair

	// Range 返回区间 [min, max) 内的所有条目。
	// reverse 为 true 时按 key 降序返回。
	Range(min, max []byte, reverse bool) []Pair

	// Put 写入一个 key/value 对，覆盖已有的值。
	Put(key, value []byte)

	// Remove 删除一个 key。key 不存在时无操作。
	Remove(key []byte)

	// RemoveRange 删除区间 [min, max) 内的所有 key。
	RemoveRange(min, max []byte)

	// AdjustCounter 将 key 对应的计数器增加 delta。
	// key 不存在或值不是合法的计数器编码时，视为从零开始。
	AdjustCounter(key []byte, delta int64)
}

// SnapshotStore 是支持快照的 Store。
// Snapshot 返回一个只读的、与后续写入隔离的时间点视图。
type SnapshotStore interface {
	Store

	// Snapshot 返回当前内容的一个只读快照。
	// 快照通过结构共享实现，不复制底层数据；
	// 使用完毕后必须调用 Close 释放。
	Snapshot() Snapshot
}

// Batcher 是可选接口：支持把一组操作合并为一次原子持久化。
// 应用已提交日志条目的路径用它保证“写入变更 + 推进应用进度”
// 在崩溃重放时要么都生效、要么都不生效。
type Batcher interface {
	// Batch 执行 fn 中的全部操作，并将结果作为一个整体持久化。
	Batch(fn func())
}

// Snapshot 是 Store 的只读时间点视图。
type Snapshot interface {
	Get(key []byte) []byte
	GetAtLeast(min []byte) *Pair
	GetAtMost(max []byte) *Pair
	Range(min, max []byte, reverse bool) []Pair

	// Close 释放快照持有的资源。可以安全地重复调用。
	Close()
}
