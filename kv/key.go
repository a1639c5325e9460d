package kv

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrInvalidCounter 表示计数器的值不是合法的 8 字节编码。
var ErrInvalidCounter = errors.New("invalid counter value")

// Compare 按无符号字节序比较两个 key。
// 返回值与 bytes.Compare 一致：a < b 时为负，相等为 0，a > b 时为正。
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// PrefixUpperBound 返回排在所有以 prefix 开头的 key 之后的最小 key。
// 即区间 [prefix, PrefixUpperBound(prefix)) 恰好覆盖所有带该前缀的 key。
// 如果 prefix 全部由 0xFF 组成（或为空），则不存在这样的上界，返回 nil（表示无上界）。
func PrefixUpperBound(prefix []byte) []byte {
	// 从最后一个字节向前找到第一个可以进位的字节。
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			upper := make([]byte, i+1)
			copy(upper, prefix[:i+1])
			upper[i]++
			return upper
		}
	}
	return nil
}

// KeyRange 表示一个半开区间 [Min, Max)。
// Min 为 nil 表示从最小 key 开始；Max 为 nil 表示没有上界。
type KeyRange struct {
	Min []byte
	Max []byte
}

// NewKeyRange 创建一个新的 KeyRange。
func NewKeyRange(min, max []byte) KeyRange {
	return KeyRange{Min: min, Max: max}
}

// SingleKeyRange 返回只包含一个 key 的区间。
func SingleKeyRange(key []byte) KeyRange {
	return KeyRange{Min: key, Max: append(append([]byte(nil), key...), 0x00)}
}

// PrefixRange 返回覆盖所有以 prefix 开头的 key 的区间。
func PrefixRange(prefix []byte) KeyRange {
	return KeyRange{Min: append([]byte(nil), prefix...), Max: PrefixUpperBound(prefix)}
}

// IsEmpty 判断区间是否为空（即不包含任何 key）。
func (r KeyRange) IsEmpty() bool {
	return r.Max != nil && Compare(r.Min, r.Max) >= 0
}

// Contains 判断 key 是否落在区间内。
func (r KeyRange) Contains(key []byte) bool {
	if Compare(key, r.Min) < 0 {
		return false
	}
	return r.Max == nil || Compare(key, r.Max) < 0
}

// Overlaps 判断两个区间是否有交集。
func (r KeyRange) Overlaps(other KeyRange) bool {
	if r.IsEmpty() || other.IsEmpty() {
		return false
	}
	// r 在 other 之前结束，或 other 在 r 之前结束，则不相交。
	if r.Max != nil && Compare(r.Max, other.Min) <= 0 {
		return false
	}
	if other.Max != nil && Compare(other.Max, r.Min) <= 0 {
		return false
	}
	return true
}

// EncodeCounter 将一个 int64 计数器值编码为 8 字节大端序。
func EncodeCounter(value int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return buf
}

// DecodeCounter 将 8 字节大端序的值解码为 int64。
// 长度不为 8 时返回 ErrInvalidCounter。
func DecodeCounter(value []byte) (int64, error) {
	if len(value) != 8 {
		return 0, ErrInvalidCounter
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}
