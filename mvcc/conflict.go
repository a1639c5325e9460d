package mvcc

import (
	"github.com/xmh1011/raftkv/kv"
)

// Conflicts 判断一个事务的读集合是否与一个已提交的变更集合相交。
// 相交意味着该事务读到的数据在它提交之前已被其他事务修改，
// 乐观并发控制要求它以 retry 失败，绝不能静默应用。
func Conflicts(reads []kv.KeyRange, writes *kv.Writes) bool {
	if writes == nil || writes.IsEmpty() {
		return false
	}
	for _, r := range reads {
		if writes.TouchesRange(r) {
			return true
		}
	}
	return false
}
