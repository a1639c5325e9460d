package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemStoreBasicOperations(t *testing.T) {
	s := NewMemStore()

	t.Run("GetOnMissingKey", func(t *testing.T) {
		assert.Nil(t, s.Get([]byte("missing")))
	})

	t.Run("PutAndGet", func(t *testing.T) {
		s.Put([]byte("a"), []byte("1"))
		s.Put([]byte("b"), []byte("2"))
		assert.Equal(t, []byte("1"), s.Get([]byte("a")))
		assert.Equal(t, []byte("2"), s.Get([]byte("b")))
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		s.Put([]byte("a"), []byte("10"))
		assert.Equal(t, []byte("10"), s.Get([]byte("a")))
	})

	t.Run("Remove", func(t *testing.T) {
		s.Put([]byte("gone"), []byte("x"))
		s.Remove([]byte("gone"))
		assert.Nil(t, s.Get([]byte("gone")))
		// 删除不存在的 key 不报错
		s.Remove([]byte("never-existed"))
	})
}

func TestMemStoreOrderedAccess(t *testing.T) {
	s := NewMemStore()
	for _, k := range []string{"b", "d", "f"} {
		s.Put([]byte(k), []byte("v-"+k))
	}

	t.Run("GetAtLeast", func(t *testing.T) {
		p := s.GetAtLeast([]byte("c"))
		assert.NotNil(t, p)
		assert.Equal(t, []byte("d"), p.Key)

		// 精确命中
		p = s.GetAtLeast([]byte("b"))
		assert.Equal(t, []byte("b"), p.Key)

		// 超过最大 key
		assert.Nil(t, s.GetAtLeast([]byte("g")))
	})

	t.Run("GetAtMost", func(t *testing.T) {
		// 上界是开区间：max 本身不算
		p := s.GetAtMost([]byte("d"))
		assert.NotNil(t, p)
		assert.Equal(t, []byte("b"), p.Key)

		p = s.GetAtMost([]byte("z"))
		assert.Equal(t, []byte("f"), p.Key)

		assert.Nil(t, s.GetAtMost([]byte("a")))
	})

	t.Run("Range", func(t *testing.T) {
		pairs := s.Range([]byte("b"), []byte("f"), false)
		assert.Len(t, pairs, 2)
		assert.Equal(t, []byte("b"), pairs[0].Key)
		assert.Equal(t, []byte("d"), pairs[1].Key)
	})

	t.Run("RangeReverse", func(t *testing.T) {
		pairs := s.Range(nil, nil, true)
		assert.Len(t, pairs, 3)
		assert.Equal(t, []byte("f"), pairs[0].Key)
		assert.Equal(t, []byte("b"), pairs[2].Key)
	})

	t.Run("RemoveRange", func(t *testing.T) {
		s2 := NewMemStore()
		for _, k := range []string{"a", "b", "c", "d"} {
			s2.Put([]byte(k), []byte(k))
		}
		s2.RemoveRange([]byte("b"), []byte("d"))
		assert.NotNil(t, s2.Get([]byte("a")))
		assert.Nil(t, s2.Get([]byte("b")))
		assert.Nil(t, s2.Get([]byte("c")))
		assert.NotNil(t, s2.Get([]byte("d")))
	})
}

func TestMemStoreAdjustCounter(t *testing.T) {
	s := NewMemStore()

	// 缺失的计数器从零开始
	s.AdjustCounter([]byte("cnt"), 5)
	s.AdjustCounter([]byte("cnt"), -2)
	s.AdjustCounter([]byte("cnt"), 7)

	v := s.Get([]byte("cnt"))
	assert.NotNil(t, v)
	got, err := DecodeCounter(v)
	assert.NoError(t, err)
	assert.Equal(t, int64(10), got)
}

func TestMemStoreSnapshotIsolation(t *testing.T) {
	s := NewMemStore()
	s.Put([]byte("k"), []byte("old"))

	snap := s.Snapshot()
	defer snap.Close()

	// 快照创建后的写入对快照不可见
	s.Put([]byte("k"), []byte("new"))
	s.Put([]byte("extra"), []byte("x"))
	s.Remove([]byte("k"))

	assert.Equal(t, []byte("old"), snap.Get([]byte("k")))
	assert.Nil(t, snap.Get([]byte("extra")))
	assert.Len(t, snap.Range(nil, nil, false), 1)

	// 重复 Close 是安全的
	snap.Close()
	snap.Close()
}
