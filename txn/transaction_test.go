package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/raft"
	"github.com/xmh1011/raftkv/storage/kvstore"
	"github.com/xmh1011/raftkv/transport/inmemory"
)

// newTestDatabase 在一个单节点集群上创建事务入口。
// 单个节点自己构成多数派，提交和租约都能无对端推进。
func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	trans := inmemory.NewInMemoryTransport("1")
	base := kv.NewMemStore()
	rf := raft.NewRaft("1", param.Config{"1": "1"}, kvstore.New(base), base, trans)
	trans.RegisterRaft(rf)
	db := NewDatabase(rf)
	rf.Start()
	t.Cleanup(func() {
		db.Close()
		rf.Stop()
	})

	require.Eventually(t, func() bool {
		return rf.LeaderHint() == rf.ID()
	}, 3*time.Second, 10*time.Millisecond, "single node should elect itself")
	return db
}

// mustCommit 提交事务并要求成功。
func mustCommit(t *testing.T, txn *Transaction) {
	t.Helper()
	require.NoError(t, txn.Commit())
	require.Equal(t, Committed, txn.State())
}

func TestTransactionPutCommitGet(t *testing.T) {
	db := newTestDatabase(t)

	t1, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, t1.Put([]byte("k1"), []byte("v1")))

	// 提交前自己的写入立即可见。
	v, err := t1.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	mustCommit(t, t1)

	// 新事务看到已提交的值。
	t2, err := db.Begin()
	require.NoError(t, err)
	v, err = t2.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	t2.Rollback()
}

func TestTransactionSnapshotIsolation(t *testing.T) {
	db := newTestDatabase(t)

	setup, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, setup.Put([]byte("k"), []byte("old")))
	mustCommit(t, setup)

	// reader 在 writer 提交之前打开，它的视图被冻结在旧值上。
	reader, err := db.Begin()
	require.NoError(t, err)

	writer, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, writer.Put([]byte("k"), []byte("new")))
	mustCommit(t, writer)

	v, err := reader.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v, "open transaction should not observe later commits")
	reader.Rollback()

	// 新开的事务看到新值。
	after, err := db.Begin()
	require.NoError(t, err)
	v, err = after.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
	after.Rollback()
}

func TestTransactionConflictRequiresRetry(t *testing.T) {
	db := newTestDatabase(t)

	t1, err := db.Begin()
	require.NoError(t, err)
	// 读 c 将 c 记入读集合。
	_, err = t1.Get([]byte("c"))
	require.NoError(t, err)

	// 并发事务修改了 c 并先提交。
	t2, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, t2.Put([]byte("c"), []byte("x")))
	mustCommit(t, t2)

	// t1 的提交必须失败并要求重试，且不产生任何效果。
	require.NoError(t, t1.Put([]byte("d"), []byte("y")))
	err = t1.Commit()
	assert.ErrorIs(t, err, ErrRetry)
	assert.Equal(t, Closed, t1.State())

	check, err := db.Begin()
	require.NoError(t, err)
	v, err := check.Get([]byte("d"))
	require.NoError(t, err)
	assert.Nil(t, v, "failed transaction must not leave partial effects")
	check.Rollback()
}

func TestTransactionBlindWritesDoNotConflict(t *testing.T) {
	db := newTestDatabase(t)

	// 两个事务都只写不读：没有读集合就没有冲突检测。
	t1, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, t1.Put([]byte("a"), []byte("1")))

	t2, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, t2.Put([]byte("b"), []byte("2")))
	mustCommit(t, t2)

	mustCommit(t, t1)

	check, err := db.Begin()
	require.NoError(t, err)
	va, _ := check.Get([]byte("a"))
	vb, _ := check.Get([]byte("b"))
	assert.Equal(t, []byte("1"), va)
	assert.Equal(t, []byte("2"), vb)
	check.Rollback()
}

func TestTransactionCounterAdjustsCommute(t *testing.T) {
	db := newTestDatabase(t)

	// 两个并发事务各自调整同一个计数器，结果是两者之和。
	t1, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, t1.AdjustCounter([]byte("cnt"), 2))

	t2, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, t2.AdjustCounter([]byte("cnt"), 3))

	mustCommit(t, t1)
	mustCommit(t, t2)

	check, err := db.Begin()
	require.NoError(t, err)
	v, err := check.Get([]byte("cnt"))
	require.NoError(t, err)
	n, err := kv.DecodeCounter(v)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	check.Rollback()
}

func TestTransactionOrderedAccess(t *testing.T) {
	db := newTestDatabase(t)

	setup, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, setup.Put([]byte("a"), []byte("1")))
	require.NoError(t, setup.Put([]byte("c"), []byte("3")))
	mustCommit(t, setup)

	txn, err := db.Begin()
	require.NoError(t, err)
	// 本事务的写入和已提交的数据在有序访问中合并。
	require.NoError(t, txn.Put([]byte("b"), []byte("2")))

	p, err := txn.GetAtLeast([]byte("b"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []byte("b"), p.Key)

	p, err = txn.GetAtMost([]byte("bz"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []byte("b"), p.Key)

	pairs, err := txn.Range([]byte("a"), []byte("d"), false)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, []byte("a"), pairs[0].Key)
	assert.Equal(t, []byte("b"), pairs[1].Key)
	assert.Equal(t, []byte("c"), pairs[2].Key)

	reversed, err := txn.Range([]byte("a"), []byte("d"), true)
	require.NoError(t, err)
	require.Len(t, reversed, 3)
	assert.Equal(t, []byte("c"), reversed[0].Key)
	txn.Rollback()
}

func TestTransactionRemoveRange(t *testing.T) {
	db := newTestDatabase(t)

	setup, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, setup.Put([]byte("a"), []byte("1")))
	require.NoError(t, setup.Put([]byte("b"), []byte("2")))
	require.NoError(t, setup.Put([]byte("c"), []byte("3")))
	mustCommit(t, setup)

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.RemoveRange([]byte("a"), []byte("c")))
	mustCommit(t, txn)

	check, err := db.Begin()
	require.NoError(t, err)
	pairs, err := check.Range(nil, nil, false)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, []byte("c"), pairs[0].Key)
	check.Rollback()
}

func TestTransactionReadOnlyCommit(t *testing.T) {
	db := newTestDatabase(t)

	setup, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, setup.Put([]byte("k"), []byte("v")))
	mustCommit(t, setup)

	// 显式的只读事务走租约确认路径。
	ro, err := db.BeginReadOnly()
	require.NoError(t, err)
	v, err := ro.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	mustCommit(t, ro)

	// 没有写入的普通事务同样不产生日志条目。
	noWrites, err := db.Begin()
	require.NoError(t, err)
	_, err = noWrites.Get([]byte("k"))
	require.NoError(t, err)
	mustCommit(t, noWrites)
}

func TestTransactionStaleAfterFinish(t *testing.T) {
	db := newTestDatabase(t)

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	mustCommit(t, txn)

	// 已结束的事务上的任何操作都返回 ErrStale。
	_, err = txn.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorIs(t, txn.Put([]byte("k"), []byte("v2")), ErrStale)
	assert.ErrorIs(t, txn.Commit(), ErrStale)
	assert.ErrorIs(t, txn.SetTimeout(time.Second), ErrStale)

	// Rollback 对已提交的事务没有效果。
	txn.Rollback()
	assert.Equal(t, Committed, txn.State())
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	db := newTestDatabase(t)

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("gone"), []byte("x")))
	txn.Rollback()
	assert.Equal(t, Closed, txn.State())

	// 重复回滚是幂等的。
	txn.Rollback()
	assert.Equal(t, Closed, txn.State())

	check, err := db.Begin()
	require.NoError(t, err)
	v, err := check.Get([]byte("gone"))
	require.NoError(t, err)
	assert.Nil(t, v)
	check.Rollback()
}

func TestTransactionOnFollowerIsRejected(t *testing.T) {
	// 不启动选举计时器的节点一直是 Follower。
	trans := inmemory.NewInMemoryTransport("1")
	base := kv.NewMemStore()
	rf := raft.NewRaft("1", param.Config{"1": "1", "2": "2"}, kvstore.New(base), base, trans)
	trans.RegisterRaft(rf)
	db := NewDatabase(rf)
	t.Cleanup(func() {
		db.Close()
		rf.Stop()
	})

	// 写事务提交被拒绝。
	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	assert.ErrorIs(t, txn.Commit(), ErrNotLeader)

	// 只读事务等不到租约确认，按配置的超时失败。
	ro, err := db.BeginReadOnly()
	require.NoError(t, err)
	require.NoError(t, ro.SetTimeout(200*time.Millisecond))
	assert.ErrorIs(t, ro.Commit(), ErrTimeout)
}

func TestDatabaseCloseRollsBackOpenTransactions(t *testing.T) {
	trans := inmemory.NewInMemoryTransport("1")
	base := kv.NewMemStore()
	rf := raft.NewRaft("1", param.Config{"1": "1"}, kvstore.New(base), base, trans)
	trans.RegisterRaft(rf)
	t.Cleanup(rf.Stop)
	db := NewDatabase(rf)

	leaked, err := db.Begin()
	require.NoError(t, err)

	db.Close()
	assert.Equal(t, Closed, leaked.State(), "open transaction should be rolled back on close")

	_, err = db.Begin()
	assert.ErrorIs(t, err, ErrStale)
	_, err = db.BeginReadOnly()
	assert.ErrorIs(t, err, ErrStale)

	// 重复关闭是安全的。
	db.Close()
}
