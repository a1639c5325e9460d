package raft

import (
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/transport"
)

func TestReadWaitQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))

	r.mu.Lock()
	defer r.mu.Unlock()

	assert.Equal(t, int64(0), r.minPendingReadWait())

	// 乱序插入后队列保持升序。
	r.insertReadWait(30)
	r.insertReadWait(10)
	r.insertReadWait(20)
	assert.Equal(t, []int64{10, 20, 30}, r.readWaits)
	assert.Equal(t, int64(10), r.minPendingReadWait())

	r.removeReadWait(10)
	assert.Equal(t, int64(20), r.minPendingReadWait())

	// 移除不存在的时间戳不影响队列。
	r.removeReadWait(99)
	assert.Equal(t, []int64{20, 30}, r.readWaits)
}

func TestAdvanceLeaderLease(t *testing.T) {
	t.Run("RequiresMajorityAcks", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		trans := transport.NewMockTransport(ctrl)
		trans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		r := newTestRaft(t, "1", trans)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.state = param.Leader
		r.initLeaderState()

		// 两个 Follower 都还没确认过心跳（时间戳为 0）：
		// 多数派确认的最新时间戳是 0，租约不会推进到未来。
		r.advanceLeaderLease()
		assert.LessOrEqual(t, r.leaseTimeout, int64(electionTimeoutMin))

		// 一个 Follower 确认了最近的心跳：Leader 自身 + 该节点构成多数派。
		now := time.Now().UnixNano()
		r.followers["2"].leaderTimestamp = now
		r.advanceLeaderLease()
		assert.Equal(t, now+int64(electionTimeoutMin), r.leaseTimeout)
	})

	t.Run("LeaseNeverMovesBackwards", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		trans := transport.NewMockTransport(ctrl)
		trans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		r := newTestRaft(t, "1", trans)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.state = param.Leader
		r.initLeaderState()

		now := time.Now().UnixNano()
		r.followers["2"].leaderTimestamp = now
		r.advanceLeaderLease()
		lease := r.leaseTimeout

		// 更旧的确认不会让租约回退。
		r.followers["2"].leaderTimestamp = now - int64(time.Second)
		r.followers["3"].leaderTimestamp = 0
		r.advanceLeaderLease()
		assert.Equal(t, lease, r.leaseTimeout)
	})

	t.Run("NotifiesFollowersWithCoveredWaits", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		trans := transport.NewMockTransport(ctrl)
		trans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		r := newTestRaft(t, "1", trans)

		now := time.Now().UnixNano()
		noticed := make(chan *param.CommitLeaseNoticeArgs, 1)
		trans.EXPECT().SendCommitLeaseNotice("2", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ string, args *param.CommitLeaseNoticeArgs, reply *param.CommitLeaseNoticeReply) error {
				noticed <- args
				return nil
			}).Times(1)

		r.mu.Lock()
		r.state = param.Leader
		r.currentTerm = 1
		r.initLeaderState()
		// Follower 2 上报了一个早于租约推进点的只读等待，
		// 记录时 Leader 的提交索引是 7。
		r.commitIndex = 7
		r.followers["2"].recordCommitLeaseWait(now-int64(time.Millisecond), r.commitIndex)
		r.followers["2"].leaderTimestamp = now
		r.followers["3"].leaderTimestamp = now
		r.advanceLeaderLease()
		r.mu.Unlock()

		select {
		case args := <-noticed:
			assert.Equal(t, uint64(1), args.Term)
			assert.Greater(t, args.LeaseTimeout, now)
			assert.Equal(t, now-int64(time.Millisecond), args.CoveredWait)
			assert.Equal(t, uint64(7), args.CommitIndex)
		case <-time.After(time.Second):
			t.Fatal("expected a lease notice for the waiting follower")
		}
	})
}

func TestWaitForLease(t *testing.T) {
	t.Run("ReturnsWhenLeaseCovers", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))

		snapshotTime := time.Now().UnixNano()
		r.mu.Lock()
		r.state = param.Leader
		r.leaseTimeout = snapshotTime + 1
		r.mu.Unlock()

		assert.NoError(t, r.WaitForLease(snapshotTime, 0, time.Second))
	})

	t.Run("TimesOutWithoutProgress", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))

		err := r.WaitForLease(time.Now().UnixNano(), 0, 100*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)

		// 超时后等待登记被清理。
		r.mu.Lock()
		assert.Empty(t, r.readWaits)
		r.mu.Unlock()
	})

	t.Run("WokenByCommitLeaseNotice", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))
		r.mu.Lock()
		r.currentTerm = 1
		r.mu.Unlock()

		snapshotTime := time.Now().UnixNano()
		waitDone := make(chan error, 1)
		go func() {
			waitDone <- r.WaitForLease(snapshotTime, 0, 2*time.Second)
		}()

		// 等待者把时间戳登记到 readWaits 后，Leader 的通知把它唤醒。
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.minPendingReadWait() == snapshotTime
		}, time.Second, 5*time.Millisecond)

		reply := &param.CommitLeaseNoticeReply{}
		require.NoError(t, r.CommitLeaseNotice(&param.CommitLeaseNoticeArgs{
			Term:         1,
			LeaderID:     "2",
			LeaseTimeout: snapshotTime + 1,
			CoveredWait:  snapshotTime,
		}, reply))

		select {
		case err := <-waitDone:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken by the lease notice")
		}

		// 通知同时更新了 Leader 线索。
		assert.Equal(t, "2", r.LeaderHint())
	})

	t.Run("StaleFollowerViewFailsWithConflict", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))
		r.mu.Lock()
		r.currentTerm = 1
		r.mu.Unlock()

		// Follower 的视图停在索引 1，而 Leader 在该只读事务开始前
		// 已经提交到索引 2：事务不能提交，必须以冲突失败。
		snapshotTime := time.Now().UnixNano()
		waitDone := make(chan error, 1)
		go func() {
			waitDone <- r.WaitForLease(snapshotTime, 1, 2*time.Second)
		}()

		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.minPendingReadWait() == snapshotTime
		}, time.Second, 5*time.Millisecond)

		reply := &param.CommitLeaseNoticeReply{}
		require.NoError(t, r.CommitLeaseNotice(&param.CommitLeaseNoticeArgs{
			Term:         1,
			LeaderID:     "2",
			LeaseTimeout: snapshotTime + 1,
			CoveredWait:  snapshotTime,
			CommitIndex:  2,
		}, reply))

		select {
		case err := <-waitDone:
			assert.ErrorIs(t, err, ErrConflict)
		case <-time.After(time.Second):
			t.Fatal("stale view waiter was not failed by the lease notice")
		}
	})

	t.Run("FreshFollowerViewCompletes", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))
		r.mu.Lock()
		r.currentTerm = 1
		r.mu.Unlock()

		// 视图已经包含 Leader 通知的提交索引之前的全部条目，提交成功。
		snapshotTime := time.Now().UnixNano()
		waitDone := make(chan error, 1)
		go func() {
			waitDone <- r.WaitForLease(snapshotTime, 2, 2*time.Second)
		}()

		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.minPendingReadWait() == snapshotTime
		}, time.Second, 5*time.Millisecond)

		reply := &param.CommitLeaseNoticeReply{}
		require.NoError(t, r.CommitLeaseNotice(&param.CommitLeaseNoticeArgs{
			Term:         1,
			LeaderID:     "2",
			LeaseTimeout: snapshotTime + 1,
			CoveredWait:  snapshotTime,
			CommitIndex:  2,
		}, reply))

		select {
		case err := <-waitDone:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("fresh view waiter was not woken by the lease notice")
		}
	})

	t.Run("NoticeForEarlierWaitDoesNotComplete", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))
		r.mu.Lock()
		r.currentTerm = 1
		r.mu.Unlock()

		// 通知只覆盖到一个更早的等待：它携带的提交索引可能早于本次
		// 等待的开始时刻，即使租约已覆盖快照时间也不能据此完成提交。
		snapshotTime := time.Now().UnixNano()
		waitDone := make(chan error, 1)
		go func() {
			waitDone <- r.WaitForLease(snapshotTime, 0, 300*time.Millisecond)
		}()

		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.minPendingReadWait() == snapshotTime
		}, time.Second, 5*time.Millisecond)

		reply := &param.CommitLeaseNoticeReply{}
		require.NoError(t, r.CommitLeaseNotice(&param.CommitLeaseNoticeArgs{
			Term:         1,
			LeaderID:     "2",
			LeaseTimeout: snapshotTime + 1,
			CoveredWait:  snapshotTime - 10,
		}, reply))

		err := <-waitDone
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("StaleNoticeIsIgnored", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		r := newTestRaft(t, "1", transport.NewMockTransport(ctrl))
		r.mu.Lock()
		r.currentTerm = 5
		r.leaseTimeout = 100
		r.mu.Unlock()

		reply := &param.CommitLeaseNoticeReply{}
		require.NoError(t, r.CommitLeaseNotice(&param.CommitLeaseNoticeArgs{
			Term:         3,
			LeaderID:     "9",
			LeaseTimeout: 999,
			CoveredWait:  998,
			CommitIndex:  42,
		}, reply))

		assert.Equal(t, uint64(5), reply.Term)
		r.mu.Lock()
		assert.Equal(t, int64(100), r.leaseTimeout, "stale term must not advance the lease")
		assert.Equal(t, uint64(0), r.leaseReadIndex, "stale term must not advance the read index")
		assert.NotEqual(t, "9", r.knownLeaderID)
		r.mu.Unlock()
	})
}
