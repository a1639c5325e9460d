package txn

import (
	"errors"

	"github.com/xmh1011/raftkv/raft"
)

var (
	// ErrRetry 表示事务因乐观冲突或共识失败没有生效，重试通常能成功。
	ErrRetry = errors.New("txn: transaction conflict, retry")
	// ErrTimeout 表示事务在配置的超时时间内没有等到提交结果。
	ErrTimeout = errors.New("txn: transaction timeout")
	// ErrStale 表示在已提交、已回滚或已失效的事务上执行了操作。
	ErrStale = errors.New("txn: stale transaction")
	// ErrNotLeader 表示当前节点不是 Leader，无法提交事务。
	ErrNotLeader = errors.New("txn: not leader")
)

// mapRaftError 把共识层的错误翻译成事务层的错误分类。
func mapRaftError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrConflict), errors.Is(err, raft.ErrNotCommitted):
		return ErrRetry
	case errors.Is(err, raft.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, raft.ErrNotLeader):
		return ErrNotLeader
	case errors.Is(err, raft.ErrShutdown):
		return ErrStale
	default:
		return err
	}
}
