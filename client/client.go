// Package client 封装了与集群交互的客户端逻辑：
// 选择目标节点、跟随 Leader 重定向提示、失败退避重试。
package client

import (
	"crypto/rand"
	"log"
	"math/big"
	"sort"
	"time"

	"github.com/xmh1011/raftkv/kv"
	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/transport"
)

const (
	opTimeout     = 5 * time.Second
	retryInterval = 100 * time.Millisecond
)

// clientAction 定义了客户端在处理完一次 RPC 响应后应采取的下一步动作。
type clientAction int

const (
	actionSuccess clientAction = iota // 动作：成功，可以返回结果
	actionFail                        // 动作：失败，应终止操作
	actionRetry                       // 动作：重试，应继续循环
)

// Client 封装了与集群交互的逻辑。同一个 Client 的写请求带有
// 单调递增的序列号，Leader 据此对重试做幂等去重。
// Client 不是并发安全的。
type Client struct {
	clientID    int64             // 客户端的唯一ID
	sequenceNum int64             // 当前请求的序列号
	servers     map[string]string // 集群中所有节点的 ID -> 地址映射
	leaderHint  string            // 当前已知的 Leader ID
	trans       transport.Transport
}

// NewClient 创建一个新的客户端实例。
func NewClient(servers map[string]string, trans transport.Transport) *Client {
	// 生成一个随机的64位整数作为客户端ID。
	randID, _ := rand.Int(rand.Reader, big.NewInt(int64(^uint64(0)>>1)))
	trans.SetPeers(servers)
	return &Client{
		clientID:    randID.Int64(),
		sequenceNum: 0,
		servers:     servers,
		leaderHint:  "", // 初始时不知道谁是 Leader
		trans:       trans,
	}
}

// Put 写入一个键值对。
func (c *Client) Put(key, value []byte) bool {
	mutations := kv.NewWrites()
	mutations.Put(key, value)
	return c.Submit(mutations)
}

// Delete 删除一个 key。
func (c *Client) Delete(key []byte) bool {
	mutations := kv.NewWrites()
	mutations.Remove(key)
	return c.Submit(mutations)
}

// DeleteRange 删除 [min, max) 区间内的所有 key。
func (c *Client) DeleteRange(min, max []byte) bool {
	mutations := kv.NewWrites()
	mutations.RemoveRange(kv.NewKeyRange(min, max))
	return c.Submit(mutations)
}

// AdjustCounter 对一个计数器 key 做原子增减。
func (c *Client) AdjustCounter(key []byte, delta int64) bool {
	mutations := kv.NewWrites()
	mutations.Adjust(key, delta)
	return c.Submit(mutations)
}

// Submit 向集群提交一个完整的变更集合，阻塞到集群确认或超时。
func (c *Client) Submit(mutations *kv.Writes) bool {
	deadline := time.After(opTimeout)
	c.sequenceNum++
	request := param.NewClientArgs(c.clientID, c.sequenceNum, mutations)

	for {
		select {
		case <-deadline:
			log.Printf("[Client] Request (seq:%d) timed out after %v", c.sequenceNum, opTimeout)
			return false
		default:
			action := c.attemptOnce(request)
			switch action {
			case actionSuccess:
				return true
			case actionFail:
				return false
			case actionRetry:
				time.Sleep(retryInterval)
			}
		}
	}
}

// Get 查询 key 当前的值。返回值和 key 是否存在；查询失败时 ok 为 false。
func (c *Client) Get(key []byte) (value []byte, found, ok bool) {
	deadline := time.After(opTimeout)
	request := &param.ClientReadArgs{Key: key}

	for {
		select {
		case <-deadline:
			log.Printf("[Client] Read of %q timed out after %v", key, opTimeout)
			return nil, false, false
		default:
			target := c.selectTargetNode()
			reply := &param.ClientReadReply{}
			err := c.trans.SendClientRead(target, request, reply)
			switch {
			case err != nil:
				log.Printf("[Client] Error reading from node %s: %v. Retrying...", target, err)
				c.leaderHint = ""
				time.Sleep(retryInterval)
			case reply.NotLeader:
				c.leaderHint = reply.LeaderHint
				time.Sleep(retryInterval)
			default:
				return reply.Value, reply.Found, true
			}
		}
	}
}

// attemptOnce 负责执行单次向集群发送请求的尝试。
func (c *Client) attemptOnce(request *param.ClientArgs) clientAction {
	target := c.selectTargetNode()
	log.Printf("[Client] Sending request (seq:%d) to node %s", c.sequenceNum, target)

	reply := &param.ClientReply{}
	err := c.trans.SendClientRequest(target, request, reply)

	return c.decideNextAction(target, reply, err)
}

// selectTargetNode 根据当前已知的 Leader 信息选择发送请求的目标节点。
func (c *Client) selectTargetNode() string {
	if c.leaderHint != "" {
		return c.leaderHint
	}
	ids := make([]string, 0, len(c.servers))
	for id := range c.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// decideNextAction 封装了所有处理 RPC 响应的决策逻辑。
func (c *Client) decideNextAction(target string, reply *param.ClientReply, err error) clientAction {
	if err != nil {
		log.Printf("[Client] Error sending request to node %s: %v. Retrying...", target, err)
		c.leaderHint = ""
		return actionRetry
	}

	if reply.NotLeader {
		log.Printf("[Client] Node %s is not leader. New leader hint: %q. Retrying...", target, reply.LeaderHint)
		c.leaderHint = reply.LeaderHint
		return actionRetry
	}

	if reply.Success {
		log.Printf("[Client] Request (seq:%d) successfully processed.", c.sequenceNum)
		return actionSuccess
	}

	// Leader 明确告知条目未能提交，整体重试是安全的：序列号保证幂等。
	log.Printf("[Client] Request (seq:%d) failed to commit. Retrying...", c.sequenceNum)
	c.leaderHint = ""
	return actionRetry
}
