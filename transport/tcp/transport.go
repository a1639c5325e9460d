// Package tcp 实现了基于 TCP 长连接的 Transport。
//
// 每个对端只维护一条连接，消息以带长度前缀的 gob 帧在连接上双向传输。
// 每条连接有一个有界的发送队列：队列满时丢弃最旧的消息（被丢弃的请求
// 立即以错误返回给调用方），避免慢速对端拖垮发送方。空闲超过
// idleTimeout 的连接会被关闭，下次发送时按需重建。
//
// 当两个节点同时向对方发起连接时，保留由地址字典序较小一方发起的那条，
// 另一条被关闭。连接关闭时记录首个关闭原因，并让所有在该连接上等待
// 响应的调用立即失败。
package tcp

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/transport"
)

const (
	connectTimeout = 1 * time.Second  // 建立 TCP 连接的超时时间
	rpcTimeout     = 5 * time.Second  // 单次 RPC 等待响应的超时时间
	writeTimeout   = 5 * time.Second  // 单帧写入的超时时间
	idleTimeout    = 2 * time.Minute  // 连接空闲多久后被关闭
	sendQueueSize  = 256              // 每条连接发送队列的容量
)

var (
	ErrClosed        = errors.New("tcp: transport closed")
	ErrTimeout       = errors.New("tcp: rpc timeout")
	errIdle          = errors.New("tcp: connection idle")
	errDuplicateConn = errors.New("tcp: duplicate connection")
	errQueueOverflow = errors.New("tcp: send queue overflow")
	errUnknownPeer   = errors.New("tcp: unknown peer")
)

type messageKind uint8

const (
	kindHello messageKind = iota + 1
	kindRequest
	kindResponse
)

// message 是连接上传输的帧。Body 是请求参数或响应结果的 gob 编码。
type message struct {
	Kind   messageKind
	Seq    uint64
	Method string
	Error  string
	Body   []byte
}

// pendingCall 表示一次已发出、尚未收到响应的 RPC。
type pendingCall struct {
	reply any
	err   error
	done  chan struct{}
}

func (c *pendingCall) finish(err error) {
	c.err = err
	close(c.done)
}

// Transport 是基于 TCP 的 transport.Transport 实现。
type Transport struct {
	localID string
	addr    string

	mu       sync.Mutex
	peers    map[string]string // 节点标识 -> 网络地址
	conns    map[string]*peerConn
	server   transport.RPCServer
	listener net.Listener
	closed   bool

	seq uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewTCPTransport 创建一个监听 addr 的 TCP Transport。
func NewTCPTransport(localID, addr string) *Transport {
	return &Transport{
		localID: localID,
		addr:    addr,
		peers:   make(map[string]string),
		conns:   make(map[string]*peerConn),
		quit:    make(chan struct{}),
	}
}

// RegisterRaft 注册本地 RPC 处理器。必须在 Start 之前调用。
func (t *Transport) RegisterRaft(server transport.RPCServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.server = server
}

// SetPeers 更新节点标识到网络地址的映射。
func (t *Transport) SetPeers(peers map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, addr := range peers {
		t.peers[id] = addr
	}
}

// Addr 返回本节点的监听地址。
func (t *Transport) Addr() string {
	return t.addr
}

// Start 启动监听循环。
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp: listen on %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.listener = ln
	// 监听端口可能由系统分配（addr 以 :0 结尾），回填实际地址。
	t.addr = ln.Addr().String()
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// Close 关闭监听器和所有连接。可以安全地重复调用。
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.quit)
	ln := t.listener
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, pc := range conns {
		pc.close(ErrClosed)
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
			}
			log.Printf("[Transport] Node %s failed to accept connection: %v", t.localID, err)
			continue
		}
		t.wg.Add(1)
		go t.handleIncoming(conn)
	}
}

// handleIncoming 处理入站连接：先读取对端的 Hello 帧获知其监听地址，
// 再将连接登记到连接表并进入读循环。
func (t *Transport) handleIncoming(conn net.Conn) {
	defer t.wg.Done()

	dec := gob.NewDecoder(bufio.NewReader(conn))
	var hello message
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	if err := dec.Decode(&hello); err != nil || hello.Kind != kindHello {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	remoteAddr := hello.Method // Hello 帧借用 Method 字段携带监听地址

	pc := t.newPeerConn(conn, dec, remoteAddr, remoteAddr)
	if !t.registerConn(remoteAddr, pc) {
		pc.close(errDuplicateConn)
		return
	}
	pc.run()
}

// registerConn 将连接登记到连接表。如果到同一对端已存在连接，
// 保留由地址字典序较小一方发起的那条，返回 false 表示 pc 落选。
func (t *Transport) registerConn(remoteAddr string, pc *peerConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	existing, ok := t.conns[remoteAddr]
	if !ok {
		t.conns[remoteAddr] = pc
		return true
	}
	if pc.initiator < existing.initiator {
		delete(t.conns, remoteAddr)
		go existing.close(errDuplicateConn)
		t.conns[remoteAddr] = pc
		return true
	}
	return false
}

// getConn 返回到 addr 的连接，必要时建立新连接。
func (t *Transport) getConn(addr string) (*peerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if pc, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	dec := gob.NewDecoder(bufio.NewReader(conn))
	pc := t.newPeerConn(conn, dec, addr, t.addr)

	// 出站连接先发送 Hello 告知本端监听地址，对端据此去重。
	if err := pc.writeFrame(&message{Kind: kindHello, Method: t.addr}); err != nil {
		pc.close(err)
		return nil, err
	}

	if !t.registerConn(addr, pc) {
		pc.close(errDuplicateConn)
		// 落选说明并发建立中已有胜出的连接，改用它。
		t.mu.Lock()
		winner, ok := t.conns[addr]
		t.mu.Unlock()
		if ok {
			return winner, nil
		}
		return nil, errDuplicateConn
	}
	go pc.run()
	return pc, nil
}

func (t *Transport) removeConn(addr string, pc *peerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[addr] == pc {
		delete(t.conns, addr)
	}
}

func (t *Transport) resolve(target string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr, ok := t.peers[target]; ok {
		return addr, nil
	}
	// 允许直接用网络地址寻址（客户端场景）。
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	return "", fmt.Errorf("%w: %s", errUnknownPeer, target)
}

// call 执行一次同步 RPC：编码参数、入队发送、等待响应并解码到 reply。
func (t *Transport) call(target, method string, args, reply any) error {
	addr, err := t.resolve(target)
	if err != nil {
		return err
	}
	pc, err := t.getConn(addr)
	if err != nil {
		return err
	}

	body, err := encodeBody(args)
	if err != nil {
		return err
	}
	seq := atomic.AddUint64(&t.seq, 1)
	call := &pendingCall{reply: reply, done: make(chan struct{})}
	pc.pending.Store(seq, call)

	msg := &message{Kind: kindRequest, Seq: seq, Method: method, Body: body}
	if err := pc.enqueue(msg); err != nil {
		pc.pending.Delete(seq)
		return err
	}

	select {
	case <-call.done:
		return call.err
	case <-time.After(rpcTimeout):
		pc.pending.Delete(seq)
		return ErrTimeout
	case <-t.quit:
		pc.pending.Delete(seq)
		return ErrClosed
	}
}

// SendRequestVote 发送 RequestVote RPC 请求。
func (t *Transport) SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	return t.call(target, "RequestVote", req, resp)
}

// SendAppendEntries 发送 AppendEntries RPC 请求。
func (t *Transport) SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	return t.call(target, "AppendEntries", req, resp)
}

// SendInstallSnapshot 发送 InstallSnapshot RPC 请求。
func (t *Transport) SendInstallSnapshot(target string, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error {
	return t.call(target, "InstallSnapshot", req, resp)
}

// SendCommitLeaseNotice 发送读租约推进通知。
func (t *Transport) SendCommitLeaseNotice(target string, req *param.CommitLeaseNoticeArgs, resp *param.CommitLeaseNoticeReply) error {
	return t.call(target, "CommitLeaseNotice", req, resp)
}

// SendClientRequest 发送客户端写请求。
func (t *Transport) SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error {
	return t.call(target, "ClientRequest", req, resp)
}

// SendClientRead 发送客户端只读查询。
func (t *Transport) SendClientRead(target string, req *param.ClientReadArgs, resp *param.ClientReadReply) error {
	return t.call(target, "ClientRead", req, resp)
}

// dispatch 解码请求参数并调用注册的处理器，返回编码后的响应。
func (t *Transport) dispatch(method string, body []byte) ([]byte, error) {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server == nil {
		return nil, errors.New("tcp: no rpc server registered")
	}

	switch method {
	case "RequestVote":
		var args param.RequestVoteArgs
		var reply param.RequestVoteReply
		if err := decodeBody(body, &args); err != nil {
			return nil, err
		}
		if err := server.RequestVote(&args, &reply); err != nil {
			return nil, err
		}
		return encodeBody(&reply)
	case "AppendEntries":
		var args param.AppendEntriesArgs
		var reply param.AppendEntriesReply
		if err := decodeBody(body, &args); err != nil {
			return nil, err
		}
		if err := server.AppendEntries(&args, &reply); err != nil {
			return nil, err
		}
		return encodeBody(&reply)
	case "InstallSnapshot":
		var args param.InstallSnapshotArgs
		var reply param.InstallSnapshotReply
		if err := decodeBody(body, &args); err != nil {
			return nil, err
		}
		if err := server.InstallSnapshot(&args, &reply); err != nil {
			return nil, err
		}
		return encodeBody(&reply)
	case "CommitLeaseNotice":
		var args param.CommitLeaseNoticeArgs
		var reply param.CommitLeaseNoticeReply
		if err := decodeBody(body, &args); err != nil {
			return nil, err
		}
		if err := server.CommitLeaseNotice(&args, &reply); err != nil {
			return nil, err
		}
		return encodeBody(&reply)
	case "ClientRequest":
		var args param.ClientArgs
		var reply param.ClientReply
		if err := decodeBody(body, &args); err != nil {
			return nil, err
		}
		if err := server.ClientRequest(&args, &reply); err != nil {
			return nil, err
		}
		return encodeBody(&reply)
	case "ClientRead":
		var args param.ClientReadArgs
		var reply param.ClientReadReply
		if err := decodeBody(body, &args); err != nil {
			return nil, err
		}
		if err := server.ClientRead(&args, &reply); err != nil {
			return nil, err
		}
		return encodeBody(&reply)
	default:
		return nil, fmt.Errorf("tcp: unknown method %q", method)
	}
}

func encodeBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("tcp: encode body: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBody(body []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("tcp: decode body: %w", err)
	}
	return nil
}

// peerConn 是到单个对端的连接。读写各由一个 goroutine 负责。
type peerConn struct {
	t          *Transport
	conn       net.Conn
	remoteAddr string // 对端的监听地址（连接表的键）
	initiator  string // 发起方的监听地址（去重时字典序较小者胜出）

	dec *gob.Decoder

	writeMu sync.Mutex
	bw      *bufio.Writer
	enc     *gob.Encoder

	sendq   chan *message
	pending *xsync.MapOf[uint64, *pendingCall]

	closeOnce sync.Once
	closedCh  chan struct{}
	cause     error
}

func (t *Transport) newPeerConn(conn net.Conn, dec *gob.Decoder, remoteAddr, initiator string) *peerConn {
	bw := bufio.NewWriter(conn)
	return &peerConn{
		t:          t,
		conn:       conn,
		remoteAddr: remoteAddr,
		initiator:  initiator,
		dec:        dec,
		bw:         bw,
		enc:        gob.NewEncoder(bw),
		sendq:      make(chan *message, sendQueueSize),
		pending:    xsync.NewMapOf[uint64, *pendingCall](),
		closedCh:   make(chan struct{}),
	}
}

// close 关闭连接。只有第一次调用的 cause 被记录，
// 该连接上所有等待响应的调用以 cause 失败。
func (pc *peerConn) close(cause error) {
	pc.closeOnce.Do(func() {
		pc.cause = cause
		close(pc.closedCh)
		pc.conn.Close()
		pc.t.removeConn(pc.remoteAddr, pc)
		pc.pending.Range(func(seq uint64, call *pendingCall) bool {
			pc.pending.Delete(seq)
			call.finish(cause)
			return true
		})
	})
}

// enqueue 将消息放入发送队列。队列满时丢弃最旧的消息为新消息腾位，
// 被丢弃的请求立即以 errQueueOverflow 失败。
func (pc *peerConn) enqueue(msg *message) error {
	for {
		select {
		case <-pc.closedCh:
			return pc.cause
		case pc.sendq <- msg:
			return nil
		default:
		}
		select {
		case dropped := <-pc.sendq:
			if dropped.Kind == kindRequest {
				if call, ok := pc.pending.LoadAndDelete(dropped.Seq); ok {
					call.finish(errQueueOverflow)
				}
			}
		default:
		}
	}
}

// run 启动连接的读写循环，读循环退出时关闭连接。
func (pc *peerConn) run() {
	go pc.writeLoop()
	pc.readLoop()
}

func (pc *peerConn) readLoop() {
	for {
		var msg message
		if err := pc.dec.Decode(&msg); err != nil {
			pc.close(err)
			return
		}
		switch msg.Kind {
		case kindRequest:
			// 处理器可能阻塞（写请求等待提交、读请求等待租约），
			// 每个请求在独立的 goroutine 中处理。
			go pc.handleRequest(&msg)
		case kindResponse:
			pc.handleResponse(&msg)
		}
	}
}

func (pc *peerConn) handleRequest(msg *message) {
	body, err := pc.t.dispatch(msg.Method, msg.Body)
	resp := &message{Kind: kindResponse, Seq: msg.Seq, Method: msg.Method, Body: body}
	if err != nil {
		resp.Error = err.Error()
	}
	if err := pc.enqueue(resp); err != nil {
		log.Printf("[Transport] Failed to enqueue %s response: %v", msg.Method, err)
	}
}

func (pc *peerConn) handleResponse(msg *message) {
	call, ok := pc.pending.LoadAndDelete(msg.Seq)
	if !ok {
		return // 调用方已超时放弃
	}
	if msg.Error != "" {
		call.finish(errors.New(msg.Error))
		return
	}
	call.finish(decodeBody(msg.Body, call.reply))
}

func (pc *peerConn) writeLoop() {
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	for {
		select {
		case msg := <-pc.sendq:
			if err := pc.writeFrame(msg); err != nil {
				pc.close(err)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
		case <-idle.C:
			pc.close(errIdle)
			return
		case <-pc.closedCh:
			return
		}
	}
}

func (pc *peerConn) writeFrame(msg *message) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := pc.enc.Encode(msg); err != nil {
		return err
	}
	return pc.bw.Flush()
}
