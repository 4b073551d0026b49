// Package loopback 提供进程内的传输实现：多个 Transport 共享一个 Network，
// 按端口互相连接。用于测试与本地演示，可模拟不可靠消息的丢包。
package loopback

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"

	"posrelay/transport"
)

type endpoint struct {
	t    *Transport
	conn transport.ConnHandle
}

// Network 进程内的“网络”，保存监听端口与连接配对
type Network struct {
	mu        sync.Mutex
	listeners map[int]listener
	links     map[endpoint]endpoint
	dropProb  float64
	rng       *rand.Rand
}

type listener struct {
	t *Transport
	h transport.ListenHandle
}

func NewNetwork() *Network {
	return &Network{
		listeners: make(map[int]listener),
		links:     make(map[endpoint]endpoint),
		rng:       rand.New(rand.NewSource(1)),
	}
}

// SetDropProb 设置不可靠消息的模拟丢包率（0..1）
func (n *Network) SetDropProb(p float64) {
	n.mu.Lock()
	n.dropProb = p
	n.mu.Unlock()
}

func (n *Network) drop() bool {
	return n.dropProb > 0 && n.rng.Float64() < n.dropProb
}

// Transport 绑定到某个 Network 的一个端点
type Transport struct {
	transport.Core
	network *Network

	mu   sync.Mutex
	sent map[transport.ConnHandle]int
}

var _ transport.Transport = (*Transport)(nil)

func (n *Network) NewTransport() *Transport {
	return &Transport{network: n}
}

func (t *Transport) Init() error {
	t.Open()
	t.mu.Lock()
	t.sent = make(map[transport.ConnHandle]int)
	t.mu.Unlock()
	t.Printf(transport.DebugMsg, "loopback transport initialized")
	return nil
}

func (t *Transport) Kill() {
	for _, h := range t.Conns() {
		_ = t.CloseConnection(h, 0, "transport shutdown", false)
	}
	t.network.mu.Lock()
	for port, l := range t.network.listeners {
		if l.t == t {
			delete(t.network.listeners, port)
		}
	}
	t.network.mu.Unlock()
	t.Reset()
}

func (t *Transport) SetDebugOutput(level transport.DebugLevel, fn transport.DebugOutputFunc) {
	t.DebugSink.Set(level, fn)
}

func (t *Transport) Listen(port int, observer transport.ConnectionObserver) (transport.ListenHandle, error) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, busy := t.network.listeners[port]; busy {
		return transport.InvalidListen, fmt.Errorf("loopback: port %d already in use", port)
	}
	h, err := t.AddListen(observer)
	if err != nil {
		return transport.InvalidListen, err
	}
	t.network.listeners[port] = listener{t: t, h: h}
	t.Printf(transport.DebugMsg, "listening on loopback port %d", port)
	return h, nil
}

func (t *Transport) CloseListen(h transport.ListenHandle) error {
	t.network.mu.Lock()
	for port, l := range t.network.listeners {
		if l.t == t && l.h == h {
			delete(t.network.listeners, port)
		}
	}
	t.network.mu.Unlock()
	return t.RemoveListen(h)
}

// Connect 立即建立两端句柄：本端进入 Connecting，监听端收到一条 Connecting 通知等待 Accept
func (t *Transport) Connect(addr string, observer transport.ConnectionObserver) (transport.ConnHandle, error) {
	port, err := parsePort(addr)
	if err != nil {
		return transport.InvalidConn, err
	}
	local, err := t.NewConn(transport.InvalidListen, observer, "loopback "+addr)
	if err != nil {
		return transport.InvalidConn, err
	}
	t.SetState(local, transport.StateConnecting, 0, "")

	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	l, ok := t.network.listeners[port]
	if !ok {
		t.SetState(local, transport.StateProblemDetectedLocally, 0, "connection refused")
		return local, nil
	}
	remote, err := l.t.NewConn(l.h, nil, fmt.Sprintf("loopback peer #%d", local))
	if err != nil {
		t.SetState(local, transport.StateProblemDetectedLocally, 0, err.Error())
		return local, nil
	}
	a, b := endpoint{t: t, conn: local}, endpoint{t: l.t, conn: remote}
	t.network.links[a] = b
	t.network.links[b] = a
	l.t.SetState(remote, transport.StateConnecting, 0, "")
	return local, nil
}

func parsePort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("loopback: bad address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("loopback: bad port in %q: %w", addr, err)
	}
	return port, nil
}

func (t *Transport) peer(h transport.ConnHandle) (endpoint, bool) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	p, ok := t.network.links[endpoint{t: t, conn: h}]
	return p, ok
}

func (t *Transport) Accept(h transport.ConnHandle) error {
	st, ok := t.State(h)
	if !ok {
		return fmt.Errorf("%w: conn %d", transport.ErrInvalidHandle, h)
	}
	if st != transport.StateConnecting {
		return fmt.Errorf("loopback: cannot accept connection in state %s", st)
	}
	p, ok := t.peer(h)
	if !ok {
		return fmt.Errorf("loopback: conn %d has no peer", h)
	}
	t.SetState(h, transport.StateConnected, 0, "")
	p.t.SetState(p.conn, transport.StateConnected, 0, "")
	return nil
}

func (t *Transport) Send(h transport.ConnHandle, data []byte, flags transport.SendFlags) error {
	st, ok := t.State(h)
	if !ok {
		return fmt.Errorf("%w: conn %d", transport.ErrInvalidHandle, h)
	}
	if st != transport.StateConnected {
		return transport.ErrNotConnected
	}
	p, ok := t.peer(h)
	if !ok {
		return transport.ErrNotConnected
	}
	t.mu.Lock()
	t.sent[h]++
	t.mu.Unlock()

	t.network.mu.Lock()
	dropped := flags == transport.SendUnreliable && t.network.drop()
	t.network.mu.Unlock()
	if dropped {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.t.Deliver(p.conn, buf)
	return nil
}

// Sent 返回在该连接上成功提交发送的消息数（含模拟丢弃的）
func (t *Transport) Sent(h transport.ConnHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[h]
}

// CloseConnection 使本端句柄失效，对端收到 ClosedByPeer
func (t *Transport) CloseConnection(h transport.ConnHandle, reason int, debug string, linger bool) error {
	if _, err := t.Remove(h); err != nil {
		return err
	}
	t.network.mu.Lock()
	self := endpoint{t: t, conn: h}
	p, ok := t.network.links[self]
	delete(t.network.links, self)
	delete(t.network.links, p)
	t.network.mu.Unlock()
	if ok {
		p.t.SetState(p.conn, transport.StateClosedByPeer, reason, debug)
	}
	return nil
}

// Sever 模拟链路超时：两端都进入 ProblemDetectedLocally
func (t *Transport) Sever(h transport.ConnHandle) {
	t.network.mu.Lock()
	self := endpoint{t: t, conn: h}
	p, ok := t.network.links[self]
	delete(t.network.links, self)
	delete(t.network.links, p)
	t.network.mu.Unlock()
	t.SetState(h, transport.StateProblemDetectedLocally, 0, "timed out")
	if ok {
		p.t.SetState(p.conn, transport.StateProblemDetectedLocally, 0, "timed out")
	}
}

// Peer 返回与本端连接配对的对端句柄
func (t *Transport) Peer(h transport.ConnHandle) (transport.ConnHandle, bool) {
	p, ok := t.peer(h)
	return p.conn, ok
}
