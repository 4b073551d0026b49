// Package wsnet 基于 gorilla/websocket 的传输实现。
// 服务端在 HTTP 路径上升级连接，客户端拨号 ws://host:port/path；
// 不可靠发送在队列满时直接丢弃，可靠发送在队列满时返回错误。
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"posrelay/transport"
)

const (
	DefaultPath = "/ws"

	sendQueueSize = 256
	writeWait     = 5 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	maxMessage    = 1 << 16
)

// Transport websocket 传输；零值不可用，请使用 New
type Transport struct {
	transport.Core

	Path     string
	Dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[transport.ConnHandle]*wsConn
	servers map[transport.ListenHandle]*http.Server
}

var _ transport.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		Path:   DefaultPath,
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 演示环境：允许所有来源
				return true
			},
		},
	}
}

func (t *Transport) Init() error {
	t.Open()
	t.mu.Lock()
	t.conns = make(map[transport.ConnHandle]*wsConn)
	t.servers = make(map[transport.ListenHandle]*http.Server)
	t.mu.Unlock()
	t.Printf(transport.DebugMsg, "websocket transport initialized")
	return nil
}

func (t *Transport) Kill() {
	for _, h := range t.Conns() {
		_ = t.CloseConnection(h, 0, "transport shutdown", false)
	}
	t.mu.Lock()
	servers := t.servers
	t.servers = nil
	t.conns = nil
	t.mu.Unlock()
	for _, srv := range servers {
		_ = srv.Close()
	}
	t.Reset()
}

func (t *Transport) SetDebugOutput(level transport.DebugLevel, fn transport.DebugOutputFunc) {
	t.DebugSink.Set(level, fn)
}

// Listen 同步绑定端口（绑定失败直接返回），随后在后台提供升级服务
func (t *Transport) Listen(port int, observer transport.ConnectionObserver) (transport.ListenHandle, error) {
	h, err := t.AddListen(observer)
	if err != nil {
		return transport.InvalidListen, err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		_ = t.RemoveListen(h)
		return transport.InvalidListen, fmt.Errorf("wsnet: listen on port %d: %w", port, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.Path, func(w http.ResponseWriter, r *http.Request) {
		t.handleUpgrade(h, w, r)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	t.mu.Lock()
	t.servers[h] = srv
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Printf(transport.DebugError, "websocket server on port %d stopped: %v", port, err)
		}
	}()
	t.Printf(transport.DebugMsg, "websocket listening on %s%s", ln.Addr(), t.Path)
	return h, nil
}

// Handler 返回监听端点的升级处理器，便于挂到已有的 HTTP 服务或 httptest 上；
// 端点本身用 AddListen 注册
func (t *Transport) Handler(h transport.ListenHandle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.handleUpgrade(h, w, r)
	})
}

func (t *Transport) CloseListen(h transport.ListenHandle) error {
	t.mu.Lock()
	srv := t.servers[h]
	delete(t.servers, h)
	t.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return t.RemoveListen(h)
}

func (t *Transport) handleUpgrade(listen transport.ListenHandle, w http.ResponseWriter, r *http.Request) {
	if _, ok := t.ListenObserver(listen); !ok {
		http.Error(w, "not listening", http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Printf(transport.DebugWarning, "upgrade error from %s: %v", r.RemoteAddr, err)
		return
	}
	h, err := t.NewConn(listen, nil, "ws "+r.RemoteAddr)
	if err != nil {
		_ = ws.Close()
		return
	}
	c := newWSConn(t, h)
	c.ws = ws
	if !t.track(c) {
		_ = ws.Close()
		return
	}
	t.SetState(h, transport.StateConnecting, 0, "")
}

func (t *Transport) track(c *wsConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		return false
	}
	t.conns[c.h] = c
	return true
}

func (t *Transport) lookup(h transport.ConnHandle) (*wsConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[h]
	return c, ok
}

// Connect 立即返回处于 Connecting 的句柄，拨号在后台进行
func (t *Transport) Connect(addr string, observer transport.ConnectionObserver) (transport.ConnHandle, error) {
	h, err := t.NewConn(transport.InvalidListen, observer, "ws "+addr)
	if err != nil {
		return transport.InvalidConn, err
	}
	c := newWSConn(t, h)
	if !t.track(c) {
		_, _ = t.Remove(h)
		return transport.InvalidConn, transport.ErrNotInitialized
	}
	t.SetState(h, transport.StateConnecting, 0, "")
	url := "ws://" + addr + t.Path
	go func() {
		ws, _, err := t.Dialer.Dial(url, nil)
		if err != nil {
			t.Printf(transport.DebugMsg, "dial %s failed: %v", url, err)
			t.SetState(h, transport.StateProblemDetectedLocally, 0, err.Error())
			return
		}
		if !c.attach(ws) {
			// 拨号期间本端已关闭
			_ = ws.Close()
			return
		}
		if t.SetState(h, transport.StateConnected, 0, "") {
			c.start()
		}
	}()
	return h, nil
}

func (t *Transport) Accept(h transport.ConnHandle) error {
	c, ok := t.lookup(h)
	if !ok {
		return fmt.Errorf("%w: conn %d", transport.ErrInvalidHandle, h)
	}
	st, _ := t.State(h)
	if st != transport.StateConnecting || c.socket() == nil {
		return fmt.Errorf("wsnet: cannot accept connection in state %s", st)
	}
	if !t.SetState(h, transport.StateConnected, 0, "") {
		return fmt.Errorf("wsnet: connection %d closed before accept", h)
	}
	c.start()
	return nil
}

func (t *Transport) Send(h transport.ConnHandle, data []byte, flags transport.SendFlags) error {
	c, ok := t.lookup(h)
	if !ok {
		return fmt.Errorf("%w: conn %d", transport.ErrInvalidHandle, h)
	}
	if st, _ := t.State(h); st != transport.StateConnected {
		return transport.ErrNotConnected
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if !c.enqueue(outbound{data: buf}) {
		if flags == transport.SendReliable {
			return transport.ErrQueueFull
		}
		// 为了实时性，丢弃不可靠消息
		t.Printf(transport.DebugVerbose, "dropping unreliable message on conn %d: queue full", h)
	}
	return nil
}

// CloseConnection 立即使句柄失效；linger 时先写完队列中的消息再发送关闭帧
func (t *Transport) CloseConnection(h transport.ConnHandle, reason int, debug string, linger bool) error {
	if _, err := t.Remove(h); err != nil {
		return err
	}
	t.mu.Lock()
	c, ok := t.conns[h]
	delete(t.conns, h)
	t.mu.Unlock()
	if ok {
		c.shutdown(closeCode(reason), debug, linger)
	}
	return nil
}

func closeCode(reason int) int {
	if reason <= 0 {
		return websocket.CloseNormalClosure
	}
	// 4000-4999 为应用自定义关闭码
	return 4000 + reason%1000
}

// peerClosed 读协程遇到错误时上报状态
func (t *Transport) peerClosed(h transport.ConnHandle, err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		t.SetState(h, transport.StateClosedByPeer, ce.Code, ce.Text)
		return
	}
	t.SetState(h, transport.StateProblemDetectedLocally, 0, err.Error())
}
