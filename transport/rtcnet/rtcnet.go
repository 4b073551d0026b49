// Package rtcnet 基于 pion/webrtc 数据通道的传输实现。
// 每条连接有两个数据通道："reliable"（有序、可靠）与 "unreliable"
// （无序、零重传）。信令为一次 HTTP POST：客户端提交 SDP offer，服务端在
// 会话线程 Accept 之后返回 answer，拒绝时返回 403。
package rtcnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"posrelay/transport"
)

const (
	DefaultPath = "/connect"

	labelReliable   = "reliable"
	labelUnreliable = "unreliable"

	acceptTimeout = 10 * time.Second
	lingerWait    = 200 * time.Millisecond
	maxOfferSize  = 64 << 10
)

// Transport WebRTC 传输；零值不可用，请使用 New
type Transport struct {
	transport.Core

	Path   string
	Config webrtc.Configuration
	Client *http.Client

	mu      sync.Mutex
	conns   map[transport.ConnHandle]*rtcConn
	servers map[transport.ListenHandle]*http.Server
}

var _ transport.Transport = (*Transport)(nil)

// New 创建传输，iceServers 为空时只使用本机候选地址
func New(iceServers []string) *Transport {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Transport{
		Path:   DefaultPath,
		Config: cfg,
		Client: &http.Client{Timeout: acceptTimeout + 5*time.Second},
	}
}

func (t *Transport) Init() error {
	t.Open()
	t.mu.Lock()
	t.conns = make(map[transport.ConnHandle]*rtcConn)
	t.servers = make(map[transport.ListenHandle]*http.Server)
	t.mu.Unlock()
	t.Printf(transport.DebugMsg, "webrtc transport initialized")
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

func (t *Transport) Listen(port int, observer transport.ConnectionObserver) (transport.ListenHandle, error) {
	h, err := t.AddListen(observer)
	if err != nil {
		return transport.InvalidListen, err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		_ = t.RemoveListen(h)
		return transport.InvalidListen, fmt.Errorf("rtcnet: listen on port %d: %w", port, err)
	}
	mux := http.NewServeMux()
	mux.Handle(t.Path, t.Handler(h))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	t.mu.Lock()
	t.servers[h] = srv
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Printf(transport.DebugError, "signaling server on port %d stopped: %v", port, err)
		}
	}()
	t.Printf(transport.DebugMsg, "webrtc signaling on %s%s", ln.Addr(), t.Path)
	return h, nil
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

// Handler 信令处理器：读取 offer，登记 Connecting 连接，等待会话线程决定是否接受
func (t *Transport) Handler(listen transport.ListenHandle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, ok := t.ListenObserver(listen); !ok {
			http.Error(w, "not listening", http.StatusServiceUnavailable)
			return
		}
		offer, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
		if err != nil {
			http.Error(w, "bad offer", http.StatusBadRequest)
			return
		}
		h, err := t.NewConn(listen, nil, "rtc "+r.RemoteAddr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		c := newRTCConn(t, h)
		c.decision = make(chan bool, 1)
		if !t.track(c) {
			_, _ = t.Remove(h)
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		t.SetState(h, transport.StateConnecting, 0, "")

		var accepted bool
		select {
		case accepted = <-c.decision:
		case <-r.Context().Done():
		case <-time.After(acceptTimeout):
		}
		if !accepted {
			t.SetState(h, transport.StateProblemDetectedLocally, 0, "not accepted")
			http.Error(w, "connection rejected", http.StatusForbidden)
			return
		}
		answer, err := c.answer(string(offer))
		if err != nil {
			t.Printf(transport.DebugWarning, "answer for %s failed: %v", r.RemoteAddr, err)
			t.SetState(h, transport.StateProblemDetectedLocally, 0, err.Error())
			http.Error(w, "negotiation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(answer))
	})
}

func (t *Transport) track(c *rtcConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		return false
	}
	t.conns[c.h] = c
	return true
}

func (t *Transport) lookup(h transport.ConnHandle) (*rtcConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[h]
	return c, ok
}

// Connect 在后台完成 offer/answer 交换，数据通道全部打开后进入 Connected
func (t *Transport) Connect(addr string, observer transport.ConnectionObserver) (transport.ConnHandle, error) {
	h, err := t.NewConn(transport.InvalidListen, observer, "rtc "+addr)
	if err != nil {
		return transport.InvalidConn, err
	}
	c := newRTCConn(t, h)
	if !t.track(c) {
		_, _ = t.Remove(h)
		return transport.InvalidConn, transport.ErrNotInitialized
	}
	t.SetState(h, transport.StateConnecting, 0, "")
	go func() {
		if err := c.dial("http://" + addr + t.Path); err != nil {
			t.Printf(transport.DebugMsg, "connect to %s failed: %v", addr, err)
			t.SetState(h, transport.StateProblemDetectedLocally, 0, err.Error())
		}
	}()
	return h, nil
}

func (t *Transport) Accept(h transport.ConnHandle) error {
	c, ok := t.lookup(h)
	if !ok {
		return fmt.Errorf("%w: conn %d", transport.ErrInvalidHandle, h)
	}
	if st, _ := t.State(h); st != transport.StateConnecting || c.decision == nil {
		return fmt.Errorf("rtcnet: cannot accept connection in state %s", st)
	}
	select {
	case c.decision <- true:
		return nil
	default:
		return fmt.Errorf("rtcnet: connection %d already decided", h)
	}
}

// Send 数据通道打开之前，可靠消息排队等待，不可靠消息直接丢弃
func (t *Transport) Send(h transport.ConnHandle, data []byte, flags transport.SendFlags) error {
	c, ok := t.lookup(h)
	if !ok {
		return fmt.Errorf("%w: conn %d", transport.ErrInvalidHandle, h)
	}
	st, _ := t.State(h)
	if st != transport.StateConnected && st != transport.StateConnecting {
		return transport.ErrNotConnected
	}
	return c.send(data, flags)
}

func (t *Transport) CloseConnection(h transport.ConnHandle, reason int, debug string, linger bool) error {
	if _, err := t.Remove(h); err != nil {
		return err
	}
	t.mu.Lock()
	c, ok := t.conns[h]
	delete(t.conns, h)
	t.mu.Unlock()
	if ok {
		c.shutdown(linger)
	}
	return nil
}

// post 发送 offer 并返回 answer
func (t *Transport) post(url, offer string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	res, err := t.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxOfferSize))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rtcnet: signaling rejected: %s", res.Status)
	}
	return string(body), nil
}
