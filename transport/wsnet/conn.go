package wsnet

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"posrelay/transport"
)

type outbound struct {
	data    []byte
	close   bool
	code    int
	message string
}

// wsConn 单条 websocket 连接：读协程投递消息，写协程串行写出发送队列
type wsConn struct {
	t *Transport
	h transport.ConnHandle

	mu      sync.Mutex
	ws      *websocket.Conn
	closed  bool
	started bool

	send chan outbound
	done chan struct{}
	once sync.Once
}

func newWSConn(t *Transport, h transport.ConnHandle) *wsConn {
	return &wsConn{
		t:    t,
		h:    h,
		send: make(chan outbound, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) socket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// attach 拨号成功后挂上底层连接；连接已关闭时返回 false
func (c *wsConn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = ws
	return true
}

func (c *wsConn) start() {
	c.mu.Lock()
	if c.started || c.closed || c.ws == nil {
		c.mu.Unlock()
		return
	}
	c.started = true
	ws := c.ws
	c.mu.Unlock()

	go c.writePump(ws)
	go c.readPump(ws)
}

// enqueue 非阻塞入队，满则返回 false
func (c *wsConn) enqueue(m outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *wsConn) shutdown(code int, message string, linger bool) {
	c.mu.Lock()
	c.closed = true
	ws, started := c.ws, c.started
	c.mu.Unlock()

	if ws == nil {
		c.stop()
		return
	}
	if linger && started && c.enqueue(outbound{close: true, code: code, message: message}) {
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), time.Now().Add(writeWait))
	c.stop()
	_ = ws.Close()
}

func (c *wsConn) stop() {
	c.once.Do(func() { close(c.done) })
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *wsConn) writePump(ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if msg.close {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(msg.code, msg.message))
				c.stop()
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, msg.data); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump 读取对端消息并投递到句柄表，退出时上报连接状态
func (c *wsConn) readPump(ws *websocket.Conn) {
	defer c.stop()
	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		kind, payload, err := ws.ReadMessage()
		if err != nil {
			c.t.peerClosed(c.h, err)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		c.t.Deliver(c.h, payload)
	}
}
