package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"posrelay/config"
	"posrelay/metrics"
	"posrelay/protocol"
	"posrelay/transport"
)

// Client 客户端会话：连接服务端，上报自身位置，维护其他参与者的本地视图
type Client struct {
	boot    *Bootstrapper
	tr      transport.Transport
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	linger  time.Duration

	conn     transport.ConnHandle
	addr     string
	id       uint8
	assigned bool
	view     *Registry
	seen     map[uint8]uint64 // 条目最近一次刷新时的 tick
	stale    uint64
	local    protocol.Position
	ticks    uint64
	running  bool

	snap atomic.Pointer[Snapshot]
}

var _ transport.ConnectionObserver = (*Client)(nil)

func NewClient(boot *Bootstrapper, opts Options) *Client {
	c := &Client{
		boot:    boot,
		tr:      boot.Transport(),
		log:     boot.Logger(),
		metrics: opts.Metrics,
		linger:  opts.Linger,
		view:    NewRegistry(),
		seen:    make(map[uint8]uint64),
		stale:   DefaultStaleTicks,
	}
	if opts.StaleTicks > 0 {
		c.stale = uint64(opts.StaleTicks)
	}
	c.snap.Store(inactiveSnapshot)
	return c
}

// Start 初始化传输并发起连接。addr 可省略端口（使用缺省端口）或为空（本机）
func (c *Client) Start(addr string) error {
	if c.running {
		return recoverable("start client", ErrRoleActive)
	}
	port, err := c.boot.Init()
	if err != nil {
		return fatal("start client", err)
	}
	c.log = c.boot.Logger()

	c.addr, err = config.ServerAddress(addr, port)
	if err != nil {
		c.boot.Shutdown()
		return fatal("start client", err)
	}
	c.conn, err = c.tr.Connect(c.addr, c)
	if err != nil {
		c.boot.Shutdown()
		return fatal("start client", fmt.Errorf("connect to %s: %w", c.addr, err))
	}
	c.running = true
	c.log.Infof("connecting to server at %s", c.addr)
	c.publish()
	return nil
}

// Tick 处理收到的消息、派发状态通知，已分配编号且仍连接时上报自身位置
func (c *Client) Tick() error {
	if !c.running {
		return recoverable("client tick", ErrNotActive)
	}
	if err := c.boot.Err(); err != nil {
		return fatal("client tick", err)
	}
	start := time.Now()

	for c.conn != transport.InvalidConn {
		msgs, err := c.tr.ReceiveOnConnection(c.conn, 1)
		if err != nil {
			return fatal("client tick", fmt.Errorf("receive on conn %d: %w", c.conn, err))
		}
		if len(msgs) == 0 {
			break
		}
		c.handle(msgs[0])
	}
	c.expire()

	c.tr.RunCallbacks()

	var sendErr error
	if c.conn != transport.InvalidConn && c.assigned {
		rec := protocol.Record{ID: c.id, Position: c.local}
		if err := c.tr.Send(c.conn, protocol.MarshalPosition(rec), transport.SendUnreliable); err != nil {
			c.metrics.IncSendError()
			sendErr = recoverable("client send position", err)
		} else {
			c.metrics.IncSent()
		}
	}

	c.ticks++
	c.publish()
	c.metrics.AddTick(time.Since(start), c.connectedCount(), c.view.Len())
	return sendErr
}

func (c *Client) handle(msg transport.Message) {
	c.metrics.IncReceived()
	m, err := protocol.Parse(msg.Data)
	if err != nil {
		c.metrics.IncBadMessage()
		c.log.Debugf("dropping message from server: %v", err)
		return
	}
	switch m.Type {
	case protocol.MsgAssignID:
		if c.assigned && c.id != m.ID {
			c.log.Warnf("server reassigned client id %d -> %d", c.id, m.ID)
		}
		c.id = m.ID
		c.assigned = true
		c.log.Infof("assigned client id %d", m.ID)
	case protocol.MsgPosition:
		c.view.Upsert(m.Record)
		c.seen[m.ID] = c.ticks
	case protocol.MsgRemove:
		c.view.Remove(m.ID)
		delete(c.seen, m.ID)
	}
}

// expire 丢弃长时间没有刷新的条目。不可靠通道上迟到的位置可能在 Remove 之后
// 把已离开的参与者重新写回视图，服务端不会再为它发 Remove
func (c *Client) expire() {
	for id, last := range c.seen {
		if c.ticks-last <= c.stale {
			continue
		}
		c.view.Remove(id)
		delete(c.seen, id)
		c.log.Debugf("dropping stale entry %d, last refreshed at tick %d", id, last)
	}
}

// Close 以 "Closing Connection" 关闭连接，等待 linger 后销毁传输
func (c *Client) Close() error {
	if !c.running {
		return nil
	}
	var err error
	if c.conn != transport.InvalidConn {
		err = c.tr.CloseConnection(c.conn, 0, "Closing Connection", false)
		c.conn = transport.InvalidConn
	}
	if c.linger > 0 {
		time.Sleep(c.linger)
	}
	c.boot.Shutdown()
	c.running = false
	c.assigned = false
	c.view.Clear()
	clear(c.seen)
	c.snap.Store(inactiveSnapshot)
	c.log.Info("client closed")
	if err != nil {
		return recoverable("close client", err)
	}
	return nil
}

func (c *Client) SetLocalPosition(x, y int32) {
	c.local = protocol.Position{X: x, Y: y}
}

// Count 本地视图中的参与者数
func (c *Client) Count() int { return c.view.Len() }

func (c *Client) Position(id int) protocol.Position { return c.view.Position(id) }

// LocalID 服务端分配的编号，尚未分配时为 -1
func (c *Client) LocalID() int {
	if !c.assigned {
		return -1
	}
	return int(c.id)
}

// Connected 连接句柄仍然有效
func (c *Client) Connected() bool { return c.conn != transport.InvalidConn }

func (c *Client) Snapshot() *Snapshot { return c.snap.Load() }

func (c *Client) connectedCount() int {
	if c.Connected() {
		return 1
	}
	return 0
}

func (c *Client) publish() {
	var clients []ClientInfo
	if c.Connected() {
		clients = []ClientInfo{{Conn: uint32(c.conn), ID: c.id, Address: c.addr}}
	}
	c.snap.Store(&Snapshot{
		Status:    ClientActive,
		Instance:  c.boot.Instance(),
		LocalID:   c.LocalID(),
		Ticks:     c.ticks,
		Clients:   clients,
		Positions: c.view.Records(),
		UpdatedAt: time.Now(),
	})
}
