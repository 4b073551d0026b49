package session

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"posrelay/metrics"
	"posrelay/protocol"
	"posrelay/transport"
)

var errNoFreeID = errors.New("no free client id")

// Options 会话公共选项
type Options struct {
	Metrics *metrics.Metrics
	// Linger 关闭连接后、销毁传输前的等待时间，让关闭通知有机会发出
	Linger time.Duration
	// StaleTicks 客户端视图中连续多少个 Tick 未刷新的条目被丢弃，0 取 DefaultStaleTicks
	StaleTicks int
}

// DefaultStaleTicks 20 TPS 下约两秒
const DefaultStaleTicks = 40

// remoteClient 服务端连接列表中的一项
type remoteClient struct {
	conn transport.ConnHandle
	id   uint8
	desc string
}

// Server 权威服务端：接入连接、汇总位置并在每个 Tick 向所有客户端广播
type Server struct {
	boot    *Bootstrapper
	tr      transport.Transport
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	linger  time.Duration

	listen   transport.ListenHandle
	group    transport.PollGroup
	clients  []remoteClient
	registry *Registry
	local    protocol.Position
	ticks    uint64
	running  bool

	snap atomic.Pointer[Snapshot]
}

var _ transport.ConnectionObserver = (*Server)(nil)

func NewServer(boot *Bootstrapper, opts Options) *Server {
	s := &Server{
		boot:     boot,
		tr:       boot.Transport(),
		log:      boot.Logger(),
		metrics:  opts.Metrics,
		linger:   opts.Linger,
		registry: NewRegistry(),
	}
	s.snap.Store(inactiveSnapshot)
	return s
}

// Start 初始化传输并开始监听；port 为 0 时使用 Bootstrapper 的缺省端口。
// 失败时已创建的资源被释放，返回致命错误
func (s *Server) Start(port int) error {
	if s.running {
		return recoverable("start server", ErrRoleActive)
	}
	defPort, err := s.boot.Init()
	if err != nil {
		return fatal("start server", err)
	}
	s.log = s.boot.Logger()
	if port == 0 {
		port = defPort
	}

	s.listen, err = s.tr.Listen(port, s)
	if err != nil {
		s.boot.Shutdown()
		return fatal("start server", fmt.Errorf("listen on port %d: %w", port, err))
	}
	s.group, err = s.tr.CreatePollGroup()
	if err != nil {
		_ = s.tr.CloseListen(s.listen)
		s.listen = transport.InvalidListen
		s.boot.Shutdown()
		return fatal("start server", fmt.Errorf("create poll group: %w", err))
	}
	s.running = true
	s.log.Infof("server listening on port %d", port)
	s.publish()
	return nil
}

// Tick 处理收到的全部消息，写入自身位置，广播注册表，再派发连接状态通知。
// 发送失败合并为一个可恢复错误返回
func (s *Server) Tick() error {
	if !s.running {
		return recoverable("server tick", ErrNotActive)
	}
	if err := s.boot.Err(); err != nil {
		return fatal("server tick", err)
	}
	start := time.Now()

	for {
		msgs, err := s.tr.ReceiveOnPollGroup(s.group, 1)
		if err != nil {
			return fatal("server tick", fmt.Errorf("receive on poll group: %w", err))
		}
		if len(msgs) == 0 {
			break
		}
		s.handle(msgs[0])
	}

	s.registry.Upsert(protocol.Record{ID: protocol.ServerID, Position: s.local})
	sendErr := s.broadcast()

	s.tr.RunCallbacks()

	s.ticks++
	s.publish()
	s.metrics.AddTick(time.Since(start), len(s.clients), s.registry.Len())
	if sendErr != nil {
		return recoverable("server broadcast", sendErr)
	}
	return nil
}

func (s *Server) handle(msg transport.Message) {
	s.metrics.IncReceived()
	m, err := protocol.Parse(msg.Data)
	if err != nil {
		s.metrics.IncBadMessage()
		s.log.Debugf("dropping message from conn %d: %v", msg.Conn, err)
		return
	}
	if m.Type != protocol.MsgPosition {
		s.metrics.IncBadMessage()
		s.log.Debugf("unexpected %s message from conn %d", m.Type, msg.Conn)
		return
	}
	s.registry.Upsert(m.Record)
}

// broadcast 向每个客户端发送注册表中的每一条记录（不可靠）。
// 某个客户端发送失败后跳过它剩余的记录
func (s *Server) broadcast() error {
	records := s.registry.Records()
	payloads := make([][]byte, len(records))
	for i, rec := range records {
		payloads[i] = protocol.MarshalPosition(rec)
	}

	var errs error
	for _, c := range s.clients {
		for _, p := range payloads {
			if err := s.tr.Send(c.conn, p, transport.SendUnreliable); err != nil {
				s.metrics.IncSendError()
				s.log.Warnf("send position to client %d (conn %d) failed: %v", c.id, c.conn, err)
				errs = multierr.Append(errs, fmt.Errorf("conn %d: %w", c.conn, err))
				break
			}
			s.metrics.IncSent()
		}
	}
	return errs
}

// Close 关闭所有客户端连接、轮询组与监听端点，等待 linger 后销毁传输
func (s *Server) Close() error {
	if !s.running {
		return nil
	}
	var errs error
	for _, c := range s.clients {
		errs = multierr.Append(errs, s.tr.CloseConnection(c.conn, 0, "Server Shutdown", false))
	}
	s.clients = nil
	errs = multierr.Append(errs, s.tr.DestroyPollGroup(s.group))
	errs = multierr.Append(errs, s.tr.CloseListen(s.listen))
	s.group = transport.InvalidPollGroup
	s.listen = transport.InvalidListen
	s.registry.Clear()

	if s.linger > 0 {
		time.Sleep(s.linger)
	}
	s.boot.Shutdown()
	s.running = false
	s.snap.Store(inactiveSnapshot)
	s.log.Info("server closed")
	if errs != nil {
		return recoverable("close server", errs)
	}
	return nil
}

// SetLocalPosition 设置服务端自身位置，下一次 Tick 写入条目 0
func (s *Server) SetLocalPosition(x, y int32) {
	s.local = protocol.Position{X: x, Y: y}
}

// Count 注册表条目数（含服务端自身）
func (s *Server) Count() int { return s.registry.Len() }

func (s *Server) Position(id int) protocol.Position { return s.registry.Position(id) }

func (s *Server) LocalID() int { return int(protocol.ServerID) }

func (s *Server) Registry() *Registry { return s.registry }

// Connections 当前连接列表中的句柄，按接入顺序
func (s *Server) Connections() []transport.ConnHandle {
	out := make([]transport.ConnHandle, len(s.clients))
	for i, c := range s.clients {
		out[i] = c.conn
	}
	return out
}

func (s *Server) Snapshot() *Snapshot { return s.snap.Load() }

func (s *Server) publish() {
	clients := make([]ClientInfo, len(s.clients))
	for i, c := range s.clients {
		clients[i] = ClientInfo{Conn: uint32(c.conn), ID: c.id, Address: c.desc}
	}
	s.snap.Store(&Snapshot{
		Status:    ServerActive,
		Instance:  s.boot.Instance(),
		LocalID:   int(protocol.ServerID),
		Ticks:     s.ticks,
		Clients:   clients,
		Positions: s.registry.Records(),
		UpdatedAt: time.Now(),
	})
}

func (s *Server) indexOf(conn transport.ConnHandle) int {
	for i, c := range s.clients {
		if c.conn == conn {
			return i
		}
	}
	return -1
}

// nextID 从 len(clients)+1 开始取第一个未被占用的编号，到 255 后回绕到 1
func (s *Server) nextID() (uint8, bool) {
	taken := make(map[int]bool, len(s.clients))
	for _, c := range s.clients {
		taken[int(c.id)] = true
	}
	start := len(s.clients) + 1
	for id := start; id <= protocol.MaxID; id++ {
		if !taken[id] {
			return uint8(id), true
		}
	}
	for id := 1; id < start && id <= protocol.MaxID; id++ {
		if !taken[id] {
			return uint8(id), true
		}
	}
	return 0, false
}
