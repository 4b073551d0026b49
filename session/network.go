package session

import (
	"sync/atomic"

	"posrelay/protocol"
)

// role 服务端或客户端会话的公共部分
type role interface {
	Tick() error
	Close() error
	SetLocalPosition(x, y int32)
	Count() int
	Position(id int) protocol.Position
	LocalID() int
	Snapshot() *Snapshot
}

// Network 同一时刻最多持有一个活动角色。
// 除 Status 和 Snapshot 外，所有方法都应在同一个驱动协程上调用
type Network struct {
	boot *Bootstrapper
	opts Options

	status atomic.Int32
	role   role
	server *Server
	client *Client
	snap   atomic.Pointer[Snapshot]
}

func NewNetwork(boot *Bootstrapper, opts Options) *Network {
	n := &Network{boot: boot, opts: opts}
	n.snap.Store(inactiveSnapshot)
	return n
}

// StartServer 启动服务端角色；port 为 0 时使用缺省端口
func (n *Network) StartServer(port int) error {
	if !n.status.CompareAndSwap(int32(Inactive), int32(ServerStarting)) {
		return recoverable("start server", ErrRoleActive)
	}
	s := NewServer(n.boot, n.opts)
	if err := s.Start(port); err != nil {
		n.status.Store(int32(Inactive))
		return err
	}
	n.server, n.role = s, s
	n.status.Store(int32(ServerActive))
	n.snap.Store(s.Snapshot())
	return nil
}

// StartClient 启动客户端角色并连接 addr
func (n *Network) StartClient(addr string) error {
	if !n.status.CompareAndSwap(int32(Inactive), int32(ClientStarting)) {
		return recoverable("start client", ErrRoleActive)
	}
	c := NewClient(n.boot, n.opts)
	if err := c.Start(addr); err != nil {
		n.status.Store(int32(Inactive))
		return err
	}
	n.client, n.role = c, c
	n.status.Store(int32(ClientActive))
	n.snap.Store(c.Snapshot())
	return nil
}

// Update 推进活动角色一个 Tick；未启动时什么也不做
func (n *Network) Update() error {
	if n.role == nil {
		return nil
	}
	err := n.role.Tick()
	n.snap.Store(n.role.Snapshot())
	return err
}

// Close 关闭活动角色并回到 Inactive
func (n *Network) Close() error {
	if n.role == nil {
		return nil
	}
	err := n.role.Close()
	n.role, n.server, n.client = nil, nil, nil
	n.status.Store(int32(Inactive))
	n.snap.Store(inactiveSnapshot)
	return err
}

func (n *Network) Status() Status { return Status(n.status.Load()) }

// ClientCount 服务端为注册表条目数（含自身），客户端为本地视图条目数
func (n *Network) ClientCount() int {
	if n.role == nil {
		return 0
	}
	return n.role.Count()
}

// ClientPosition 未知、越界或大于 ClientCount 的编号返回 (0, 0)
func (n *Network) ClientPosition(id int) (x, y int32) {
	if n.role == nil {
		return 0, 0
	}
	p := n.role.Position(id)
	return p.X, p.Y
}

// LocalID 服务端为 0，客户端为分配到的编号，未分配或未启动时为 -1
func (n *Network) LocalID() int {
	if n.role == nil {
		return -1
	}
	return n.role.LocalID()
}

func (n *Network) SetLocalPosition(x, y int32) {
	if n.role != nil {
		n.role.SetLocalPosition(x, y)
	}
}

// Server 当前的服务端会话，非服务端角色时为 nil
func (n *Network) Server() *Server { return n.server }

// Client 当前的客户端会话，非客户端角色时为 nil
func (n *Network) Client() *Client { return n.client }

// Snapshot 可在任意协程调用
func (n *Network) Snapshot() *Snapshot {
	return n.snap.Load()
}
