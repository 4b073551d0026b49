// Package transport 定义会话层所依赖的数据报传输契约：
// 监听/接入模型、轮询组批量接收、可靠与不可靠发送，以及通过 RunCallbacks
// 在调用方线程上按到达顺序派发的连接状态通知。
package transport

import (
	"errors"
	"fmt"
)

// ConnHandle 传输层连接句柄，0 表示无效
type ConnHandle uint32

// ListenHandle 监听端点句柄
type ListenHandle uint32

// PollGroup 轮询组句柄
type PollGroup uint32

const (
	InvalidConn      ConnHandle   = 0
	InvalidListen    ListenHandle = 0
	InvalidPollGroup PollGroup    = 0
)

var (
	ErrNotInitialized = errors.New("transport: not initialized")
	ErrInvalidHandle  = errors.New("transport: invalid handle")
	ErrNotConnected   = errors.New("transport: connection not established")
	ErrQueueFull      = errors.New("transport: send queue full")
)

// State 传输层上报的单个连接状态
type State int

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateClosedByPeer
	StateProblemDetectedLocally
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosedByPeer:
		return "closed-by-peer"
	case StateProblemDetectedLocally:
		return "problem-detected-locally"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StatusChange 一次连接状态变化通知
type StatusChange struct {
	Conn        ConnHandle
	Listen      ListenHandle // 入站连接所属的监听端点，出站为 InvalidListen
	OldState    State
	State       State
	Description string // 连接描述（对端地址等）
	EndReason   int
	EndDebug    string
}

// ConnectionObserver 接收状态变化通知；只会在 RunCallbacks 内被调用
type ConnectionObserver interface {
	OnConnectionStatusChanged(info StatusChange)
}

// ObserverFunc 让普通函数满足 ConnectionObserver
type ObserverFunc func(info StatusChange)

func (f ObserverFunc) OnConnectionStatusChanged(info StatusChange) { f(info) }

// SendFlags 发送方式
type SendFlags int

const (
	SendUnreliable SendFlags = iota
	SendReliable
)

func (f SendFlags) String() string {
	if f == SendReliable {
		return "reliable"
	}
	return "unreliable"
}

// Message 收到的一条消息
type Message struct {
	Conn ConnHandle
	Data []byte
}

// Transport 会话层使用的底层传输接口。除 Init/Kill 外所有方法都不阻塞
type Transport interface {
	Init() error
	Kill()
	SetDebugOutput(level DebugLevel, fn DebugOutputFunc)

	Listen(port int, observer ConnectionObserver) (ListenHandle, error)
	CloseListen(h ListenHandle) error
	CreatePollGroup() (PollGroup, error)
	DestroyPollGroup(pg PollGroup) error

	Connect(addr string, observer ConnectionObserver) (ConnHandle, error)
	Accept(conn ConnHandle) error
	SetPollGroup(conn ConnHandle, pg PollGroup) error
	// CloseConnection 关闭连接并使句柄失效；linger 为 true 时先尝试发送完已排队的可靠数据
	CloseConnection(conn ConnHandle, reason int, debug string, linger bool) error

	Send(conn ConnHandle, data []byte, flags SendFlags) error
	// ReceiveOnPollGroup 最多取出 limit 条消息；没有消息时返回空切片
	ReceiveOnPollGroup(pg PollGroup, limit int) ([]Message, error)
	ReceiveOnConnection(conn ConnHandle, limit int) ([]Message, error)

	// RunCallbacks 派发所有排队的状态变化通知
	RunCallbacks()
}
