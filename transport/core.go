package transport

import (
	"fmt"
	"sync"
)

type connEntry struct {
	listen   ListenHandle
	observer ConnectionObserver
	state    State
	group    PollGroup
	inbox    []Message
	desc     string
}

type pendingCallback struct {
	observer ConnectionObserver
	info     StatusChange
}

// Core 各传输实现共用的句柄表：连接状态、轮询组队列与待派发的状态通知。
// 网络 I/O 协程通过 SetState/Deliver 写入，会话线程通过 Receive*/RunCallbacks 取出
type Core struct {
	DebugSink

	mu          sync.Mutex
	initialized bool
	next        uint32
	conns       map[ConnHandle]*connEntry
	listens     map[ListenHandle]ConnectionObserver
	groups      map[PollGroup][]Message
	pending     []pendingCallback
}

// Open 初始化句柄表
func (c *Core) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	c.conns = make(map[ConnHandle]*connEntry)
	c.listens = make(map[ListenHandle]ConnectionObserver)
	c.groups = make(map[PollGroup][]Message)
	c.pending = nil
}

// Reset 丢弃全部句柄与未派发通知
func (c *Core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	c.conns = nil
	c.listens = nil
	c.groups = nil
	c.pending = nil
}

func (c *Core) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Core) alloc() uint32 {
	c.next++
	if c.next == 0 {
		c.next++
	}
	return c.next
}

func (c *Core) AddListen(observer ConnectionObserver) (ListenHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return InvalidListen, ErrNotInitialized
	}
	h := ListenHandle(c.alloc())
	c.listens[h] = observer
	return h, nil
}

// ListenObserver 返回监听端点的观察者
func (c *Core) ListenObserver(h ListenHandle) (ConnectionObserver, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs, ok := c.listens[h]
	return obs, ok
}

func (c *Core) RemoveListen(h ListenHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.listens[h]; !ok {
		return fmt.Errorf("%w: listen %d", ErrInvalidHandle, h)
	}
	delete(c.listens, h)
	return nil
}

func (c *Core) CreatePollGroup() (PollGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return InvalidPollGroup, ErrNotInitialized
	}
	pg := PollGroup(c.alloc())
	c.groups[pg] = nil
	return pg, nil
}

// DestroyPollGroup 销毁轮询组，组内连接回到“未分组”，排队消息被丢弃
func (c *Core) DestroyPollGroup(pg PollGroup) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[pg]; !ok {
		return fmt.Errorf("%w: poll group %d", ErrInvalidHandle, pg)
	}
	delete(c.groups, pg)
	for _, e := range c.conns {
		if e.group == pg {
			e.group = InvalidPollGroup
		}
	}
	return nil
}

// NewConn 登记一个新连接（初始状态 None）。入站连接传入所属监听端点，观察者取自该端点
func (c *Core) NewConn(listen ListenHandle, observer ConnectionObserver, desc string) (ConnHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return InvalidConn, ErrNotInitialized
	}
	if listen != InvalidListen {
		obs, ok := c.listens[listen]
		if !ok {
			return InvalidConn, fmt.Errorf("%w: listen %d", ErrInvalidHandle, listen)
		}
		observer = obs
	}
	h := ConnHandle(c.alloc())
	c.conns[h] = &connEntry{listen: listen, observer: observer, state: StateNone, desc: desc}
	return h, nil
}

// SetState 改变连接状态并排队一条通知。未知连接、状态未变或已处于终止状态时返回 false
func (c *Core) SetState(h ConnHandle, state State, reason int, debug string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.conns[h]
	if !ok || e.state == state || isTerminal(e.state) {
		return false
	}
	old := e.state
	e.state = state
	c.pending = append(c.pending, pendingCallback{
		observer: e.observer,
		info: StatusChange{
			Conn:        h,
			Listen:      e.listen,
			OldState:    old,
			State:       state,
			Description: e.desc,
			EndReason:   reason,
			EndDebug:    debug,
		},
	})
	return true
}

func isTerminal(s State) bool {
	return s == StateClosedByPeer || s == StateProblemDetectedLocally
}

func (c *Core) State(h ConnHandle) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.conns[h]
	if !ok {
		return StateNone, false
	}
	return e.state, true
}

// SetPollGroup 将连接划入轮询组，已排队的消息一并转入组队列
func (c *Core) SetPollGroup(h ConnHandle, pg PollGroup) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.conns[h]
	if !ok {
		return fmt.Errorf("%w: conn %d", ErrInvalidHandle, h)
	}
	if _, ok := c.groups[pg]; !ok {
		return fmt.Errorf("%w: poll group %d", ErrInvalidHandle, pg)
	}
	e.group = pg
	c.groups[pg] = append(c.groups[pg], e.inbox...)
	e.inbox = nil
	return nil
}

// Deliver 投递一条收到的消息；连接已移除时丢弃
func (c *Core) Deliver(h ConnHandle, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.conns[h]
	if !ok {
		return false
	}
	msg := Message{Conn: h, Data: data}
	if e.group != InvalidPollGroup {
		c.groups[e.group] = append(c.groups[e.group], msg)
	} else {
		e.inbox = append(e.inbox, msg)
	}
	return true
}

// Remove 使句柄失效并丢弃其排队消息。
// 已被对端关闭或本地检测到问题的连接在销毁时会收到一条 None 通知
func (c *Core) Remove(h ConnHandle) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.conns[h]
	if !ok {
		return StateNone, fmt.Errorf("%w: conn %d", ErrInvalidHandle, h)
	}
	delete(c.conns, h)
	if e.group != InvalidPollGroup {
		q := c.groups[e.group]
		kept := q[:0]
		for _, m := range q {
			if m.Conn != h {
				kept = append(kept, m)
			}
		}
		c.groups[e.group] = kept
	}
	if isTerminal(e.state) {
		c.pending = append(c.pending, pendingCallback{
			observer: e.observer,
			info:     StatusChange{Conn: h, Listen: e.listen, OldState: e.state, State: StateNone, Description: e.desc},
		})
	}
	return e.state, nil
}

// Conns 返回当前全部连接句柄
func (c *Core) Conns() []ConnHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConnHandle, 0, len(c.conns))
	for h := range c.conns {
		out = append(out, h)
	}
	return out
}

func (c *Core) ReceiveOnPollGroup(pg PollGroup, limit int) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	q, ok := c.groups[pg]
	if !ok {
		return nil, fmt.Errorf("%w: poll group %d", ErrInvalidHandle, pg)
	}
	n := max(0, min(limit, len(q)))
	out := make([]Message, n)
	copy(out, q[:n])
	c.groups[pg] = q[n:]
	return out, nil
}

// ReceiveOnConnection 只取未分组连接的消息；已分组的连接请使用 ReceiveOnPollGroup
func (c *Core) ReceiveOnConnection(h ConnHandle, limit int) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	e, ok := c.conns[h]
	if !ok {
		return nil, fmt.Errorf("%w: conn %d", ErrInvalidHandle, h)
	}
	n := max(0, min(limit, len(e.inbox)))
	out := make([]Message, n)
	copy(out, e.inbox[:n])
	e.inbox = e.inbox[n:]
	return out, nil
}

// RunCallbacks 在调用方线程上按到达顺序派发通知。派发时不持锁，观察者可以回调传输接口
func (c *Core) RunCallbacks() {
	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, cb := range batch {
			if cb.observer != nil {
				cb.observer.OnConnectionStatusChanged(cb.info)
			}
		}
	}
}
