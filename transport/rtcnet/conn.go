package rtcnet

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"posrelay/transport"
)

type rtcConn struct {
	t *Transport
	h transport.ConnHandle

	// decision 仅服务端入站连接使用：Accept 写 true，拒绝写 false
	decision chan bool

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	reliable   *webrtc.DataChannel
	unreliable *webrtc.DataChannel
	open       map[string]bool
	pending    [][]byte
	closed     bool
}

func newRTCConn(t *Transport, h transport.ConnHandle) *rtcConn {
	return &rtcConn{t: t, h: h, open: make(map[string]bool)}
}

func (c *rtcConn) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(c.t.Config)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, fmt.Errorf("rtcnet: connection %d closed", c.h)
	}
	c.pc = pc
	c.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.t.Printf(transport.DebugVerbose, "conn %d peer connection state %s", c.h, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			c.t.SetState(c.h, transport.StateProblemDetectedLocally, 0, "peer connection "+state.String())
		case webrtc.PeerConnectionStateClosed:
			c.t.SetState(c.h, transport.StateClosedByPeer, 0, "peer connection closed")
		}
	})
	return pc, nil
}

// bind 挂接数据通道的回调
func (c *rtcConn) bind(dc *webrtc.DataChannel) {
	label := dc.Label()
	c.mu.Lock()
	switch label {
	case labelReliable:
		c.reliable = dc
	case labelUnreliable:
		c.unreliable = dc
	default:
		c.mu.Unlock()
		c.t.Printf(transport.DebugWarning, "conn %d: ignoring data channel %q", c.h, label)
		return
	}
	c.mu.Unlock()

	dc.OnOpen(func() { c.opened(label) })
	dc.OnClose(func() {
		c.t.SetState(c.h, transport.StateClosedByPeer, 0, "data channel "+label+" closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.t.Deliver(c.h, msg.Data)
	})
}

// opened 两个通道都打开后刷出排队的可靠消息并进入 Connected
func (c *rtcConn) opened(label string) {
	c.mu.Lock()
	c.open[label] = true
	ready := c.open[labelReliable] && c.open[labelUnreliable]
	var pending [][]byte
	if ready {
		pending = c.pending
		c.pending = nil
	}
	dc := c.reliable
	c.mu.Unlock()
	if !ready {
		return
	}
	for _, b := range pending {
		if err := dc.Send(b); err != nil {
			c.t.Printf(transport.DebugWarning, "conn %d: flush pending message: %v", c.h, err)
		}
	}
	c.t.SetState(c.h, transport.StateConnected, 0, "")
}

// answer 服务端：应用 offer，等待 ICE 收集完成后返回 answer
func (c *rtcConn) answer(offer string) (string, error) {
	pc, err := c.newPeerConnection()
	if err != nil {
		return "", err
	}
	pc.OnDataChannel(c.bind)
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	<-gatherComplete
	return pc.LocalDescription().SDP, nil
}

// dial 客户端：建立两个数据通道并通过 HTTP 完成信令
func (c *rtcConn) dial(url string) error {
	pc, err := c.newPeerConnection()
	if err != nil {
		return err
	}
	rel, err := pc.CreateDataChannel(labelReliable, nil)
	if err != nil {
		return err
	}
	ordered := false
	maxRetransmits := uint16(0)
	unrel, err := pc.CreateDataChannel(labelUnreliable, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return err
	}
	c.bind(rel)
	c.bind(unrel)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	<-gatherComplete

	answer, err := c.t.post(url, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

func (c *rtcConn) send(data []byte, flags transport.SendFlags) error {
	c.mu.Lock()
	ready := c.open[labelReliable] && c.open[labelUnreliable]
	if !ready {
		if flags == transport.SendReliable {
			buf := make([]byte, len(data))
			copy(buf, data)
			c.pending = append(c.pending, buf)
		}
		c.mu.Unlock()
		return nil
	}
	dc := c.unreliable
	if flags == transport.SendReliable {
		dc = c.reliable
	}
	c.mu.Unlock()
	return dc.Send(data)
}

// shutdown linger 时等待可靠通道的缓冲清空（有上限）后再关闭
func (c *rtcConn) shutdown(linger bool) {
	if c.decision != nil {
		select {
		case c.decision <- false:
		default:
		}
	}
	c.mu.Lock()
	c.closed = true
	pc, rel := c.pc, c.reliable
	c.mu.Unlock()
	if pc == nil {
		return
	}
	go func() {
		if linger && rel != nil {
			deadline := time.Now().Add(lingerWait)
			for rel.BufferedAmount() > 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
		}
		if err := pc.Close(); err != nil {
			c.t.Printf(transport.DebugWarning, "conn %d: close peer connection: %v", c.h, err)
		}
	}()
}
