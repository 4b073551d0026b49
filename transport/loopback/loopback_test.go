package loopback

import (
	"errors"
	"testing"

	"posrelay/transport"
)

type pair struct {
	server, client         *Transport
	serverConn, clientConn transport.ConnHandle
}

func connect(t *testing.T, n *Network) *pair {
	t.Helper()
	p := &pair{server: n.NewTransport(), client: n.NewTransport()}
	if err := p.server.Init(); err != nil {
		t.Fatal(err)
	}
	if err := p.client.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.server.Kill)
	t.Cleanup(p.client.Kill)

	_, err := p.server.Listen(7777, transport.ObserverFunc(func(info transport.StatusChange) {
		if info.State == transport.StateConnecting {
			p.serverConn = info.Conn
			if err := p.server.Accept(info.Conn); err != nil {
				t.Errorf("Accept() error: %v", err)
			}
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	p.clientConn, err = p.client.Connect("127.0.0.1:7777", nil)
	if err != nil {
		t.Fatal(err)
	}
	p.server.RunCallbacks()
	if st, _ := p.client.State(p.clientConn); st != transport.StateConnected {
		t.Fatalf("client state = %s, want connected", st)
	}
	return p
}

func TestConnectAndExchange(t *testing.T) {
	p := connect(t, NewNetwork())

	if err := p.client.Send(p.clientConn, []byte("ping"), transport.SendReliable); err != nil {
		t.Fatal(err)
	}
	msgs, _ := p.server.ReceiveOnConnection(p.serverConn, 10)
	if len(msgs) != 1 || string(msgs[0].Data) != "ping" {
		t.Fatalf("server received %+v", msgs)
	}
	if got := p.client.Sent(p.clientConn); got != 1 {
		t.Errorf("Sent() = %d, want 1", got)
	}
	if peer, ok := p.client.Peer(p.clientConn); !ok || peer != p.serverConn {
		t.Errorf("Peer() = %d, %v; want %d", peer, ok, p.serverConn)
	}
}

func TestConnectionRefused(t *testing.T) {
	n := NewNetwork()
	tr := n.NewTransport()
	_ = tr.Init()
	defer tr.Kill()

	var states []transport.State
	h, err := tr.Connect("127.0.0.1:9", transport.ObserverFunc(func(info transport.StatusChange) {
		states = append(states, info.State)
	}))
	if err != nil {
		t.Fatal(err)
	}
	tr.RunCallbacks()
	if len(states) != 2 || states[1] != transport.StateProblemDetectedLocally {
		t.Errorf("states = %v", states)
	}
	if err := tr.Send(h, []byte("x"), transport.SendUnreliable); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestBadAddress(t *testing.T) {
	tr := NewNetwork().NewTransport()
	_ = tr.Init()
	defer tr.Kill()
	for _, addr := range []string{"nohost", "127.0.0.1:http"} {
		if _, err := tr.Connect(addr, nil); err == nil {
			t.Errorf("Connect(%q) succeeded", addr)
		}
	}
}

func TestPortInUse(t *testing.T) {
	n := NewNetwork()
	a, b := n.NewTransport(), n.NewTransport()
	_ = a.Init()
	_ = b.Init()
	defer a.Kill()
	defer b.Kill()
	if _, err := a.Listen(7777, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Listen(7777, nil); err == nil {
		t.Fatal("second Listen on same port succeeded")
	}
	a.Kill()
	if _, err := b.Listen(7777, nil); err != nil {
		t.Errorf("Listen after Kill error: %v", err)
	}
}

func TestCloseNotifiesPeer(t *testing.T) {
	p := connect(t, NewNetwork())
	if err := p.server.CloseConnection(p.serverConn, 3, "Server Shutdown", false); err != nil {
		t.Fatal(err)
	}
	st, ok := p.client.State(p.clientConn)
	if !ok || st != transport.StateClosedByPeer {
		t.Errorf("client state = %s, %v", st, ok)
	}
	if _, ok := p.server.State(p.serverConn); ok {
		t.Error("closed handle still valid")
	}
	if err := p.server.CloseConnection(p.serverConn, 0, "", false); !errors.Is(err, transport.ErrInvalidHandle) {
		t.Errorf("second CloseConnection() error = %v", err)
	}
}

func TestSever(t *testing.T) {
	p := connect(t, NewNetwork())
	p.client.Sever(p.clientConn)
	for _, side := range []struct {
		tr *Transport
		h  transport.ConnHandle
	}{{p.client, p.clientConn}, {p.server, p.serverConn}} {
		if st, _ := side.tr.State(side.h); st != transport.StateProblemDetectedLocally {
			t.Errorf("state = %s, want problem-detected-locally", st)
		}
	}
}

func TestDropOnlyAffectsUnreliable(t *testing.T) {
	n := NewNetwork()
	p := connect(t, n)
	n.SetDropProb(1)

	_ = p.client.Send(p.clientConn, []byte("u"), transport.SendUnreliable)
	_ = p.client.Send(p.clientConn, []byte("r"), transport.SendReliable)
	msgs, _ := p.server.ReceiveOnConnection(p.serverConn, 10)
	if len(msgs) != 1 || string(msgs[0].Data) != "r" {
		t.Errorf("received %+v, want only the reliable message", msgs)
	}
	if got := p.client.Sent(p.clientConn); got != 2 {
		t.Errorf("Sent() = %d, want 2", got)
	}
}
