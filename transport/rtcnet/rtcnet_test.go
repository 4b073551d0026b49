package rtcnet

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"posrelay/transport"
)

func newListening(t *testing.T, obs transport.ConnectionObserver) (*Transport, *httptest.Server) {
	t.Helper()
	tr := New(nil)
	if err := tr.Init(); err != nil {
		t.Fatal(err)
	}
	listen, err := tr.AddListen(obs)
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(tr.Handler(listen))
	t.Cleanup(func() {
		hs.Close()
		tr.Kill()
	})
	return tr, hs
}

// pump 反复派发通知，直到 cond 成立或超时
func pump(t *testing.T, cond func() bool, trs ...*Transport) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, tr := range trs {
			tr.RunCallbacks()
		}
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestDataChannelRoundTrip(t *testing.T) {
	var server *Transport
	var serverConn transport.ConnHandle
	var serverStates []transport.State
	server, hs := newListening(t, transport.ObserverFunc(func(info transport.StatusChange) {
		serverStates = append(serverStates, info.State)
		if info.State != transport.StateConnecting {
			return
		}
		serverConn = info.Conn
		if err := server.Accept(info.Conn); err != nil {
			t.Errorf("Accept() error: %v", err)
		}
		// 通道尚未打开：可靠消息排队，不可靠消息丢弃
		if err := server.Send(info.Conn, []byte{0x02, 1}, transport.SendReliable); err != nil {
			t.Errorf("Send(reliable) error: %v", err)
		}
		if err := server.Send(info.Conn, []byte("lost"), transport.SendUnreliable); err != nil {
			t.Errorf("Send(unreliable) error: %v", err)
		}
	}))

	client := New(nil)
	if err := client.Init(); err != nil {
		t.Fatal(err)
	}
	defer client.Kill()
	var clientStates []transport.State
	conn, err := client.Connect(strings.TrimPrefix(hs.URL, "http://"), transport.ObserverFunc(func(info transport.StatusChange) {
		clientStates = append(clientStates, info.State)
	}))
	if err != nil {
		t.Fatal(err)
	}

	pump(t, func() bool {
		cs, _ := client.State(conn)
		ss, _ := server.State(serverConn)
		return serverConn != transport.InvalidConn && cs == transport.StateConnected && ss == transport.StateConnected
	}, server, client)

	var got []transport.Message
	pump(t, func() bool {
		msgs, _ := client.ReceiveOnConnection(conn, 10)
		got = append(got, msgs...)
		return len(got) > 0
	}, client)
	if len(got) != 1 || string(got[0].Data) != "\x02\x01" {
		t.Errorf("client received %+v, want only the queued reliable message", got)
	}

	if err := client.Send(conn, []byte{0x01, 9}, transport.SendReliable); err != nil {
		t.Fatal(err)
	}
	got = nil
	pump(t, func() bool {
		msgs, _ := server.ReceiveOnConnection(serverConn, 10)
		got = append(got, msgs...)
		return len(got) > 0
	}, server)
	if string(got[0].Data) != "\x01\x09" {
		t.Errorf("server received %q", got[0].Data)
	}

	want := []transport.State{transport.StateConnecting, transport.StateConnected}
	for _, states := range [][]transport.State{clientStates, serverStates} {
		if len(states) < 2 || states[0] != want[0] || states[1] != want[1] {
			t.Errorf("states = %v, want prefix %v", states, want)
		}
	}
}

func TestSignalingRejected(t *testing.T) {
	var tr *Transport
	var states []transport.State
	tr, hs := newListening(t, transport.ObserverFunc(func(info transport.StatusChange) {
		states = append(states, info.State)
		if info.State == transport.StateConnecting {
			_ = tr.CloseConnection(info.Conn, 0, "", false)
		}
	}))

	errc := make(chan error, 1)
	go func() {
		_, err := tr.post(hs.URL, "v=0\r\n")
		errc <- err
	}()

	deadline := time.After(5 * time.Second)
	for {
		tr.RunCallbacks()
		select {
		case err := <-errc:
			if err == nil || !strings.Contains(err.Error(), "403") {
				t.Fatalf("post() error = %v, want 403 rejection", err)
			}
			if len(states) == 0 || states[0] != transport.StateConnecting {
				t.Errorf("states = %v", states)
			}
			return
		case <-deadline:
			t.Fatal("signaling request did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSignalingMethodNotAllowed(t *testing.T) {
	_, hs := newListening(t, nil)
	resp, err := http.Get(hs.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestConnectUnreachable(t *testing.T) {
	tr := New(nil)
	if err := tr.Init(); err != nil {
		t.Fatal(err)
	}
	defer tr.Kill()

	hs := httptest.NewServer(nil)
	addr := strings.TrimPrefix(hs.URL, "http://")
	hs.Close()

	var last transport.StatusChange
	h, err := tr.Connect(addr, transport.ObserverFunc(func(info transport.StatusChange) { last = info }))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for last.State != transport.StateProblemDetectedLocally && time.Now().Before(deadline) {
		tr.RunCallbacks()
		time.Sleep(10 * time.Millisecond)
	}
	if last.State != transport.StateProblemDetectedLocally || last.Conn != h {
		t.Errorf("last notification = %+v", last)
	}
}
