package transport

import (
	"errors"
	"testing"
)

type recorder struct {
	got []StatusChange
}

func (r *recorder) OnConnectionStatusChanged(info StatusChange) {
	r.got = append(r.got, info)
}

func (r *recorder) states() []State {
	out := make([]State, len(r.got))
	for i, c := range r.got {
		out[i] = c.State
	}
	return out
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCoreRequiresOpen(t *testing.T) {
	var c Core
	if _, err := c.AddListen(nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("AddListen() error = %v", err)
	}
	if _, err := c.NewConn(InvalidListen, nil, ""); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("NewConn() error = %v", err)
	}
	if _, err := c.ReceiveOnPollGroup(1, 1); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ReceiveOnPollGroup() error = %v", err)
	}
}

func TestCoreStateNotifications(t *testing.T) {
	var c Core
	c.Open()
	rec := &recorder{}
	h, err := c.NewConn(InvalidListen, rec, "peer")
	if err != nil {
		t.Fatal(err)
	}

	if !c.SetState(h, StateConnecting, 0, "") {
		t.Fatal("SetState(connecting) = false")
	}
	if c.SetState(h, StateConnecting, 0, "") {
		t.Error("repeated state should not notify")
	}
	c.SetState(h, StateConnected, 0, "")
	c.SetState(h, StateClosedByPeer, 1001, "going away")
	if c.SetState(h, StateProblemDetectedLocally, 0, "late") {
		t.Error("terminal state was overwritten")
	}
	if len(rec.got) != 0 {
		t.Fatal("notification delivered before RunCallbacks")
	}

	c.RunCallbacks()
	want := []State{StateConnecting, StateConnected, StateClosedByPeer}
	if !equalStates(rec.states(), want) {
		t.Fatalf("states = %v, want %v", rec.states(), want)
	}
	last := rec.got[2]
	if last.OldState != StateConnected || last.EndReason != 1001 || last.EndDebug != "going away" || last.Description != "peer" {
		t.Errorf("last notification = %+v", last)
	}

	// 终止状态的连接被销毁时补发一条 None
	if _, err := c.Remove(h); err != nil {
		t.Fatal(err)
	}
	c.RunCallbacks()
	if got := rec.got[len(rec.got)-1]; got.State != StateNone || got.OldState != StateClosedByPeer {
		t.Errorf("final notification = %+v", got)
	}
	if _, err := c.Remove(h); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestCoreInboundUsesListenObserver(t *testing.T) {
	var c Core
	c.Open()
	rec := &recorder{}
	l, _ := c.AddListen(rec)
	h, err := c.NewConn(l, nil, "inbound")
	if err != nil {
		t.Fatal(err)
	}
	c.SetState(h, StateConnecting, 0, "")
	c.RunCallbacks()
	if len(rec.got) != 1 || rec.got[0].Listen != l {
		t.Fatalf("notifications = %+v", rec.got)
	}

	if _, err := c.NewConn(ListenHandle(999), nil, ""); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("NewConn(unknown listen) error = %v", err)
	}
}

func TestCoreCallbacksMayReenter(t *testing.T) {
	var c Core
	c.Open()
	var seen []State
	var h ConnHandle
	obs := ObserverFunc(func(info StatusChange) {
		seen = append(seen, info.State)
		if info.State == StateConnecting {
			c.SetState(h, StateConnected, 0, "")
		}
	})
	h, _ = c.NewConn(InvalidListen, obs, "")
	c.SetState(h, StateConnecting, 0, "")
	c.RunCallbacks()
	if !equalStates(seen, []State{StateConnecting, StateConnected}) {
		t.Errorf("seen = %v", seen)
	}
}

func TestCorePollGroup(t *testing.T) {
	var c Core
	c.Open()
	a, _ := c.NewConn(InvalidListen, nil, "a")
	b, _ := c.NewConn(InvalidListen, nil, "b")

	c.Deliver(a, []byte("a1"))
	pg, err := c.CreatePollGroup()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetPollGroup(a, pg); err != nil {
		t.Fatal(err)
	}
	if err := c.SetPollGroup(b, pg); err != nil {
		t.Fatal(err)
	}
	c.Deliver(b, []byte("b1"))
	c.Deliver(a, []byte("a2"))

	msgs, err := c.ReceiveOnPollGroup(pg, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || string(msgs[0].Data) != "a1" || string(msgs[1].Data) != "b1" {
		t.Fatalf("first batch = %+v", msgs)
	}

	// 移除连接时丢弃它在组内排队的消息
	if _, err := c.Remove(a); err != nil {
		t.Fatal(err)
	}
	msgs, _ = c.ReceiveOnPollGroup(pg, 10)
	if len(msgs) != 0 {
		t.Errorf("messages of removed conn still queued: %+v", msgs)
	}

	if got, _ := c.ReceiveOnPollGroup(pg, -1); len(got) != 0 {
		t.Errorf("negative limit returned %d messages", len(got))
	}
	if err := c.DestroyPollGroup(pg); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReceiveOnPollGroup(pg, 1); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("receive on destroyed group error = %v", err)
	}
}

func TestCoreReceiveOnConnection(t *testing.T) {
	var c Core
	c.Open()
	h, _ := c.NewConn(InvalidListen, nil, "")
	for _, s := range []string{"x", "y", "z"} {
		c.Deliver(h, []byte(s))
	}
	got, err := c.ReceiveOnConnection(h, 1)
	if err != nil || len(got) != 1 || string(got[0].Data) != "x" {
		t.Fatalf("ReceiveOnConnection(1) = %+v, %v", got, err)
	}
	got, _ = c.ReceiveOnConnection(h, 10)
	if len(got) != 2 {
		t.Errorf("remaining = %d, want 2", len(got))
	}
	if c.Deliver(ConnHandle(999), []byte("lost")) {
		t.Error("Deliver to unknown conn reported success")
	}
}

func TestDebugSinkFilters(t *testing.T) {
	var d DebugSink
	var got []string
	d.Printf(DebugBug, "dropped before Set")
	d.Set(DebugWarning, func(level DebugLevel, msg string) {
		got = append(got, level.String()+":"+msg)
	})
	d.Printf(DebugError, "disk %s", "full")
	d.Printf(DebugVerbose, "noise")
	if len(got) != 1 || got[0] != "error:disk full" {
		t.Errorf("got = %v", got)
	}
}
