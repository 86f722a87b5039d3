package link

import (
	"testing"
	"time"
)

func TestAttachEmitsNeighborUpOnBothSides(t *testing.T) {
	a := NewLoopback("a")
	b := NewLoopback("b")
	Attach(a, b)

	assertEvent(t, a, EventNeighborUp, "b")
	assertEvent(t, b, EventNeighborUp, "a")
}

func TestSendDeliversToNamedNeighborOnly(t *testing.T) {
	a := NewLoopback("a")
	b := NewLoopback("b")
	c := NewLoopback("c")
	Attach(a, b)
	Attach(a, c)
	drain(b)
	drain(c)

	if err := a.Send("b", []byte("hi")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ev := assertEvent(t, b, EventBytesArrived, "a")
	if string(ev.Data) != "hi" {
		t.Errorf("Data = %q, want %q", ev.Data, "hi")
	}
	assertNoEvent(t, c)
}

func TestBroadcastExceptSkipsTheExcludedNeighbor(t *testing.T) {
	a := NewLoopback("a")
	b := NewLoopback("b")
	c := NewLoopback("c")
	Attach(a, b)
	Attach(a, c)
	drain(b)
	drain(c)

	if err := a.BroadcastExcept("b", []byte("flood")); err != nil {
		t.Fatalf("BroadcastExcept() error = %v", err)
	}

	assertNoEvent(t, b)
	assertEvent(t, c, EventBytesArrived, "a")
}

func TestDetachEmitsNeighborDown(t *testing.T) {
	a := NewLoopback("a")
	b := NewLoopback("b")
	Attach(a, b)
	drain(a)
	drain(b)

	Detach(a, b)
	assertEvent(t, a, EventNeighborDown, "b")
	assertEvent(t, b, EventNeighborDown, "a")
}

func drain(l *Loopback) {
	for {
		select {
		case <-l.Events():
		default:
			return
		}
	}
}

func assertEvent(t *testing.T, l *Loopback, kind EventKind, neighbor NeighborID) Event {
	t.Helper()
	select {
	case ev := <-l.Events():
		if ev.Kind != kind || ev.Neighbor != neighbor {
			t.Fatalf("event = %+v, want kind=%v neighbor=%v", ev, kind, neighbor)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, l *Loopback) {
	t.Helper()
	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}
