package emitter

import (
	"errors"
	"testing"

	"github.com/danmuck/wsmux/internal/testutil/testlog"
)

type event string

const (
	evOpen  event = "open"
	evClose event = "close"
)

func TestEmitCallsListenersInOrder(t *testing.T) {
	testlog.Start(t)
	e := New[event, int](evOpen, evClose)
	var got []int
	if _, err := e.On(evOpen, func(n int) { got = append(got, n) }); err != nil {
		t.Fatalf("on: %v", err)
	}
	if _, err := e.On(evOpen, func(n int) { got = append(got, n*10) }); err != nil {
		t.Fatalf("on: %v", err)
	}
	if err := e.Emit(evOpen, 2); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 20 {
		t.Fatalf("unexpected calls: %v", got)
	}
	if err := e.Emit(evClose, 1); err != nil {
		t.Fatalf("emit without listeners: %v", err)
	}
}

func TestUnknownEventRejected(t *testing.T) {
	testlog.Start(t)
	e := New[event, int](evOpen)
	if _, err := e.On("opne", func(int) {}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent from On, got %v", err)
	}
	if err := e.Emit("opne", 1); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent from Emit, got %v", err)
	}
	if _, err := e.Count("opne"); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent from Count, got %v", err)
	}
	if e.Has("opne") {
		t.Fatalf("unknown event cannot have listeners")
	}
}

func TestUnrestrictedEmitterAcceptsAnyEvent(t *testing.T) {
	testlog.Start(t)
	e := New[event, string]()
	called := false
	if _, err := e.On("anything", func(string) { called = true }); err != nil {
		t.Fatalf("on: %v", err)
	}
	_ = e.Emit("anything", "x")
	if !called {
		t.Fatalf("listener not called")
	}
}

func TestOffAndClear(t *testing.T) {
	testlog.Start(t)
	e := New[event, int](evOpen)
	calls := 0
	h, _ := e.On(evOpen, func(int) { calls++ })
	_, _ = e.On(evOpen, func(int) { calls += 100 })
	if err := e.Off(evOpen, h); err != nil {
		t.Fatalf("off: %v", err)
	}
	if err := e.Off(evOpen, 9999); err != nil {
		t.Fatalf("off unknown handle: %v", err)
	}
	_ = e.Emit(evOpen, 0)
	if calls != 100 {
		t.Fatalf("removed listener still called: calls=%d", calls)
	}
	if n, _ := e.Count(evOpen); n != 1 {
		t.Fatalf("count=%d", n)
	}
	e.Clear()
	if e.Has(evOpen) {
		t.Fatalf("listeners survived Clear")
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	testlog.Start(t)
	e := New[event, int](evOpen)
	reached := false
	_, _ = e.On(evOpen, func(int) { panic("boom") })
	_, _ = e.On(evOpen, func(int) { reached = true })
	if err := e.Emit(evOpen, 1); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !reached {
		t.Fatalf("listener after panic not called")
	}
}
