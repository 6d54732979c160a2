package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingResolveDeliversToWaiter(t *testing.T) {
	p := NewPending[string]()
	got, err := p.Call(context.Background(), "req-1", time.Second, func() error {
		go p.Resolve("req-1", "pong")
		return nil
	})
	if err != nil || got != "pong" {
		t.Fatalf("got=%q err=%v", got, err)
	}
	if p.Len() != 0 {
		t.Fatalf("slot should be released, len=%d", p.Len())
	}
}

func TestPendingTimeoutReleasesSlot(t *testing.T) {
	p := NewPending[int]()
	ticket, err := p.Register("slow")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = ticket.Wait(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if p.Resolve("slow", 1) {
		t.Fatal("late resolve must be ignored")
	}
}

func TestPendingRejectsDuplicateID(t *testing.T) {
	p := NewPending[int]()
	if _, err := p.Register("dup"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := p.Register("dup"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestPendingSendFailureCancelsTicket(t *testing.T) {
	p := NewPending[int]()
	sendErr := errors.New("write failed")
	if _, err := p.Call(context.Background(), "x", time.Second, func() error { return sendErr }); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	if p.Has("x") {
		t.Fatal("slot should be released after send failure")
	}
}

func TestPendingRejectAll(t *testing.T) {
	p := NewPending[int]()
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		ticket, err := p.Register(string(rune('a' + i)))
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ticket.Wait(context.Background(), time.Second)
		}(i)
	}
	p.RejectAll(nil)
	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, ErrAbandoned) {
			t.Fatalf("waiter %d: expected ErrAbandoned, got %v", i, err)
		}
	}
}

func TestCorrelatorKeysSorted(t *testing.T) {
	c := NewCorrelator[int]()
	_ = c.Add("b", 2)
	_ = c.Add("a", 1)
	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if v, ok := c.Take("a"); !ok || v != 1 {
		t.Fatalf("take a: %v %v", v, ok)
	}
	if c.Remove("a") {
		t.Fatal("a already removed")
	}
}
