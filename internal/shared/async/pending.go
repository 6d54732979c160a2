package async

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateID is returned when a correlation id is registered twice.
	ErrDuplicateID = errors.New("correlation id already registered")
	// ErrAbandoned is delivered to waiters when the map is torn down.
	ErrAbandoned = errors.New("correlation abandoned")
)

// Correlator tracks in-flight entries keyed by correlation id. Tool
// delegation, canvas requests and fetch streams all register here before they
// send the request that will eventually be answered.
type Correlator[V any] struct {
	mu      sync.Mutex
	entries map[string]V
}

// NewCorrelator returns an empty correlator.
func NewCorrelator[V any]() *Correlator[V] {
	return &Correlator[V]{entries: make(map[string]V)}
}

// Add registers v under id.
func (c *Correlator[V]) Add(id string, v V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; exists {
		return ErrDuplicateID
	}
	c.entries[id] = v
	return nil
}

// Get returns the entry without removing it.
func (c *Correlator[V]) Get(id string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[id]
	return v, ok
}

// Take removes and returns the entry.
func (c *Correlator[V]) Take(id string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return v, ok
}

// Remove drops the entry and reports whether it existed.
func (c *Correlator[V]) Remove(id string) bool {
	_, ok := c.Take(id)
	return ok
}

// Len returns the number of in-flight entries.
func (c *Correlator[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the registered ids in sorted order.
func (c *Correlator[V]) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for id := range c.entries {
		keys = append(keys, id)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Drain removes every entry and returns them.
func (c *Correlator[V]) Drain() map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.entries
	c.entries = make(map[string]V)
	return out
}

type outcome[T any] struct {
	value T
	err   error
}

// Pending is a one-shot request/response correlation map: a waiter
// registers an id, sends its request, then blocks until Resolve delivers the
// matching answer or the wait is cancelled.
type Pending[T any] struct {
	slots *Correlator[chan outcome[T]]
}

// NewPending returns an empty pending map.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{slots: NewCorrelator[chan outcome[T]]()}
}

// Ticket is a registered wait slot.
type Ticket[T any] struct {
	id      string
	ch      chan outcome[T]
	pending *Pending[T]
}

// ID returns the correlation id of the ticket.
func (t *Ticket[T]) ID() string { return t.id }

// Register reserves id. The returned ticket must be waited on or cancelled.
func (p *Pending[T]) Register(id string) (*Ticket[T], error) {
	ch := make(chan outcome[T], 1)
	if err := p.slots.Add(id, ch); err != nil {
		return nil, err
	}
	return &Ticket[T]{id: id, ch: ch, pending: p}, nil
}

// Resolve delivers value to the waiter of id. It reports false when no one
// is waiting, e.g. after a timeout removed the slot.
func (p *Pending[T]) Resolve(id string, value T) bool {
	ch, ok := p.slots.Take(id)
	if !ok {
		return false
	}
	ch <- outcome[T]{value: value}
	return true
}

// Reject delivers err to the waiter of id.
func (p *Pending[T]) Reject(id string, err error) bool {
	ch, ok := p.slots.Take(id)
	if !ok {
		return false
	}
	ch <- outcome[T]{err: err}
	return true
}

// RejectAll fails every waiter with err.
func (p *Pending[T]) RejectAll(err error) {
	if err == nil {
		err = ErrAbandoned
	}
	for _, ch := range p.slots.Drain() {
		ch <- outcome[T]{err: err}
	}
}

// Has reports whether id is awaiting a response.
func (p *Pending[T]) Has(id string) bool {
	_, ok := p.slots.Get(id)
	return ok
}

// IDs lists outstanding correlation ids.
func (p *Pending[T]) IDs() []string {
	return p.slots.Keys()
}

// Len returns the number of outstanding waiters.
func (p *Pending[T]) Len() int {
	return p.slots.Len()
}

// Wait blocks until the ticket is resolved, ctx is done, or timeout elapses
// (timeout <= 0 waits on ctx only). The slot is released on every path.
func (t *Ticket[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case out := <-t.ch:
		return out.value, out.err
	case <-ctx.Done():
		t.pending.slots.Remove(t.id)
		// A resolve may have raced the cancellation.
		select {
		case out := <-t.ch:
			return out.value, out.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel releases the slot without waiting.
func (t *Ticket[T]) Cancel() {
	t.pending.slots.Remove(t.id)
}

// Call registers id, runs send, and waits for the correlated answer.
func (p *Pending[T]) Call(ctx context.Context, id string, timeout time.Duration, send func() error) (T, error) {
	ticket, err := p.Register(id)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := send(); err != nil {
		ticket.Cancel()
		var zero T
		return zero, err
	}
	return ticket.Wait(ctx, timeout)
}
