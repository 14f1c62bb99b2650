package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// errInjectedFailure is returned by MemoryTransport for failures set up
// with FailNext.
var errInjectedFailure = errors.New("session: injected send failure")

// MemoryTransport delivers frames to in-process receivers. It backs tests
// and the imitation edges.
type MemoryTransport struct {
	mu       sync.RWMutex
	routes   map[string]func(frame []byte)
	failures map[string]int
}

// NewMemoryTransport creates a transport with no receivers.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		routes:   make(map[string]func([]byte)),
		failures: make(map[string]int),
	}
}

// Attach routes frames for routingKey to fn. fn runs on the sender
// goroutine and receives its own copy of each frame.
func (t *MemoryTransport) Attach(routingKey string, fn func(frame []byte)) {
	t.mu.Lock()
	t.routes[routingKey] = fn
	t.mu.Unlock()
}

// Detach removes the receiver of routingKey. Later sends fail.
func (t *MemoryTransport) Detach(routingKey string) {
	t.mu.Lock()
	delete(t.routes, routingKey)
	t.mu.Unlock()
}

// FailNext makes the next n sends to routingKey fail.
func (t *MemoryTransport) FailNext(routingKey string, n int) {
	t.mu.Lock()
	t.failures[routingKey] = n
	t.mu.Unlock()
}

// Send hands the frame to the attached receiver.
func (t *MemoryTransport) Send(ctx context.Context, routingKey string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.failures[routingKey] > 0 {
		t.failures[routingKey]--
		t.mu.Unlock()
		return errInjectedFailure
	}
	fn := t.routes[routingKey]
	t.mu.Unlock()

	if fn == nil {
		return fmt.Errorf("%w: %q", ErrNoRoute, routingKey)
	}
	fn(append([]byte(nil), frame...))
	return nil
}
