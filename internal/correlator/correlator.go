// Package correlator counts arrivals against an expected amount and lets a
// caller wait, with a bound, until the count is reached.
//
// Two independent counters are kept: responses (RESPONSE frames) and
// messages (every other kind). Each Expect call resets its counter and
// starts a fresh countdown; arrivals observed before the Expect call are
// not counted toward it.
//
// The session sender uses a Correlator to wait for acknowledgements of a
// sent batch, and test edges use one to wait for downlink traffic.
package correlator

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// countdown is one armed expectation.
type countdown struct {
	remaining int
	done      chan struct{}
}

func newCountdown(n int) *countdown {
	c := &countdown{remaining: n, done: make(chan struct{})}
	if n <= 0 {
		c.remaining = 0
		close(c.done)
	}
	return c
}

// hit records one arrival, closing done when the count reaches zero.
func (c *countdown) hit() {
	if c.remaining == 0 {
		return
	}
	c.remaining--
	if c.remaining == 0 {
		close(c.done)
	}
}

// Correlator is safe for concurrent use.
type Correlator struct {
	mu        sync.Mutex
	responses *countdown
	messages  *countdown
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Correlator with nothing expected.
func New() *Correlator {
	return &Correlator{
		responses: newCountdown(0),
		messages:  newCountdown(0),
		closed:    make(chan struct{}),
	}
}

// ExpectResponses arms the response counter for n arrivals.
func (c *Correlator) ExpectResponses(n int) {
	c.mu.Lock()
	c.responses = newCountdown(n)
	c.mu.Unlock()
}

// ExpectMessages arms the message counter for n arrivals.
func (c *Correlator) ExpectMessages(n int) {
	c.mu.Lock()
	c.messages = newCountdown(n)
	c.mu.Unlock()
}

// Observe records the arrival of one frame of the given kind.
func (c *Correlator) Observe(kind protocol.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == protocol.KindResponse {
		c.responses.hit()
		return
	}
	c.messages.hit()
}

// AwaitResponses waits up to timeout for the armed response count.
// Returns false on timeout or if the correlator is closed.
func (c *Correlator) AwaitResponses(timeout time.Duration) bool {
	c.mu.Lock()
	done := c.responses.done
	c.mu.Unlock()
	return c.await(done, timeout)
}

// AwaitMessages waits up to timeout for the armed message count.
// Returns false on timeout or if the correlator is closed.
func (c *Correlator) AwaitMessages(timeout time.Duration) bool {
	c.mu.Lock()
	done := c.messages.done
	c.mu.Unlock()
	return c.await(done, timeout)
}

func (c *Correlator) await(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		select {
		case <-c.closed:
			return false
		default:
			return true
		}
	case <-c.closed:
		return false
	case <-timer.C:
		return false
	}
}

// Close releases every current and future waiter with false.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
