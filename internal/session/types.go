package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/config"
)

// State is the connection state of an edge session.
type State string

// Session states.
const (
	StateDisconnected State = "DISCONNECTED"
	StateConnected    State = "CONNECTED"
	StateSyncing      State = "SYNCING"
)

// deliverable reports whether the sender may transmit in this state.
func (s State) deliverable() bool {
	return s == StateConnected || s == StateSyncing
}

// Info is a snapshot of one session.
type Info struct {
	EdgeID      uuid.UUID `json:"edge_id"`
	Name        string    `json:"name"`
	RoutingKey  string    `json:"routing_key"`
	State       State     `json:"state"`
	QueueLen    int       `json:"queue_len"`
	Held        int       `json:"held"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
}

// Event reports a state transition.
type Event struct {
	EdgeID   uuid.UUID `json:"edge_id"`
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Previous State     `json:"previous"`
	At       time.Time `json:"at"`
}

// Config tunes session behaviour.
type Config struct {
	// BatchSize is the maximum number of messages sent before waiting for
	// acknowledgements.
	BatchSize int

	// AckTimeout bounds the wait for a batch's acknowledgements.
	AckTimeout time.Duration

	// RetryInitialDelay and RetryMaxDelay bound the backoff between failed
	// delivery rounds.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// InboxSize bounds the per-edge inbound buffer.
	InboxSize int

	// FullSyncOnConnect pushes everything the edge holds on every connect,
	// not only when the edge asks for it.
	FullSyncOnConnect bool
}

// Defaults used when a Config field is zero.
const (
	defaultBatchSize         = 50
	defaultAckTimeout        = 10 * time.Second
	defaultRetryInitialDelay = 500 * time.Millisecond
	defaultRetryMaxDelay     = 30 * time.Second
	defaultInboxSize         = 256
)

// ConfigFromSync maps the sync section of the configuration file.
func ConfigFromSync(c config.SyncConfig) Config {
	return Config{
		BatchSize:         c.BatchSize,
		AckTimeout:        c.GetAckTimeout(),
		RetryInitialDelay: c.GetRetryInitialDelay(),
		RetryMaxDelay:     c.GetRetryMaxDelay(),
		InboxSize:         c.InboxSize,
		FullSyncOnConnect: c.FullSyncOnConnect,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = defaultRetryInitialDelay
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		c.RetryMaxDelay = max(defaultRetryMaxDelay, c.RetryInitialDelay)
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}
