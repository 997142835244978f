// Package transport moves encoded envelopes between peers.
//
// The Transport interface is the abstract bidirectional byte-message
// channel the replication layer is written against. The concrete
// implementation speaks message-framed websockets: a client transport
// that connects, reconnects with exponential backoff, and enforces a
// maximum message size; and a server that accepts connections, optionally
// authenticates them at handshake time, and relays envelopes between
// registered peers.
//
// Per-connection state machine:
//
//	Disconnected → Connecting → Connected → (Closing | Reconnecting) → Disconnected
//
// Connecting becomes Connected on handshake success. An I/O failure in
// Connected moves to Reconnecting when auto-reconnect is enabled,
// otherwise to Disconnected. Reconnecting retries with backoff until
// success or the attempt ceiling, at which point the connection is
// Disconnected terminally and the failure surfaces as a fatal
// ConnectionError.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxMessageSize bounds frames on both send and receive paths.
const DefaultMaxMessageSize = 10 << 20 // 10 MiB

// Defaults for the client dial/backoff behavior.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffCeiling = 5 * time.Second
	DefaultMaxRetries     = 3
)

// ErrMessageTooLarge is returned when a frame exceeds the configured
// maximum message size. The frame is rejected; the connection stays up.
var ErrMessageTooLarge = errors.New("message exceeds maximum frame size")

// ErrClosed is returned for operations on a closed transport.
var ErrClosed = errors.New("transport is closed")

// State is the per-connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ConnectionError reports a transport-level failure. Fatal errors mean
// the connection is terminally down (auth rejection, reconnect ceiling
// exhausted) and the orchestrator should stop using this transport;
// non-fatal errors may resolve through reconnection.
type ConnectionError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("connection %s: fatal: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Transport is a bidirectional byte-message channel to the peer mesh.
type Transport interface {
	// Connect establishes the initial connection.
	Connect(ctx context.Context) error

	// Send transmits one message. Oversized messages fail with
	// ErrMessageTooLarge without affecting the connection.
	Send(ctx context.Context, data []byte) error

	// Receive blocks until a message arrives, the connection closes, or
	// ctx is cancelled.
	Receive(ctx context.Context) ([]byte, error)

	// IsConnected reports whether the transport is currently connected.
	IsConnected() bool

	// Close tears the connection down. Idempotent.
	Close() error
}

// Config controls the websocket client transport.
type Config struct {
	// Peer is the local peer identity declared at handshake time.
	Peer string

	// Token is the bearer credential sent in the Authorization header.
	// Empty means unauthenticated.
	Token string

	// ConnectTimeout bounds each individual dial attempt.
	ConnectTimeout time.Duration

	// BackoffInitial and BackoffCeiling shape the reconnect backoff:
	// delays grow exponentially from the initial value and are capped at
	// the ceiling.
	BackoffInitial time.Duration
	BackoffCeiling time.Duration

	// MaxRetries is the attempt ceiling per Connect/Reconnect call (in
	// addition to the first attempt).
	MaxRetries int

	// MaxMessageSize bounds frames on both paths. 0 means
	// DefaultMaxMessageSize.
	MaxMessageSize int64

	// AutoReconnect makes Receive transparently reconnect after an I/O
	// failure instead of surfacing it.
	AutoReconnect bool
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = DefaultBackoffCeiling
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}
