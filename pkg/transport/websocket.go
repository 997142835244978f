package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// WebSocketTransport is the client side of the websocket transport. It
// dials a relay server, declares its peer identity and credential at
// handshake time, and exchanges binary-framed messages. Writes are
// serialized through a single-writer lock; reads are expected from one
// consumer loop.
//
// An inbound frame over the size limit is a protocol violation that the
// underlying websocket terminates the connection for; with auto-reconnect
// enabled the receive loop recovers by redialing.
type WebSocketTransport struct {
	url string
	cfg Config

	state atomic.Int32

	mu     sync.Mutex // guards conn replacement
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocket returns an unconnected transport for the given ws:// URL.
func NewWebSocket(url string, cfg Config) *WebSocketTransport {
	return &WebSocketTransport{url: url, cfg: cfg.withDefaults()}
}

// State returns the current connection state.
func (t *WebSocketTransport) State() State {
	return State(t.state.Load())
}

// IsConnected reports whether the transport is currently connected.
func (t *WebSocketTransport) IsConnected() bool {
	return t.State() == StateConnected
}

// Connect dials the server, retrying with exponential backoff up to the
// configured attempt ceiling.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.state.Store(int32(StateConnecting))
	return t.dial(ctx, "connect")
}

// Reconnect tears down any existing connection and dials again.
// Idempotent: a transport that is already connected is left alone.
func (t *WebSocketTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil && t.State() == StateConnected {
		t.mu.Unlock()
		return nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	t.state.Store(int32(StateReconnecting))
	return t.dial(ctx, "reconnect")
}

// dial runs the attempt loop shared by Connect and Reconnect. On
// exhaustion the state drops to Disconnected and the error is fatal.
func (t *WebSocketTransport) dial(ctx context.Context, op string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.BackoffInitial
	bo.MaxInterval = t.cfg.BackoffCeiling
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			slog.Debug("retrying dial", "url", t.url, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				t.state.Store(int32(StateDisconnected))
				return &ConnectionError{Op: op, Err: ctx.Err()}
			}
		}

		conn, err := t.dialOnce(ctx)
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				conn.Close()
				return ErrClosed
			}
			t.conn = conn
			t.mu.Unlock()
			t.state.Store(int32(StateConnected))
			return nil
		}
		lastErr = err
	}

	t.state.Store(int32(StateDisconnected))
	return &ConnectionError{Op: op, Fatal: true,
		Err: fmt.Errorf("gave up after %d attempts: %w", t.cfg.MaxRetries+1, lastErr)}
}

func (t *WebSocketTransport) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}

	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", bearerPrefix+t.cfg.Token)
	}
	if t.cfg.Peer != "" {
		header.Set(HeaderPeer, t.cfg.Peer)
	}

	conn, resp, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("handshake rejected: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	return conn, nil
}

// Send transmits one binary frame. Frames over the size limit are
// rejected locally; the connection is untouched.
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	if int64(len(data)) > t.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), t.cfg.MaxMessageSize)
	}

	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return &ConnectionError{Op: "send", Err: fmt.Errorf("not connected")}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Receive blocks for the next frame. With auto-reconnect enabled a read
// failure triggers a redial and the wait resumes; without it the failure
// is returned to the caller.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if conn == nil {
			return nil, &ConnectionError{Op: "receive", Err: fmt.Errorf("not connected")}
		}

		data, err := t.readFrame(ctx, conn)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, &ConnectionError{Op: "receive", Err: ctx.Err()}
		}
		t.mu.Lock()
		closed = t.closed
		t.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		if !t.cfg.AutoReconnect {
			t.state.Store(int32(StateDisconnected))
			return nil, &ConnectionError{Op: "receive", Err: err}
		}
		slog.Info("connection lost, reconnecting", "url", t.url, "err", err)
		if rerr := t.Reconnect(ctx); rerr != nil {
			return nil, rerr
		}
	}
}

// readFrame reads one message, unblocking early when ctx is cancelled by
// closing the connection out from under the blocked read.
func (t *WebSocketTransport) readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close tears the connection down and marks the transport unusable.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.state.Store(int32(StateClosing))
	t.closed = true
	var err error
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}
	t.state.Store(int32(StateDisconnected))
	return err
}
