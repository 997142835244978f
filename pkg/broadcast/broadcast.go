// Package broadcast orchestrates replication between a local document
// store and the peer mesh.
//
// The Broadcaster owns two loops running under one context: the send
// loop drains locally committed operations from a bounded queue, batches
// them into operation-batch envelopes, and pushes them through the
// transport; the receive loop decodes inbound envelopes and feeds remote
// batches into the store. Remote applications never re-enter the queue,
// so nothing echoes back out.
//
// When the transport is down (or absent) committed operations are
// captured into a history log instead of being dropped; ReplayLog pushes
// the captured backlog out once connectivity returns.
//
// Lifecycle: Idle → Running → Draining → Stopped. Draining keeps the
// send loop running until queued work — including commits still in the
// store's dispatcher — has been flushed, then the loops shut down.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/swarmdoc/pkg/doc"
	"github.com/daviddao/swarmdoc/pkg/history"
	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/peers"
	"github.com/daviddao/swarmdoc/pkg/transport"
	"github.com/daviddao/swarmdoc/pkg/vclock"
	"github.com/daviddao/swarmdoc/pkg/wire"
)

// State is the broadcaster lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Defaults for the broadcaster configuration.
const (
	DefaultQueueSize      = 256
	DefaultMaxBatchOps    = 64
	DefaultHeartbeatEvery = 10 * time.Second
)

// Config controls queueing and heartbeat behavior.
type Config struct {
	// QueueSize bounds the pending-operation queue. When full, new
	// commits spill to the capture log or are dropped.
	QueueSize int

	// MaxBatchOps caps how many operations travel in one envelope.
	MaxBatchOps int

	// HeartbeatEvery is the liveness announcement interval. Negative
	// disables heartbeats; 0 selects the default.
	HeartbeatEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxBatchOps <= 0 {
		c.MaxBatchOps = DefaultMaxBatchOps
	}
	if c.HeartbeatEvery == 0 {
		c.HeartbeatEvery = DefaultHeartbeatEvery
	}
	return c
}

// Broadcaster replicates a store over a transport.
type Broadcaster struct {
	store doc.StoreInterface
	tr    transport.Transport
	mgr   *peers.Manager
	hist  history.Store // optional capture log for offline commits
	cfg   Config

	state atomic.Int32

	mu         sync.Mutex
	inflight   map[model.Dot]struct{}
	lastSynced vclock.VersionVector

	pending chan model.Operation
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a broadcaster to a store. Transport and capture log may be
// nil: without a transport every commit goes to the capture log, without
// a capture log offline commits rely on delta sync after reconnect. A
// transport can be attached later with AttachTransport.
func New(store doc.StoreInterface, tr transport.Transport, mgr *peers.Manager, hist history.Store, cfg Config) *Broadcaster {
	cfg = cfg.withDefaults()
	b := &Broadcaster{
		store:      store,
		tr:         tr,
		mgr:        mgr,
		hist:       hist,
		cfg:        cfg,
		inflight:   make(map[model.Dot]struct{}),
		lastSynced: vclock.New(),
		pending:    make(chan model.Operation, cfg.QueueSize),
	}
	store.OnLocalCommit(b.onCommit)
	return b
}

// State returns the current lifecycle state.
func (b *Broadcaster) State() State {
	return State(b.state.Load())
}

// transport returns the currently attached transport, or nil.
func (b *Broadcaster) transport() transport.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tr
}

// AttachTransport wires a transport into a broadcaster created without
// one. On a running broadcaster the receive and heartbeat loops start
// immediately.
func (b *Broadcaster) AttachTransport(tr transport.Transport) error {
	b.mu.Lock()
	if b.tr != nil {
		b.mu.Unlock()
		return fmt.Errorf("transport already attached")
	}
	b.tr = tr
	b.mu.Unlock()

	if b.State() == StateRunning {
		b.startTransportLoops(tr)
	}
	return nil
}

// DetachTransport unbinds the current transport. The caller closes the
// transport itself; its receive and heartbeat loops exit once they
// observe the detach. Commits go back to the capture log until the next
// attach.
func (b *Broadcaster) DetachTransport() {
	b.mu.Lock()
	b.tr = nil
	b.mu.Unlock()
}

// Start launches the send, receive and heartbeat loops. The loops run
// until Stop or ctx cancellation.
func (b *Broadcaster) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("broadcaster is %v, not idle", b.State())
	}
	b.runCtx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.sendLoop(b.runCtx)
	if tr := b.transport(); tr != nil {
		b.startTransportLoops(tr)
	}
	return nil
}

func (b *Broadcaster) startTransportLoops(tr transport.Transport) {
	b.wg.Add(1)
	go b.receiveLoop(b.runCtx, tr)
	if b.cfg.HeartbeatEvery > 0 {
		b.wg.Add(1)
		go b.heartbeatLoop(b.runCtx, tr)
	}
}

// Stop drains queued operations for up to timeout, then shuts the loops
// down. A lapsed timeout is not an error: remaining queued operations
// are captured or dropped, and the broadcaster still stops cleanly.
func (b *Broadcaster) Stop(timeout time.Duration) error {
	if !b.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		b.state.Store(int32(StateStopped))
		return nil
	}
	if !b.FlushPending(timeout) {
		slog.Warn("drain timeout lapsed, remaining operations go to capture", "pending", b.PendingCount())
	}
	b.state.Store(int32(StateStopped))
	b.cancel()
	b.wg.Wait()
	return nil
}

// onCommit receives every local commit from the store dispatcher.
func (b *Broadcaster) onCommit(c doc.Commit) {
	if b.State() == StateStopped {
		b.capture(c.Op)
		return
	}
	b.mu.Lock()
	b.inflight[c.Op.Dot()] = struct{}{}
	b.mu.Unlock()

	select {
	case b.pending <- c.Op:
	default:
		b.mu.Lock()
		delete(b.inflight, c.Op.Dot())
		b.mu.Unlock()
		slog.Warn("pending queue full, capturing commit", "peer", c.Op.Peer, "seq", c.Op.Seq)
		b.capture(c.Op)
	}
}

// capture records an operation in the offline log.
func (b *Broadcaster) capture(op model.Operation) {
	if b.hist == nil {
		return
	}
	data, err := msgpack.Marshal(&op)
	if err != nil {
		slog.Error("encode captured operation", "err", err)
		return
	}
	if err := b.hist.Append(data); err != nil {
		slog.Error("append captured operation", "err", err)
	}
}

// PendingCount returns the number of queued plus in-flight operations.
func (b *Broadcaster) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// FlushPending blocks until every queued operation has been sent or
// captured, or until timeout. timeout 0 checks once without waiting.
// Returns whether the queue fully drained. The wait covers commits still
// sitting in the store's dispatcher queue, not just what has already
// reached this broadcaster.
func (b *Broadcaster) FlushPending(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if b.store.PendingCommits() == 0 && b.PendingCount() == 0 {
			return true
		}
		if timeout == 0 || time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (b *Broadcaster) sendLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			b.drainToCapture()
			return
		case op := <-b.pending:
			ops := b.gather(op)
			b.dispatchBatch(ctx, ops)
		}
	}
}

// gather pulls whatever else is already queued, up to the batch cap.
func (b *Broadcaster) gather(first model.Operation) []model.Operation {
	ops := []model.Operation{first}
	for len(ops) < b.cfg.MaxBatchOps {
		select {
		case op := <-b.pending:
			ops = append(ops, op)
		default:
			return ops
		}
	}
	return ops
}

// dispatchBatch sends one batch, capturing it on transport failure.
func (b *Broadcaster) dispatchBatch(ctx context.Context, ops []model.Operation) {
	defer func() {
		b.mu.Lock()
		for _, op := range ops {
			delete(b.inflight, op.Dot())
		}
		b.mu.Unlock()
	}()

	if tr := b.transport(); tr == nil || !tr.IsConnected() {
		for _, op := range ops {
			b.capture(op)
		}
		return
	}

	if err := b.sendBatch(ctx, ops); err != nil {
		slog.Warn("batch send failed, capturing", "ops", len(ops), "err", err)
		for _, op := range ops {
			b.capture(op)
		}
		return
	}
	b.mu.Lock()
	for _, op := range ops {
		b.lastSynced.Bump(op.Peer, op.Seq)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) sendBatch(ctx context.Context, ops []model.Operation) error {
	tr := b.transport()
	if tr == nil {
		return fmt.Errorf("no transport")
	}
	payload, err := wire.EncodeBatch(ops, b.store.CurrentVersion())
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	env := wire.NewEnvelope(wire.MsgOperationBatch, b.store.PeerID(), payload)
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return tr.Send(ctx, data)
}

// drainToCapture is the shutdown path: anything still queued goes to
// the capture log rather than being lost.
func (b *Broadcaster) drainToCapture() {
	for {
		select {
		case op := <-b.pending:
			b.capture(op)
			b.mu.Lock()
			delete(b.inflight, op.Dot())
			b.mu.Unlock()
		default:
			return
		}
	}
}

func (b *Broadcaster) heartbeatLoop(ctx context.Context, tr transport.Transport) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.transport() != tr {
				return
			}
			if !tr.IsConnected() {
				continue
			}
			env := wire.NewEnvelope(wire.MsgHeartbeat, b.store.PeerID(), nil)
			data, err := env.Encode()
			if err != nil {
				continue
			}
			if err := tr.Send(ctx, data); err != nil {
				slog.Debug("heartbeat send failed", "err", err)
			}
			if b.mgr != nil {
				b.mgr.PruneStale()
			}
		}
	}
}
