package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/transport"
	"github.com/daviddao/swarmdoc/pkg/wire"
)

func (b *Broadcaster) receiveLoop(ctx context.Context, tr transport.Transport) {
	defer b.wg.Done()
	for {
		data, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			if b.transport() != tr {
				return
			}
			var cerr *transport.ConnectionError
			if errors.As(err, &cerr) && cerr.Fatal {
				slog.Error("transport terminally down, receive loop exiting", "err", err)
				return
			}
			slog.Warn("receive failed", "err", err)
			continue
		}

		env, derr := wire.Decode(data)
		if derr != nil {
			slog.Warn("dropping undecodable envelope", "err", derr)
			continue
		}
		if env.Sender == b.store.PeerID() {
			continue
		}
		b.handle(ctx, env)
	}
}

// handle dispatches one inbound envelope. Failures are logged and the
// loop keeps going; a malformed payload never stops replication.
func (b *Broadcaster) handle(ctx context.Context, env *wire.Envelope) {
	if b.mgr != nil {
		b.mgr.RecordHeartbeat(env.Sender)
	}

	switch env.Type {
	case wire.MsgOperationBatch:
		b.handleBatch(env)
	case wire.MsgHandshake:
		b.handleHandshake(ctx, env)
	case wire.MsgAck:
		b.handleAck(ctx, env)
	case wire.MsgHeartbeat:
		// liveness already recorded above
	case wire.MsgSnapshotRequest:
		b.handleSnapshotRequest(ctx, env)
	case wire.MsgSnapshotResponse:
		if err := b.store.ImportSnapshot(env.Payload); err != nil {
			slog.Warn("snapshot import failed", "from", env.Sender, "err", err)
		}
	case wire.MsgError:
		if p, err := wire.DecodeErrorPayload(env.Payload); err == nil {
			slog.Warn("peer reported error", "from", env.Sender, "code", p.Code, "message", p.Message)
		}
	default:
		slog.Warn("unhandled envelope type", "type", env.Type, "from", env.Sender)
	}
}

func (b *Broadcaster) handleBatch(env *wire.Envelope) {
	batch, err := wire.DecodeBatch(env.Payload)
	if err != nil {
		slog.Warn("dropping malformed batch", "from", env.Sender, "err", err)
		return
	}
	if err := b.store.ApplyBatch(batch.Ops); err != nil {
		slog.Warn("batch apply failed", "from", env.Sender, "err", err)
		return
	}
	b.mu.Lock()
	b.lastSynced.Merge(batch.Version)
	b.mu.Unlock()
}

// handleHandshake greets a newcomer with our current version so it can
// compute the delta it owes us, and with the delta we owe it.
func (b *Broadcaster) handleHandshake(ctx context.Context, env *wire.Envelope) {
	if _, err := wire.DecodeHandshake(env.Payload); err != nil {
		slog.Warn("dropping malformed handshake", "from", env.Sender, "err", err)
		return
	}
	if b.mgr != nil {
		b.mgr.MarkConnected(env.Sender)
	}
	b.sendAck(ctx)
}

// handleAck answers a peer's version announcement with everything it
// has not seen yet.
func (b *Broadcaster) handleAck(ctx context.Context, env *wire.Envelope) {
	ack, err := wire.DecodeAck(env.Payload)
	if err != nil {
		slog.Warn("dropping malformed ack", "from", env.Sender, "err", err)
		return
	}
	diff := b.store.DiffSince(ack.Version)
	if len(diff) == 0 {
		return
	}
	if err := b.sendBatch(ctx, diff); err != nil {
		slog.Warn("delta send failed", "to", env.Sender, "ops", len(diff), "err", err)
	}
}

func (b *Broadcaster) handleSnapshotRequest(ctx context.Context, env *wire.Envelope) {
	snap, err := b.store.ExportSnapshot()
	if err != nil {
		slog.Warn("snapshot export failed", "err", err)
		return
	}
	tr := b.transport()
	if tr == nil {
		return
	}
	resp := wire.NewEnvelope(wire.MsgSnapshotResponse, b.store.PeerID(), snap)
	data, err := resp.Encode()
	if err != nil {
		return
	}
	if err := tr.Send(ctx, data); err != nil {
		slog.Warn("snapshot response send failed", "to", env.Sender, "err", err)
	}
}

func (b *Broadcaster) sendAck(ctx context.Context) {
	tr := b.transport()
	if tr == nil {
		return
	}
	payload, err := wire.EncodeAck(b.store.CurrentVersion())
	if err != nil {
		return
	}
	env := wire.NewEnvelope(wire.MsgAck, b.store.PeerID(), payload)
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := tr.Send(ctx, data); err != nil {
		slog.Warn("ack send failed", "err", err)
	}
}

// Handshake announces this peer to the mesh. Remotes respond with their
// current versions, which triggers delta exchange in both directions.
func (b *Broadcaster) Handshake(ctx context.Context) error {
	tr := b.transport()
	if tr == nil {
		return fmt.Errorf("no transport")
	}
	payload, err := wire.EncodeHandshake(wire.Handshake{Peer: string(b.store.PeerID())})
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	env := wire.NewEnvelope(wire.MsgHandshake, b.store.PeerID(), payload)
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := tr.Send(ctx, data); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	return nil
}

// Sync pushes every operation the mesh has not acknowledged, skipping
// ones already queued for the send loop, then announces our version so
// peers can push back what we are missing.
func (b *Broadcaster) Sync(ctx context.Context) error {
	if b.transport() == nil {
		return fmt.Errorf("no transport")
	}

	b.mu.Lock()
	since := b.lastSynced.Clone()
	queued := make(map[model.Dot]struct{}, len(b.inflight))
	for d := range b.inflight {
		queued[d] = struct{}{}
	}
	b.mu.Unlock()

	diff := b.store.DiffSince(since)
	ops := diff[:0:0]
	for _, op := range diff {
		if _, dup := queued[op.Dot()]; dup {
			continue
		}
		ops = append(ops, op)
	}

	if len(ops) > 0 {
		if err := b.sendBatch(ctx, ops); err != nil {
			return fmt.Errorf("sync batch: %w", err)
		}
		b.mu.Lock()
		for _, op := range ops {
			b.lastSynced.Bump(op.Peer, op.Seq)
		}
		b.mu.Unlock()
	}
	b.sendAck(ctx)
	return nil
}

// RequestSnapshot asks the mesh for a full state snapshot. Used by a
// fresh peer whose delta would otherwise be the entire history.
func (b *Broadcaster) RequestSnapshot(ctx context.Context) error {
	tr := b.transport()
	if tr == nil {
		return fmt.Errorf("no transport")
	}
	env := wire.NewEnvelope(wire.MsgSnapshotRequest, b.store.PeerID(), nil)
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot request: %w", err)
	}
	if err := tr.Send(ctx, data); err != nil {
		return fmt.Errorf("send snapshot request: %w", err)
	}
	return nil
}

// ReplayLog pushes operations captured while offline back through the
// transport and clears the capture log. Receivers deduplicate, so a
// replay overlapping with delta sync is harmless.
func (b *Broadcaster) ReplayLog(ctx context.Context) error {
	if b.hist == nil {
		return nil
	}
	entries, err := b.hist.Replay()
	if err != nil {
		return fmt.Errorf("replay capture log: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	ops := make([]model.Operation, 0, len(entries))
	for _, data := range entries {
		var op model.Operation
		if err := msgpack.Unmarshal(data, &op); err != nil {
			slog.Warn("skipping undecodable captured entry", "err", err)
			continue
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return b.hist.Compact(nil)
	}

	if tr := b.transport(); tr == nil || !tr.IsConnected() {
		return fmt.Errorf("transport not connected")
	}
	for start := 0; start < len(ops); start += b.cfg.MaxBatchOps {
		end := start + b.cfg.MaxBatchOps
		if end > len(ops) {
			end = len(ops)
		}
		if err := b.sendBatch(ctx, ops[start:end]); err != nil {
			return fmt.Errorf("replay batch: %w", err)
		}
	}
	b.mu.Lock()
	for _, op := range ops {
		b.lastSynced.Bump(op.Peer, op.Seq)
	}
	b.mu.Unlock()
	slog.Info("replayed captured operations", "count", len(ops))
	return b.hist.Compact(nil)
}
