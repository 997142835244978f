// Package agent assembles a replicated document peer: a store, a peer
// registry, an optional durable capture log, and a broadcaster bound to
// a websocket transport.
//
// An agent works offline from the moment it is created; Join attaches
// it to a relay mesh, replays anything captured while offline, and
// announces it to the other peers. Leave drains in-flight operations
// before disconnecting, so a clean shutdown loses nothing.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daviddao/swarmdoc/pkg/broadcast"
	"github.com/daviddao/swarmdoc/pkg/doc"
	"github.com/daviddao/swarmdoc/pkg/history"
	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/peers"
	"github.com/daviddao/swarmdoc/pkg/transport"
	"github.com/daviddao/swarmdoc/pkg/vclock"
)

// Config assembles an agent.
type Config struct {
	// Peer is the agent's identity. Empty generates a fresh one.
	Peer model.PeerID

	// Token is the bearer credential presented when joining.
	Token string

	// HistoryPath, when set, backs the offline capture log with SQLite
	// at that path. Empty selects an in-memory log.
	HistoryPath string

	// History bounds the capture log.
	History history.Config

	// StaleAfter is the heartbeat window for peer liveness. 0 selects
	// the default.
	StaleAfter time.Duration

	// Transport tunes the websocket client used by Join.
	Transport transport.Config

	// Broadcast tunes queueing and heartbeats.
	Broadcast broadcast.Config
}

// Agent is one replica in the mesh.
type Agent struct {
	cfg   Config
	peer  model.PeerID
	store *doc.Store
	mgr   *peers.Manager
	hist  history.Store
	bc    *broadcast.Broadcaster

	tr     *transport.WebSocketTransport
	cancel context.CancelFunc
	joined bool
	closed bool
}

// New builds an agent and starts its replication machinery in offline
// mode. The caller must Close it.
func New(cfg Config) (*Agent, error) {
	peer := cfg.Peer
	if peer == "" {
		peer = model.NewPeerID()
	}

	var hist history.Store
	if cfg.HistoryPath != "" {
		sq, err := history.OpenSQLite(cfg.HistoryPath, cfg.History)
		if err != nil {
			return nil, fmt.Errorf("open capture log: %w", err)
		}
		hist = sq
	} else {
		hist = history.NewLog(cfg.History)
	}

	store := doc.NewStore(peer)
	mgr := peers.NewManager(cfg.StaleAfter)
	bc := broadcast.New(store, nil, mgr, hist, cfg.Broadcast)

	ctx, cancel := context.WithCancel(context.Background())
	if err := bc.Start(ctx); err != nil {
		cancel()
		store.Close()
		hist.Close()
		return nil, fmt.Errorf("start broadcaster: %w", err)
	}

	return &Agent{
		cfg:    cfg,
		peer:   peer,
		store:  store,
		mgr:    mgr,
		hist:   hist,
		bc:     bc,
		cancel: cancel,
	}, nil
}

// PeerID returns the agent's identity.
func (a *Agent) PeerID() model.PeerID { return a.peer }

// Store exposes the underlying document store.
func (a *Agent) Store() *doc.Store { return a.store }

// Namespace returns a scoped view of the document.
func (a *Agent) Namespace(name string, allowed doc.WriteKind) *doc.Namespace {
	return a.store.Namespace(name, allowed)
}

// Version returns the store's current version vector.
func (a *Agent) Version() vclock.VersionVector {
	return a.store.CurrentVersion()
}

// Peers returns a liveness snapshot of known peers.
func (a *Agent) Peers() []peers.Info {
	return a.mgr.Peers()
}

// Join connects the agent to a relay at url, replays operations
// captured while offline, and announces the agent to the mesh.
func (a *Agent) Join(ctx context.Context, url string) error {
	if a.joined {
		return fmt.Errorf("already joined")
	}

	tcfg := a.cfg.Transport
	tcfg.Peer = string(a.peer)
	tcfg.Token = a.cfg.Token
	tcfg.AutoReconnect = true
	tr := transport.NewWebSocket(url, tcfg)

	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("join %s: %w", url, err)
	}
	if err := a.bc.AttachTransport(tr); err != nil {
		tr.Close()
		return fmt.Errorf("attach transport: %w", err)
	}
	a.tr = tr
	a.joined = true

	if err := a.bc.Handshake(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := a.bc.ReplayLog(ctx); err != nil {
		slog.Warn("offline replay failed, relying on delta sync", "err", err)
	}
	if err := a.bc.Sync(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	slog.Info("joined mesh", "peer", a.peer, "url", url)
	return nil
}

// Sync forces a manual delta exchange with the mesh.
func (a *Agent) Sync(ctx context.Context) error {
	return a.bc.Sync(ctx)
}

// RequestSnapshot asks the mesh for a full state snapshot.
func (a *Agent) RequestSnapshot(ctx context.Context) error {
	return a.bc.RequestSnapshot(ctx)
}

// Compact folds the store's current state into the capture log's
// snapshot slot, dropping replayable entries. Local policy only; peers
// are unaffected.
func (a *Agent) Compact() error {
	snap, err := a.store.ExportSnapshot()
	if err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}
	if err := a.hist.Compact(snap); err != nil {
		return fmt.Errorf("compact capture log: %w", err)
	}
	return nil
}

// Leave drains pending operations for up to timeout, then disconnects.
// A lapsed drain timeout is not an error: undelivered operations fall
// to the capture log. The agent keeps working offline afterwards;
// captured operations go out on the next Join.
func (a *Agent) Leave(timeout time.Duration) error {
	if !a.joined {
		return nil
	}
	a.joined = false

	if !a.bc.FlushPending(timeout) {
		slog.Warn("leaving with operations still queued, captured for next join", "peer", a.peer)
	}
	a.bc.DetachTransport()
	// Off the mesh nothing is heard from anyone; reflect that in the
	// liveness view rather than letting peers decay to stale.
	for _, info := range a.mgr.Peers() {
		a.mgr.MarkDisconnected(info.Peer)
	}
	err := a.tr.Close()
	a.tr = nil
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	slog.Info("left mesh", "peer", a.peer)
	return nil
}

// Close shuts the whole agent down: broadcaster, transport, store and
// capture log. Idempotent.
func (a *Agent) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	stopErr := a.bc.Stop(5 * time.Second)
	a.cancel()
	if a.tr != nil {
		a.tr.Close()
		a.tr = nil
	}
	a.store.Close()
	if err := a.hist.Close(); err != nil {
		return fmt.Errorf("close capture log: %w", err)
	}
	return stopErr
}
