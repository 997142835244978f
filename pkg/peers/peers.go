// Package peers tracks the membership and liveness of the replica set.
//
// The manager is a passive registry: transports and orchestrators report
// connections, disconnections and heartbeats, and the manager answers
// which peers are alive, which have gone stale, and when each was last
// heard from. It never initiates network activity itself.
package peers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/daviddao/swarmdoc/pkg/model"
)

// Liveness classifies a peer's connection state.
type Liveness int

const (
	// Unknown means the peer was registered but never heard from.
	Unknown Liveness = iota
	// Alive means the peer is connected and heartbeating.
	Alive
	// Disconnected means the peer reported a clean disconnect.
	Disconnected
	// Stale means the peer missed its heartbeat window.
	Stale
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Disconnected:
		return "disconnected"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Info is a point-in-time snapshot of one peer.
type Info struct {
	Peer      model.PeerID
	State     Liveness
	LastSeen  time.Time
	FirstSeen time.Time
}

// DefaultStaleAfter is the heartbeat window after which a silent peer is
// considered stale.
const DefaultStaleAfter = 30 * time.Second

// Manager tracks known peers. Safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	peers      map[model.PeerID]*entry
	staleAfter time.Duration
	now        func() time.Time
}

type entry struct {
	state     Liveness
	lastSeen  time.Time
	firstSeen time.Time
}

// NewManager returns a manager with the given staleness window.
// staleAfter <= 0 selects DefaultStaleAfter.
func NewManager(staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		peers:      make(map[model.PeerID]*entry),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Register adds a peer in the Unknown state. Re-registering an existing
// peer is a no-op.
func (m *Manager) Register(peer model.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peer]; ok {
		return
	}
	m.peers[peer] = &entry{state: Unknown, firstSeen: m.now()}
}

// MarkConnected records that a peer connected, registering it if needed.
func (m *Manager) MarkConnected(peer model.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensureLocked(peer)
	e.state = Alive
	e.lastSeen = m.now()
}

// MarkDisconnected records a clean disconnect. Unknown peers are ignored.
func (m *Manager) MarkDisconnected(peer model.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[peer]
	if !ok {
		return
	}
	e.state = Disconnected
	e.lastSeen = m.now()
}

// RecordHeartbeat refreshes a peer's liveness, reviving stale peers.
func (m *Manager) RecordHeartbeat(peer model.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensureLocked(peer)
	if e.state == Stale {
		slog.Info("stale peer resumed heartbeating", "peer", peer)
	}
	e.state = Alive
	e.lastSeen = m.now()
}

// Remove forgets a peer entirely.
func (m *Manager) Remove(peer model.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer)
}

// Peers returns a snapshot of all known peers ordered by id. Alive peers
// past the staleness window are reported as Stale.
func (m *Manager) Peers() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.staleAfter)
	out := make([]Info, 0, len(m.peers))
	for id, e := range m.peers {
		state := e.state
		if state == Alive && e.lastSeen.Before(cutoff) {
			state = Stale
		}
		out = append(out, Info{Peer: id, State: state, LastSeen: e.lastSeen, FirstSeen: e.firstSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Alive returns the ids of peers currently inside the heartbeat window.
func (m *Manager) Alive() []model.PeerID {
	var out []model.PeerID
	for _, info := range m.Peers() {
		if info.State == Alive {
			out = append(out, info.Peer)
		}
	}
	return out
}

// Stale marks and returns peers whose heartbeat window lapsed.
func (m *Manager) Stale() []model.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.staleAfter)
	var out []model.PeerID
	for id, e := range m.peers {
		if e.state == Alive && e.lastSeen.Before(cutoff) {
			e.state = Stale
			out = append(out, id)
		} else if e.state == Stale {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PruneStale removes all stale peers and returns their ids.
func (m *Manager) PruneStale() []model.PeerID {
	pruned := m.Stale()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range pruned {
		delete(m.peers, id)
	}
	if len(pruned) > 0 {
		slog.Info("pruned stale peers", "count", len(pruned))
	}
	return pruned
}

// Len returns the number of known peers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *Manager) ensureLocked(peer model.PeerID) *entry {
	e, ok := m.peers[peer]
	if !ok {
		e = &entry{state: Unknown, firstSeen: m.now()}
		m.peers[peer] = e
	}
	return e
}
