// Package doc implements the replicated document store.
//
// The store is an operation-based CRDT engine: every mutation is an
// immutable model.Operation appended to an in-memory log in arrival
// order. The document value is a deterministic function of the set of
// applied operations, so two replicas that have exchanged the same
// operations — in any order, with any amount of duplication — hold the
// same document.
//
// Merge rules, per logical slot:
//
//   - Map values and registers: last-writer-wins, tie-broken by
//     (sequence, peer ID). Deletes compete in the same order, so a
//     concurrent assign/delete resolves deterministically everywhere.
//   - Counters: per-peer signed deltas are summed. Idempotence comes from
//     the log's dot-level deduplication, not from the sum itself.
//   - Sets: observed-remove. An add creates a dot for the element; a
//     remove covers exactly the add dots it had seen. A concurrent add —
//     one the remover never observed — survives. Add wins over concurrent
//     remove here; this is this engine's convention, chosen to avoid
//     silent data loss, not a universal CRDT law.
//
// An operation targeting a slot whose parent was deleted is still
// applied: slots are addressed by full path, so the path is effectively
// recreated. Availability is preferred over strict shape conformance.
package doc

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/vclock"
)

// commitQueueSize bounds the commit notification queue. Commits beyond
// the bound are dropped with a warning rather than blocking the mutator.
const commitQueueSize = 1024

// Commit describes one committed local mutation, delivered asynchronously
// to subscribers registered with OnLocalCommit.
type Commit struct {
	Op    model.Operation
	Path  model.Path
	Value model.Value // resulting value at Path after the commit
}

// Store is a replicated document owned by a single peer. All access is
// safe for concurrent use; the document and log are only mutated under
// the store's internal lock.
type Store struct {
	mu      sync.Mutex
	peer    model.PeerID
	nextSeq uint64
	log     []model.Operation
	vv      vclock.VersionVector
	slots   map[string]*slot

	nsMu       sync.Mutex
	namespaces map[string]*Namespace

	subMu     sync.Mutex
	subs      []func(Commit)
	commits   chan Commit
	done      chan struct{}
	closed    bool
	undeliver atomic.Int64 // commits queued but not yet delivered
}

// NewStore creates an empty store owned by peer. Callers must Close the
// store when done to stop the commit dispatcher.
func NewStore(peer model.PeerID) *Store {
	s := &Store{
		peer:       peer,
		vv:         vclock.New(),
		slots:      make(map[string]*slot),
		namespaces: make(map[string]*Namespace),
		commits:    make(chan Commit, commitQueueSize),
		done:       make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// PeerID returns the owning peer's identity.
func (s *Store) PeerID() model.PeerID { return s.peer }

// Close stops the commit dispatcher. Pending queued commits are still
// delivered before Close returns.
func (s *Store) Close() {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return
	}
	s.closed = true
	s.subMu.Unlock()
	close(s.commits)
	<-s.done
}

// OnLocalCommit registers a callback fired once per committed local
// mutation. Callbacks run on a single dispatcher goroutine, decoupled
// from the mutating caller; a slow subscriber delays other subscribers
// but never the writer.
func (s *Store) OnLocalCommit(cb func(Commit)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, cb)
}

func (s *Store) dispatch() {
	defer close(s.done)
	for c := range s.commits {
		s.subMu.Lock()
		subs := make([]func(Commit), len(s.subs))
		copy(subs, s.subs)
		s.subMu.Unlock()
		for _, cb := range subs {
			cb(c)
		}
		s.undeliver.Add(-1)
	}
}

// PendingCommits reports how many commit notifications are queued but not
// yet delivered to subscribers. Zero means every committed mutation has
// been seen by all registered callbacks.
func (s *Store) PendingCommits() int {
	return int(s.undeliver.Load())
}

func (s *Store) enqueueCommit(c Commit) {
	s.subMu.Lock()
	closed := s.closed
	s.subMu.Unlock()
	if closed {
		return
	}
	s.undeliver.Add(1)
	select {
	case s.commits <- c:
	default:
		s.undeliver.Add(-1)
		slog.Warn("dropping commit notification, queue full",
			"peer", string(s.peer), "path", c.Path.String())
	}
}

// localOp creates, validates, applies, and logs a locally originated
// operation, then queues the commit notification. The sequence number is
// allocated and the operation applied under one critical section, so
// local operations are strictly ordered per peer.
func (s *Store) localOp(kind model.OpKind, path model.Path, value model.Value, observed []model.Dot) (model.Operation, error) {
	s.mu.Lock()
	op := model.Operation{
		Peer:     s.peer,
		Seq:      s.nextSeq + 1,
		Path:     path.Clone(),
		Kind:     kind,
		Value:    value,
		Observed: observed,
	}
	if err := op.Validate(); err != nil {
		s.mu.Unlock()
		return model.Operation{}, err
	}
	s.nextSeq++
	s.applyLocked(op)
	result := s.valueAtLocked(path)
	s.mu.Unlock()

	s.enqueueCommit(Commit{Op: op, Path: op.Path, Value: result})
	return op, nil
}

// Apply inserts a single operation if its (peer, seq) dot is unseen.
// Re-applying a dominated operation is a no-op. Malformed operations are
// rejected with a ValidationError and never appended.
func (s *Store) Apply(op model.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(op)
	return nil
}

// ApplyBatch applies a batch of operations. The batch may arrive in any
// order and may partially or fully overlap operations already applied;
// both cases are safe. Operations are reordered per peer by sequence
// before application so that in-batch disorder cannot open version
// vector gaps; across batches, per-peer FIFO delivery is assumed (the
// transport preserves it).
func (s *Store) ApplyBatch(ops []model.Operation) error {
	ordered := orderForApply(ops)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ordered {
		if err := op.Validate(); err != nil {
			return err
		}
		s.applyLocked(op)
	}
	return nil
}

// applyLocked applies op to the document if unseen. Caller holds s.mu.
func (s *Store) applyLocked(op model.Operation) {
	if s.vv.DominatesOp(op) {
		return
	}
	key := op.Path.String()
	sl := s.slots[key]
	if sl == nil {
		sl = newSlot()
		s.slots[key] = sl
	}
	sl.apply(op)
	s.log = append(s.log, op)
	s.vv.Bump(op.Peer, op.Seq)
	if op.Peer == s.peer && op.Seq > s.nextSeq {
		// Replaying our own history (snapshot import, log replay) must
		// not let the sequence counter fall behind.
		s.nextSeq = op.Seq
	}
}

// orderForApply returns a copy of ops with each peer's operations sorted
// by sequence while preserving arrival order across peers.
func orderForApply(ops []model.Operation) []model.Operation {
	byPeer := make(map[model.PeerID][]int)
	for i, op := range ops {
		byPeer[op.Peer] = append(byPeer[op.Peer], i)
	}
	out := make([]model.Operation, len(ops))
	copy(out, ops)
	for _, idxs := range byPeer {
		seqs := make([]model.Operation, len(idxs))
		for j, i := range idxs {
			seqs[j] = ops[i]
		}
		// Insertion sort: batches are small and mostly ordered already.
		for a := 1; a < len(seqs); a++ {
			for b := a; b > 0 && seqs[b].Seq < seqs[b-1].Seq; b-- {
				seqs[b], seqs[b-1] = seqs[b-1], seqs[b]
			}
		}
		for j, i := range idxs {
			out[i] = seqs[j]
		}
	}
	return out
}

// DiffSince returns every logged operation whose dot is not dominated by
// since, in log arrival order. The result is a one-shot materialized
// snapshot: re-running after further appends returns a superset, never a
// reordering of the operations already returned.
func (s *Store) DiffSince(since vclock.VersionVector) []model.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Operation
	for _, op := range s.log {
		if !since.DominatesOp(op) {
			out = append(out, op)
		}
	}
	return out
}

// CurrentVersion returns a snapshot of the store's version vector.
func (s *Store) CurrentVersion() vclock.VersionVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vv.Clone()
}

// LogLen returns the number of operations in the log.
func (s *Store) LogLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// Get returns the value at path, or Absent.
func (s *Store) Get(path model.Path) model.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valueAtLocked(path)
}

func (s *Store) valueAtLocked(path model.Path) model.Value {
	sl := s.slots[path.String()]
	if sl == nil {
		return model.Absent
	}
	return sl.value()
}

// snapshot is the opaque export format: the full log plus the version
// vector, msgpack-encoded.
type snapshot struct {
	Ops     []model.Operation    `msgpack:"ops"`
	Version vclock.VersionVector `msgpack:"vv"`
}

// ExportSnapshot serializes the store's full operation history. The
// result is opaque to callers; it feeds ImportSnapshot on a late joiner
// and HistoryLog compaction.
func (s *Store) ExportSnapshot() ([]byte, error) {
	s.mu.Lock()
	ops := make([]model.Operation, len(s.log))
	copy(ops, s.log)
	vv := s.vv.Clone()
	s.mu.Unlock()
	return msgpack.Marshal(snapshot{Ops: ops, Version: vv})
}

// ImportSnapshot folds a snapshot produced by ExportSnapshot into the
// store. Idempotent: importing a snapshot the store already covers is a
// no-op.
func (s *Store) ImportSnapshot(data []byte) error {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return err
	}
	return s.ApplyBatch(snap.Ops)
}
