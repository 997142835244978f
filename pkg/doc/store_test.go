package doc

import (
	"testing"
	"time"

	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/vclock"
)

// mutate runs a representative mix of mutations on a store.
func mutate(t *testing.T, s *Store, ns string) {
	t.Helper()
	n := s.Namespace(ns, WriteAll)
	if err := n.Set("title", "hello"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := n.Set("meta", map[string]any{"rev": 1}); err != nil {
		t.Fatalf("Set map: %v", err)
	}
	if err := n.Add("tags", "urgent"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := n.Inc("visits", 3); err != nil {
		t.Fatalf("Inc: %v", err)
	}
	if err := n.Delete("meta"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func docEqual(t *testing.T, a, b *Store) {
	t.Helper()
	da, db := a.Document(), b.Document()
	if !da.Equal(db) {
		t.Fatalf("documents diverged:\n  a: %s\n  b: %s", da.Canonical(), db.Canonical())
	}
}

func TestConvergenceAnyOrder(t *testing.T) {
	alice := NewStore("alice")
	defer alice.Close()
	bob := NewStore("bob")
	defer bob.Close()
	mutate(t, alice, "shared")
	mutate(t, bob, "shared")

	opsA := alice.DiffSince(vclock.New())
	opsB := bob.DiffSince(vclock.New())

	// Replica one sees A's ops then B's; replica two sees them reversed
	// and with the whole stream reversed inside each batch.
	one := NewStore("r1")
	defer one.Close()
	if err := one.ApplyBatch(opsA); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if err := one.ApplyBatch(opsB); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	reversed := func(ops []model.Operation) []model.Operation {
		out := make([]model.Operation, len(ops))
		for i, op := range ops {
			out[len(ops)-1-i] = op
		}
		return out
	}
	two := NewStore("r2")
	defer two.Close()
	if err := two.ApplyBatch(reversed(opsB)); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if err := two.ApplyBatch(reversed(opsA)); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	docEqual(t, one, two)
}

func TestReapplyIsIdempotent(t *testing.T) {
	src := NewStore("src")
	defer src.Close()
	mutate(t, src, "shared")
	ops := src.DiffSince(vclock.New())

	dst := NewStore("dst")
	defer dst.Close()
	for i := 0; i < 3; i++ {
		if err := dst.ApplyBatch(ops); err != nil {
			t.Fatalf("ApplyBatch round %d: %v", i, err)
		}
	}
	if got, want := dst.LogLen(), len(ops); got != want {
		t.Fatalf("log length after duplicate batches: got %d, want %d", got, want)
	}
	docEqual(t, src, dst)

	// Partial overlap is equally safe.
	if err := dst.ApplyBatch(ops[len(ops)/2:]); err != nil {
		t.Fatalf("overlapping batch: %v", err)
	}
	if got, want := dst.LogLen(), len(ops); got != want {
		t.Fatalf("log grew on overlap: got %d, want %d", got, want)
	}
}

func TestConcurrentAssignLastWriterWins(t *testing.T) {
	alice := NewStore("alice")
	defer alice.Close()
	bob := NewStore("bob")
	defer bob.Close()

	// Same sequence number on both sides: the peer ID breaks the tie, so
	// bob's write must win everywhere.
	if err := alice.Namespace("tasks", WriteAll).Set("task_1", map[string]any{"status": "pending"}); err != nil {
		t.Fatalf("alice Set: %v", err)
	}
	if err := bob.Namespace("tasks", WriteAll).Set("task_1", map[string]any{"status": "running"}); err != nil {
		t.Fatalf("bob Set: %v", err)
	}

	if err := alice.ApplyBatch(bob.DiffSince(vclock.New())); err != nil {
		t.Fatalf("alice merge: %v", err)
	}
	if err := bob.ApplyBatch(alice.DiffSince(vclock.New())); err != nil {
		t.Fatalf("bob merge: %v", err)
	}

	want := model.MustValue(map[string]any{"status": "running"})
	for _, s := range []*Store{alice, bob} {
		got := s.Namespace("tasks", WriteAll).Get("task_1")
		if !got.Equal(want) {
			t.Fatalf("%s: got %s, want %s", s.PeerID(), got.Canonical(), want.Canonical())
		}
	}
	docEqual(t, alice, bob)
}

func TestConcurrentAddWinsOverRemove(t *testing.T) {
	alice := NewStore("alice")
	defer alice.Close()
	bob := NewStore("bob")
	defer bob.Close()

	// Alice adds "x". Bob, who never observed that add, removes "x"
	// concurrently. The remove covers nothing, so "x" survives on both.
	if err := alice.Namespace("s", WriteAll).Add("members", "x"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := bob.Namespace("s", WriteAll).Remove("members", "x"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := alice.ApplyBatch(bob.DiffSince(vclock.New())); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := bob.ApplyBatch(alice.DiffSince(vclock.New())); err != nil {
		t.Fatalf("merge: %v", err)
	}

	for _, s := range []*Store{alice, bob} {
		if !s.Namespace("s", WriteAll).Contains("members", "x") {
			t.Fatalf("%s: concurrent add lost to unobserved remove", s.PeerID())
		}
	}
}

func TestObservedRemoveWins(t *testing.T) {
	alice := NewStore("alice")
	defer alice.Close()
	bob := NewStore("bob")
	defer bob.Close()

	if err := alice.Namespace("s", WriteAll).Add("members", "x"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Bob observes the add first, then removes: the remove covers
	// alice's add dot and wins.
	if err := bob.ApplyBatch(alice.DiffSince(vclock.New())); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := bob.Namespace("s", WriteAll).Remove("members", "x"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := alice.ApplyBatch(bob.DiffSince(alice.CurrentVersion())); err != nil {
		t.Fatalf("merge back: %v", err)
	}

	for _, s := range []*Store{alice, bob} {
		if s.Namespace("s", WriteAll).Contains("members", "x") {
			t.Fatalf("%s: observed remove did not take effect", s.PeerID())
		}
	}
}

func TestCountersSumAcrossPeers(t *testing.T) {
	alice := NewStore("alice")
	defer alice.Close()
	bob := NewStore("bob")
	defer bob.Close()

	if err := alice.Namespace("n", WriteAll).Inc("hits", 5); err != nil {
		t.Fatalf("Inc: %v", err)
	}
	if err := bob.Namespace("n", WriteAll).Inc("hits", -2); err != nil {
		t.Fatalf("Inc: %v", err)
	}
	if err := alice.ApplyBatch(bob.DiffSince(vclock.New())); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := bob.ApplyBatch(alice.DiffSince(vclock.New())); err != nil {
		t.Fatalf("merge: %v", err)
	}

	for _, s := range []*Store{alice, bob} {
		if got := s.Namespace("n", WriteAll).Counter("hits"); got != 3 {
			t.Fatalf("%s: counter got %d, want 3", s.PeerID(), got)
		}
	}
}

func TestDiffSinceReturnsExactlyUndominated(t *testing.T) {
	s := NewStore("p")
	defer s.Close()
	n := s.Namespace("ns", WriteAll)
	for i := 0; i < 5; i++ {
		if err := n.Inc("c", 1); err != nil {
			t.Fatalf("Inc: %v", err)
		}
	}

	since := vclock.VersionVector{"p": 2}
	diff := s.DiffSince(since)
	if len(diff) != 3 {
		t.Fatalf("diff length: got %d, want 3", len(diff))
	}
	for i, op := range diff {
		if since.DominatesOp(op) {
			t.Fatalf("diff[%d] %v is dominated by since", i, op.Dot())
		}
		if op.Seq != uint64(3+i) {
			t.Fatalf("diff[%d]: got seq %d, want %d (arrival order)", i, op.Seq, 3+i)
		}
	}

	// Re-running with no further appends returns the same set.
	again := s.DiffSince(since)
	if len(again) != len(diff) {
		t.Fatalf("re-run diff length: got %d, want %d", len(again), len(diff))
	}
	for i := range diff {
		if diff[i].Dot() != again[i].Dot() {
			t.Fatalf("re-run diff[%d]: got %v, want %v", i, again[i].Dot(), diff[i].Dot())
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := NewStore("src")
	defer src.Close()
	mutate(t, src, "shared")

	data, err := src.ExportSnapshot()
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	dst := NewStore("late-joiner")
	defer dst.Close()
	if err := dst.ImportSnapshot(data); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	docEqual(t, src, dst)

	// Importing again is a no-op.
	before := dst.LogLen()
	if err := dst.ImportSnapshot(data); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if dst.LogLen() != before {
		t.Fatalf("re-import grew log: %d -> %d", before, dst.LogLen())
	}
}

func TestApplyRejectsMalformedOperation(t *testing.T) {
	s := NewStore("p")
	defer s.Close()

	bad := model.Operation{Peer: "q", Seq: 1, Path: model.Path{"x"}, Kind: model.OpKind(42)}
	if err := s.Apply(bad); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if s.LogLen() != 0 {
		t.Fatal("rejected operation was appended")
	}

	noPath := model.Operation{Peer: "q", Seq: 1, Kind: model.OpAssign, Value: model.MustValue(1)}
	if err := s.Apply(noPath); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestWriteUnderDeletedParentRecreatesPath(t *testing.T) {
	s := NewStore("p")
	defer s.Close()
	n := s.Namespace("cfg", WriteAll)
	if err := n.Set("region", "eu"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := n.Delete("region"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// A remote write below the deleted key still applies: the path is
	// recreated rather than the merge aborting.
	op := model.Operation{
		Peer: "q", Seq: 1,
		Path:  model.Path{"cfg", "region", "zone"},
		Kind:  model.OpAssign,
		Value: model.MustValue("eu-west-1"),
	}
	if err := s.Apply(op); err != nil {
		t.Fatalf("Apply under deleted parent: %v", err)
	}
	got := s.Get(model.Path{"cfg", "region", "zone"})
	if !got.Equal(model.MustValue("eu-west-1")) {
		t.Fatalf("got %s, want eu-west-1", got.Canonical())
	}
}

func TestApplyBatchToleratesInBatchDisorder(t *testing.T) {
	src := NewStore("src")
	defer src.Close()
	n := src.Namespace("ns", WriteAll)
	for i := 0; i < 4; i++ {
		if err := n.Inc("c", 1); err != nil {
			t.Fatalf("Inc: %v", err)
		}
	}
	ops := src.DiffSince(vclock.New())
	// Deliver with the peer's own sequence order scrambled.
	scrambled := []model.Operation{ops[3], ops[0], ops[2], ops[1]}

	dst := NewStore("dst")
	defer dst.Close()
	if err := dst.ApplyBatch(scrambled); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if got := dst.Namespace("ns", WriteAll).Counter("c"); got != 4 {
		t.Fatalf("counter after scrambled batch: got %d, want 4", got)
	}
	if dst.LogLen() != 4 {
		t.Fatalf("log length: got %d, want 4", dst.LogLen())
	}
}

func TestPendingCommitsDrainsToZero(t *testing.T) {
	s := NewStore("p")
	defer s.Close()

	// Hold the dispatcher so notifications pile up in the queue.
	release := make(chan struct{})
	s.OnLocalCommit(func(Commit) { <-release })

	n := s.Namespace("ns", WriteAll)
	for i := 0; i < 5; i++ {
		if err := n.Inc("c", 1); err != nil {
			t.Fatalf("Inc: %v", err)
		}
	}
	if got := s.PendingCommits(); got == 0 {
		t.Fatal("PendingCommits reported 0 while the dispatcher is blocked")
	}
	close(release)

	deadline := time.Now().Add(3 * time.Second)
	for s.PendingCommits() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("PendingCommits never drained: %d left", s.PendingCommits())
		}
		time.Sleep(time.Millisecond)
	}
}
