package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daviddao/swarmdoc/pkg/doc"
	"github.com/daviddao/swarmdoc/pkg/history"
	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/peers"
	"github.com/daviddao/swarmdoc/pkg/transport"
)

// chanTransport is an in-process transport: frames sent on one end
// arrive at the other. Connectivity is toggleable to exercise the
// offline capture path.
type chanTransport struct {
	sendCh    chan []byte
	recvCh    chan []byte
	connected atomic.Bool
}

var _ transport.Transport = (*chanTransport)(nil)

// newPair returns two cross-wired connected transports.
func newPair() (*chanTransport, *chanTransport) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	a := &chanTransport{sendCh: ab, recvCh: ba}
	b := &chanTransport{sendCh: ba, recvCh: ab}
	a.connected.Store(true)
	b.connected.Store(true)
	return a, b
}

func (t *chanTransport) Connect(ctx context.Context) error {
	t.connected.Store(true)
	return nil
}

func (t *chanTransport) Send(ctx context.Context, data []byte) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	select {
	case t.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *chanTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.recvCh:
		return data, nil
	case <-ctx.Done():
		return nil, &transport.ConnectionError{Op: "receive", Err: ctx.Err()}
	}
}

func (t *chanTransport) IsConnected() bool { return t.connected.Load() }

func (t *chanTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	store *doc.Store
	bc    *Broadcaster
}

func newFixture(t *testing.T, peer model.PeerID, tr transport.Transport, hist history.Store) *fixture {
	t.Helper()
	store := doc.NewStore(peer)
	t.Cleanup(store.Close)
	bc := New(store, tr, peers.NewManager(0), hist, Config{HeartbeatEvery: -1})
	return &fixture{store: store, bc: bc}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.bc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		f.bc.Stop(time.Second)
		cancel()
	})
}

func TestLocalCommitsReachTheOtherPeer(t *testing.T) {
	trA, trB := newPair()
	alice := newFixture(t, "alice", trA, nil)
	bob := newFixture(t, "bob", trB, nil)
	alice.start(t)
	bob.start(t)

	ns := alice.store.Namespace("tasks", 0)
	if err := ns.Set("status", "running"); err != nil {
		t.Fatalf("set: %v", err)
	}

	waitFor(t, "bob to see alice's write", func() bool {
		v := bob.store.Get(model.Path{"tasks", "status"})
		return v.Scalar() == "running"
	})
}

func TestRemoteApplicationsDoNotEchoBack(t *testing.T) {
	trA, trB := newPair()
	alice := newFixture(t, "alice", trA, nil)
	bob := newFixture(t, "bob", trB, nil)
	alice.start(t)
	bob.start(t)

	if err := alice.store.Namespace("tasks", 0).Set("k", int64(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "bob to apply", func() bool {
		return !bob.store.Get(model.Path{"tasks", "k"}).IsAbsent()
	})

	// nothing bob applied should come back out of bob's send side
	select {
	case data := <-trB.sendCh:
		t.Fatalf("bob echoed %d bytes after remote apply", len(data))
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFlushPendingWithZeroTimeoutIsImmediate(t *testing.T) {
	alice := newFixture(t, "alice", nil, nil)

	if err := alice.store.Namespace("n", 0).Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "commit to reach the queue", func() bool {
		return alice.bc.PendingCount() > 0
	})

	if alice.bc.FlushPending(0) {
		t.Fatal("flush with a stopped send loop reported drained")
	}

	alice.start(t)
	if !alice.bc.FlushPending(time.Second) {
		t.Fatal("queue did not drain after start")
	}
}

func TestOfflineCaptureAndReplay(t *testing.T) {
	trA, trB := newPair()
	trA.connected.Store(false)
	hist := history.NewLog(history.Config{})
	alice := newFixture(t, "alice", trA, hist)
	bob := newFixture(t, "bob", trB, nil)
	alice.start(t)
	bob.start(t)

	ns := alice.store.Namespace("notes", 0)
	for i := 0; i < 5; i++ {
		if err := ns.Set(fmt.Sprintf("n%d", i), int64(i)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	waitFor(t, "commits captured offline", func() bool {
		n, _ := hist.Len()
		return n == 5 && alice.bc.PendingCount() == 0
	})

	trA.connected.Store(true)
	if err := alice.bc.ReplayLog(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	waitFor(t, "bob to converge on replayed ops", func() bool {
		for i := 0; i < 5; i++ {
			v := bob.store.Get(model.Path{"notes", fmt.Sprintf("n%d", i)})
			if v.IsAbsent() {
				return false
			}
		}
		return true
	})

	if n, _ := hist.Len(); n != 0 {
		t.Fatalf("capture log not cleared after replay: %d entries", n)
	}
}

func TestSyncExchangesDeltasBothWays(t *testing.T) {
	trA, trB := newPair()

	// both peers accumulate history before replication starts
	aliceStore := doc.NewStore("alice")
	t.Cleanup(aliceStore.Close)
	bobStore := doc.NewStore("bob")
	t.Cleanup(bobStore.Close)
	if err := aliceStore.Namespace("m", 0).Set("from-alice", int64(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := bobStore.Namespace("m", 0).Set("from-bob", int64(2)); err != nil {
		t.Fatalf("set: %v", err)
	}

	aliceBC := New(aliceStore, trA, peers.NewManager(0), nil, Config{HeartbeatEvery: -1})
	bobBC := New(bobStore, trB, peers.NewManager(0), nil, Config{HeartbeatEvery: -1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := aliceBC.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	if err := bobBC.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	t.Cleanup(func() { aliceBC.Stop(time.Second); bobBC.Stop(time.Second) })

	if err := aliceBC.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	waitFor(t, "bob to hold alice's op", func() bool {
		return !bobStore.Get(model.Path{"m", "from-alice"}).IsAbsent()
	})
	waitFor(t, "alice to hold bob's op", func() bool {
		return !aliceStore.Get(model.Path{"m", "from-bob"}).IsAbsent()
	})
}

func TestSnapshotRequestHydratesFreshPeer(t *testing.T) {
	trA, trB := newPair()
	alice := newFixture(t, "alice", trA, nil)
	bob := newFixture(t, "bob", trB, nil)

	ns := bob.store.Namespace("cfg", 0)
	if err := ns.Set("limit", int64(42)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := ns.Set("mode", "strict"); err != nil {
		t.Fatalf("set: %v", err)
	}

	alice.start(t)
	bob.start(t)

	if err := alice.bc.RequestSnapshot(context.Background()); err != nil {
		t.Fatalf("request snapshot: %v", err)
	}

	waitFor(t, "alice to import bob's snapshot", func() bool {
		return alice.store.Get(model.Path{"cfg", "limit"}).Scalar() == int64(42) &&
			alice.store.Get(model.Path{"cfg", "mode"}).Scalar() == "strict"
	})
}

func TestAttachTransportStartsReplication(t *testing.T) {
	trA, trB := newPair()
	alice := newFixture(t, "alice", nil, nil)
	bob := newFixture(t, "bob", trB, nil)
	alice.start(t)
	bob.start(t)

	if err := alice.bc.AttachTransport(trA); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := alice.bc.AttachTransport(trA); err == nil {
		t.Fatal("second attach should fail")
	}

	if err := alice.store.Namespace("a", 0).Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "bob to see post-attach write", func() bool {
		return bob.store.Get(model.Path{"a", "k"}).Scalar() == "v"
	})
}

func TestStopDrainsBeforeShutdown(t *testing.T) {
	trA, trB := newPair()
	alice := newFixture(t, "alice", trA, nil)
	bob := newFixture(t, "bob", trB, nil)
	alice.start(t)
	bob.start(t)

	ns := alice.store.Namespace("d", 0)
	for i := 0; i < 20; i++ {
		if err := ns.Set(fmt.Sprintf("k%d", i), int64(i)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	if err := alice.bc.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if alice.bc.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", alice.bc.State())
	}

	waitFor(t, "bob to receive everything sent before stop", func() bool {
		for i := 0; i < 20; i++ {
			if bob.store.Get(model.Path{"d", fmt.Sprintf("k%d", i)}).IsAbsent() {
				return false
			}
		}
		return true
	})
}
