// iface.go defines the StoreInterface for dependency injection and
// testing.
//
// The concrete *Store type satisfies this interface. Code that depends on
// the store (e.g., the broadcaster) can accept StoreInterface instead of
// *Store, enabling mock injection in tests.
package doc

import (
	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/vclock"
)

// StoreInterface defines the store operations the replication machinery
// depends on.
type StoreInterface interface {
	// PeerID returns the owning peer's identity.
	PeerID() model.PeerID

	// Apply inserts a single operation if unseen.
	Apply(op model.Operation) error

	// ApplyBatch applies a possibly unordered, possibly overlapping batch.
	ApplyBatch(ops []model.Operation) error

	// DiffSince returns logged operations not dominated by since, in
	// arrival order.
	DiffSince(since vclock.VersionVector) []model.Operation

	// CurrentVersion returns a snapshot of the store's version vector.
	CurrentVersion() vclock.VersionVector

	// OnLocalCommit registers a queued callback per committed local
	// mutation.
	OnLocalCommit(cb func(Commit))

	// PendingCommits reports queued-but-undelivered commit notifications.
	PendingCommits() int

	// ExportSnapshot serializes the store's history; ImportSnapshot folds
	// one back in.
	ExportSnapshot() ([]byte, error)
	ImportSnapshot(data []byte) error

	// Close stops the commit dispatcher.
	Close()
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
