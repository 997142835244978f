// iface.go defines the Store interface over history backends.
//
// Both the in-memory Log and the durable SQLiteLog satisfy it. Code that
// records or replays history accepts Store, enabling mock injection in
// tests and backend choice at wiring time.
package history

// Store is the history backend contract.
type Store interface {
	// Append adds an entry, evicting oldest entries past the bounds.
	Append(entry []byte) error

	// Replay returns retained entries in insertion order.
	Replay() ([][]byte, error)

	// Len returns the number of retained entries.
	Len() (int, error)

	// TotalBytes returns the summed entry size.
	TotalBytes() (int, error)

	// Compact replaces the retained prefix with an opaque snapshot.
	Compact(snapshot []byte) error

	// Snapshot returns the last compaction snapshot, or nil.
	Snapshot() ([]byte, error)

	// Close releases backend resources.
	Close() error
}

// Compile-time checks that both backends implement Store.
var (
	_ Store = (*Log)(nil)
	_ Store = (*SQLiteLog)(nil)
)
