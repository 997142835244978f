// Package history implements the bounded, compactable log of recent
// replication traffic.
//
// The log retains encoded envelopes (or operations) for replay: offline
// commits are captured here and folded back in on reconnect, and a log
// plus snapshot is enough to rebuild a store. Retention is bounded by
// entry count and total byte size with oldest-first eviction; Compact
// atomically replaces the retained prefix with an opaque snapshot and
// resets the accounting.
//
// Compaction is a local policy decision. It is not coordinated with
// remote peers' knowledge: an entry can be pruned before a disconnected
// peer ever received it, leaving that peer a permanent gap. Callers
// assert safety (or accept the gap) when they call Compact; the log
// never compacts on its own.
package history

import (
	"sync"
)

// Config bounds retention. Zero values mean unbounded.
type Config struct {
	MaxEntries int
	MaxBytes   int
}

// Log is the in-memory history log. All mutating operations serialize
// under one lock so count and byte accounting stay consistent under
// concurrent writers.
type Log struct {
	mu       sync.Mutex
	cfg      Config
	entries  [][]byte
	total    int
	snapshot []byte
}

// NewLog returns an empty log with the given bounds.
func NewLog(cfg Config) *Log {
	return &Log{cfg: cfg}
}

// Append adds an entry, evicting oldest entries if a bound is exceeded.
func (l *Log) Append(entry []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	l.total += len(entry)
	l.evictLocked()
	return nil
}

func (l *Log) evictLocked() {
	for l.cfg.MaxEntries > 0 && len(l.entries) > l.cfg.MaxEntries {
		l.dropOldestLocked()
	}
	for l.cfg.MaxBytes > 0 && l.total > l.cfg.MaxBytes && len(l.entries) > 0 {
		l.dropOldestLocked()
	}
}

func (l *Log) dropOldestLocked() {
	l.total -= len(l.entries[0])
	l.entries = l.entries[1:]
}

// Replay returns the retained entries in insertion order.
func (l *Log) Replay() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// Len returns the number of retained entries.
func (l *Log) Len() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries), nil
}

// TotalBytes returns the summed size of retained entries.
func (l *Log) TotalBytes() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, nil
}

// Compact atomically replaces the retained prefix with an opaque
// snapshot and resets size accounting.
func (l *Log) Compact(snapshot []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot = snapshot
	l.entries = nil
	l.total = 0
	return nil
}

// Snapshot returns the most recent compaction snapshot, or nil.
func (l *Log) Snapshot() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot, nil
}

// Close is a no-op for the in-memory log.
func (l *Log) Close() error { return nil }
