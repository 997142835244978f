package history

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestAppendReplayOrder(t *testing.T) {
	l := NewLog(Config{})
	for i := 0; i < 5; i++ {
		if err := l.Append([]byte{byte(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := l.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for i, e := range entries {
		if e[0] != byte(i) {
			t.Fatalf("entry %d: got %v, want %d", i, e, i)
		}
	}
}

func TestMaxEntriesKeepsMostRecent(t *testing.T) {
	l := NewLog(Config{MaxEntries: 100})
	for i := 0; i < 150; i++ {
		if err := l.Append([]byte(fmt.Sprintf("entry-%03d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := l.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 100 {
		t.Fatalf("retained: got %d, want 100", len(entries))
	}
	if !bytes.Equal(entries[0], []byte("entry-050")) {
		t.Fatalf("oldest retained: got %s, want entry-050", entries[0])
	}
	if !bytes.Equal(entries[99], []byte("entry-149")) {
		t.Fatalf("newest retained: got %s, want entry-149", entries[99])
	}
}

func TestMaxBytesEvictsOldestFirst(t *testing.T) {
	l := NewLog(Config{MaxBytes: 10})
	big := make([]byte, 6)
	for i := 0; i < 3; i++ {
		if err := l.Append(big); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	n, _ := l.Len()
	total, _ := l.TotalBytes()
	if n != 1 || total != 6 {
		t.Fatalf("after byte eviction: got %d entries / %d bytes, want 1 / 6", n, total)
	}
}

func TestCompactResetsAccounting(t *testing.T) {
	l := NewLog(Config{MaxEntries: 10})
	for i := 0; i < 5; i++ {
		if err := l.Append([]byte("e")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Compact([]byte("snapshot-blob")); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	n, _ := l.Len()
	total, _ := l.TotalBytes()
	if n != 0 || total != 0 {
		t.Fatalf("after compact: %d entries / %d bytes, want 0 / 0", n, total)
	}
	snap, err := l.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !bytes.Equal(snap, []byte("snapshot-blob")) {
		t.Fatalf("snapshot: got %q", snap)
	}
	// The log accepts new entries after compaction.
	if err := l.Append([]byte("after")); err != nil {
		t.Fatalf("Append after compact: %v", err)
	}
	if n, _ := l.Len(); n != 1 {
		t.Fatalf("after compact+append: got %d entries, want 1", n)
	}
}

func TestConcurrentAppendAccounting(t *testing.T) {
	l := NewLog(Config{MaxEntries: 64})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = l.Append(make([]byte, 8))
			}
		}()
	}
	wg.Wait()
	n, _ := l.Len()
	total, _ := l.TotalBytes()
	if n != 64 {
		t.Fatalf("entries: got %d, want 64", n)
	}
	if total != 64*8 {
		t.Fatalf("bytes: got %d, want %d", total, 64*8)
	}
}

func TestRetryOnContentionRecovers(t *testing.T) {
	calls := 0
	err := retryOnContention(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryOnContention: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d, want 3", calls)
	}
}

func TestRetryOnContentionStopsOnOtherErrors(t *testing.T) {
	calls := 0
	want := errors.New("constraint failed")
	err := retryOnContention(func() error {
		calls++
		return want
	})
	if err != want {
		t.Fatalf("error: got %v, want %v", err, want)
	}
	if calls != 1 {
		t.Fatalf("non-transient error retried %d times", calls)
	}
}

func TestRetryOnContentionGivesUp(t *testing.T) {
	calls := 0
	err := retryOnContention(func() error {
		calls++
		return errors.New("SQLITE_LOCKED (6)")
	})
	if err == nil {
		t.Fatal("exhausted retries reported success")
	}
	if calls != contentionRetries+1 {
		t.Fatalf("calls: got %d, want %d", calls, contentionRetries+1)
	}
}
