// retry.go rides out transient SQLite contention on the write paths.
//
// WAL mode serializes writers, and under concurrent access
// modernc.org/sqlite surfaces busy, locked, and short-read conditions as
// plain errors. The busy_timeout pragma absorbs most of that at the
// connection level; whatever leaks through is retried here.
package history

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// contentionRetries bounds how often a write is re-attempted before the
// underlying error is surfaced.
const contentionRetries = 3

// retryOnContention runs fn, backing off exponentially on transient
// SQLite contention. Any other error aborts immediately.
func retryOnContention(fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !contention(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(policy, contentionRetries))
}

// Markers modernc.org/sqlite embeds in error text for the retryable
// result codes: SQLITE_BUSY (5), SQLITE_LOCKED (6), and
// SQLITE_IOERR_SHORT_READ (522).
var contentionMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

// contention reports whether err is a transient condition a retry can
// clear.
func contention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range contentionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
