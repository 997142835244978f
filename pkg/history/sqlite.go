// sqlite.go implements the durable history backend on SQLite in WAL
// mode. The same retention semantics as the in-memory Log apply; bounds
// are enforced after every append inside one transaction so concurrent
// writers never observe inconsistent accounting.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is a durable history log.
type SQLiteLog struct {
	db  *sql.DB
	cfg Config
}

// OpenSQLite opens (or creates) the history database at path.
func OpenSQLite(path string, cfg Config) (*SQLiteLog, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	l := &SQLiteLog{db: db, cfg: cfg}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		data       BLOB NOT NULL,
		bytes      INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshot (
		id   INTEGER PRIMARY KEY CHECK (id = 1),
		data BLOB NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append inserts an entry and enforces the retention bounds in the same
// transaction.
func (l *SQLiteLog) Append(entry []byte) error {
	return retryOnContention(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(
			`INSERT INTO entries (data, bytes, created_at) VALUES (?, ?, ?)`,
			entry, len(entry), time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
		if l.cfg.MaxEntries > 0 {
			if _, err := tx.Exec(
				`DELETE FROM entries WHERE id NOT IN
				   (SELECT id FROM entries ORDER BY id DESC LIMIT ?)`,
				l.cfg.MaxEntries,
			); err != nil {
				return err
			}
		}
		if l.cfg.MaxBytes > 0 {
			// Drop oldest rows until the byte bound holds.
			for {
				var total sql.NullInt64
				if err := tx.QueryRow(`SELECT SUM(bytes) FROM entries`).Scan(&total); err != nil {
					return err
				}
				if !total.Valid || int(total.Int64) <= l.cfg.MaxBytes {
					break
				}
				if _, err := tx.Exec(
					`DELETE FROM entries WHERE id = (SELECT MIN(id) FROM entries)`,
				); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
}

// Replay returns retained entries in insertion order.
func (l *SQLiteLog) Replay() ([][]byte, error) {
	rows, err := l.db.Query(`SELECT data FROM entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("replay history: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

// Len returns the number of retained entries.
func (l *SQLiteLog) Len() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// TotalBytes returns the summed entry size.
func (l *SQLiteLog) TotalBytes() (int, error) {
	var total sql.NullInt64
	if err := l.db.QueryRow(`SELECT SUM(bytes) FROM entries`).Scan(&total); err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return int(total.Int64), nil
}

// Compact atomically replaces all retained entries with the snapshot.
// A nil snapshot clears the entries without recording one.
func (l *SQLiteLog) Compact(snapshot []byte) error {
	return retryOnContention(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM entries`); err != nil {
			return err
		}
		if snapshot == nil {
			if _, err := tx.Exec(`DELETE FROM snapshot WHERE id = 1`); err != nil {
				return err
			}
			return tx.Commit()
		}
		if _, err := tx.Exec(
			`INSERT INTO snapshot (id, data) VALUES (1, ?)
			 ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
			snapshot,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Snapshot returns the last compaction snapshot, or nil if none exists.
func (l *SQLiteLog) Snapshot() ([]byte, error) {
	var data []byte
	err := l.db.QueryRow(`SELECT data FROM snapshot WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

// Close closes the database connection.
func (l *SQLiteLog) Close() error { return l.db.Close() }
