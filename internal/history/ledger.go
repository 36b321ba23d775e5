// Package history provides a WAL-mode SQLite-backed durable record of every
// action dispatch a monitor performs, paired with a tamper-evident,
// hash-chained audit trail of the same dispatches for installations that
// need to prove after the fact that no dispatch record was altered.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/tripwire/agent/internal/audit"
)

// Ledger is a WAL-mode SQLite-backed dispatch history, optionally backed by
// a hash-chained audit log of the same events. It is safe for concurrent
// use.
type Ledger struct {
	db    *sql.DB
	audit *audit.Logger // nil when no audit path was configured
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. Passing ":memory:" is useful in tests. If auditPath is non-empty,
// every recorded dispatch and its completion are also appended to a
// tamper-evident hash-chained log at that path.
func Open(path, auditPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	// A single writer connection avoids "database is locked" errors when
	// multiple monitor pipelines record dispatches concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	l := &Ledger{db: db}

	if auditPath != "" {
		a, err := audit.Open(auditPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("history: open audit log %q: %w", auditPath, err)
		}
		l.audit = a
	}

	return l, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS dispatch (
    id            TEXT    PRIMARY KEY,
    monitor_name  TEXT    NOT NULL,
    vars          TEXT    NOT NULL DEFAULT '{}',
    dispatched_at TEXT    NOT NULL,
    exit_code     INTEGER,
    error         TEXT,
    completed_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_dispatch_monitor ON dispatch (monitor_name, dispatched_at);
`

// Record describes one action dispatch at the moment it was issued.
type Record struct {
	ID           string
	MonitorName  string
	Vars         map[string]string
	DispatchedAt time.Time
}

// RecordDispatch inserts a new row for a just-issued action dispatch and
// returns the assigned Record (with a fresh ID) for later completion via
// Complete. Per spec.md's persistence-failure policy, callers should log
// (not fail the pipeline) on a non-nil error.
func (l *Ledger) RecordDispatch(ctx context.Context, monitorName string, vars map[string]string) (Record, error) {
	rec := Record{
		ID:           uuid.NewString(),
		MonitorName:  monitorName,
		Vars:         vars,
		DispatchedAt: time.Now().UTC(),
	}

	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return rec, fmt.Errorf("history: marshal vars: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO dispatch (id, monitor_name, vars, dispatched_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.MonitorName, string(varsJSON), rec.DispatchedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return rec, fmt.Errorf("history: insert dispatch: %w", err)
	}

	if l.audit != nil {
		auditPayload, _ := json.Marshal(map[string]any{
			"event":        "dispatch",
			"dispatch_id":  rec.ID,
			"monitor_name": rec.MonitorName,
			"vars":         vars,
		})
		if _, err := l.audit.Append(auditPayload); err != nil {
			return rec, fmt.Errorf("history: append audit entry: %w", err)
		}
	}

	return rec, nil
}

// Complete records the outcome of a previously-dispatched action: its exit
// code, or an error if the child could not be spawned/run at all.
func (l *Ledger) Complete(ctx context.Context, id string, exitCode int, runErr error) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	_, err := l.db.ExecContext(ctx,
		`UPDATE dispatch SET exit_code = ?, error = ?, completed_at = ? WHERE id = ?`,
		exitCode, errText, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("history: complete dispatch %q: %w", id, err)
	}

	if l.audit != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		auditPayload, _ := json.Marshal(map[string]any{
			"event":       "complete",
			"dispatch_id": id,
			"exit_code":   exitCode,
			"error":       errMsg,
		})
		if _, err := l.audit.Append(auditPayload); err != nil {
			return fmt.Errorf("history: append audit entry: %w", err)
		}
	}

	return nil
}

// CountForMonitor returns the total number of dispatches ever recorded for
// monitorName, completed or not. Useful for diagnostics/health endpoints.
func (l *Ledger) CountForMonitor(ctx context.Context, monitorName string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch WHERE monitor_name = ?`, monitorName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count for monitor %q: %w", monitorName, err)
	}
	return n, nil
}

// Close closes the underlying database connection and, if configured, the
// audit log file.
func (l *Ledger) Close() error {
	dbErr := l.db.Close()
	if l.audit == nil {
		return dbErr
	}
	if auditErr := l.audit.Close(); auditErr != nil {
		if dbErr != nil {
			return fmt.Errorf("history: close db: %v; close audit: %w", dbErr, auditErr)
		}
		return fmt.Errorf("history: close audit: %w", auditErr)
	}
	return dbErr
}
