package history_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/agent/internal/history"
)

func TestRecordDispatchAndComplete(t *testing.T) {
	l, err := history.Open(filepath.Join(t.TempDir(), "h.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	rec, err := l.RecordDispatch(ctx, "mon1", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected a non-empty dispatch ID")
	}

	if err := l.Complete(ctx, rec.ID, 0, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	n, err := l.CountForMonitor(ctx, "mon1")
	if err != nil {
		t.Fatalf("CountForMonitor: %v", err)
	}
	if n != 1 {
		t.Errorf("CountForMonitor = %d, want 1", n)
	}
}

func TestComplete_RecordsRunError(t *testing.T) {
	l, err := history.Open(filepath.Join(t.TempDir(), "h.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	rec, err := l.RecordDispatch(ctx, "mon2", nil)
	if err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}

	if err := l.Complete(ctx, rec.ID, 1, errors.New("boom")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestOpen_WithAuditPathWritesHashChainedTrail(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")

	l, err := history.Open(filepath.Join(dir, "h.db"), auditPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	rec, err := l.RecordDispatch(ctx, "mon3", map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	if err := l.Complete(ctx, rec.ID, 0, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lineCount := 0
	for _, b := range data {
		if b == '\n' {
			lineCount++
		}
	}
	// Chain verification itself is covered by the audit package's own
	// tests; here we only confirm history.Ledger actually appended entries.
	if lineCount != 2 {
		t.Fatalf("audit entries = %d, want 2 (dispatch + complete)", lineCount)
	}
}
