package supervisor_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/agent/internal/action"
	"github.com/tripwire/agent/internal/history"
	"github.com/tripwire/agent/internal/monitor"
	"github.com/tripwire/agent/internal/supervisor"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func TestNew_RejectsNothing_EmptySpecs(t *testing.T) {
	s, err := supervisor.New(noopLogger(), nil, supervisor.WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Errorf("Run with zero monitors returned %v, want nil (nothing to wait for)", err)
	}
}

func TestNew_UniqueCaptureFlushesCapturedValueToDisk(t *testing.T) {
	cacheDir := t.TempDir()
	logPath := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(logPath, nil, 0o644); err != nil {
		t.Fatalf("create log file: %v", err)
	}

	specs := []monitor.Spec{
		{
			Name:          "dedup",
			LogPath:       logPath,
			MatchRegex:    regexp.MustCompile(`(?P<msg>.+)`),
			UniqueCapture: "msg",
			Action:        action.Action{Kind: action.Shell, Cmdline: "true"},
		},
	}

	s, err := supervisor.New(noopLogger(), specs, supervisor.WithCacheDir(cacheDir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	// Give the log tailer a moment to open the file and seek to EOF before
	// appending the line it must capture, dedup-gate, and persist.
	deadline := time.Now().Add(time.Second)
	for s.Uptime() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("unique-value-1\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	cachePath := filepath.Join(cacheDir, "dedup.txt")
	found := false
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, readErr := os.ReadFile(cachePath)
		if readErr == nil && strings.Contains(string(data), "unique-value-1") {
			found = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-runDone

	if !found {
		t.Fatalf("cache file %q was never written with the captured unique value", cachePath)
	}
}

func TestRun_CancelledContextReturnsNil(t *testing.T) {
	specs := []monitor.Spec{tickSpecWithDuration("t1", 5*time.Millisecond)}
	s, err := supervisor.New(noopLogger(), specs, supervisor.WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Errorf("Run returned %v, want nil on graceful shutdown", err)
	}
}

func TestRun_CannotRunTwiceConcurrently(t *testing.T) {
	specs := []monitor.Spec{tickSpecWithDuration("t1", 5*time.Millisecond)}
	s, err := supervisor.New(noopLogger(), specs, supervisor.WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for s.Uptime() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := s.Run(context.Background()); err == nil {
		t.Error("expected error starting a second concurrent Run, got nil")
	}

	s.Stop()
	<-done
}

func TestWithLedger_ClosesOnRunExit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	ledger, err := history.Open(dbPath, "")
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}

	specs := []monitor.Spec{tickSpecWithDuration("t1", 5*time.Millisecond)}
	s, err := supervisor.New(noopLogger(), specs,
		supervisor.WithCacheDir(t.TempDir()),
		supervisor.WithLedger(ledger),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Run closes the ledger on exit, so it can no longer be queried.
	if _, err := ledger.CountForMonitor(context.Background(), "t1"); err == nil {
		t.Error("ledger still usable after Run returned, want it closed")
	}

	// A second Close would error if Run's internal close already happened
	// and the driver does not tolerate double-close; history.Ledger.Close
	// wraps sql.DB.Close which is documented safe to call multiple times.
	if err := ledger.Close(); err != nil {
		t.Errorf("second Close returned %v, want nil (sql.DB.Close is idempotent)", err)
	}
}

func tickSpecWithDuration(name string, every time.Duration) monitor.Spec {
	return monitor.Spec{Name: name, Every: every}
}
