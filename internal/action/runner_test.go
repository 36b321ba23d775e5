package action_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/agent/internal/action"
)

func TestRun_ShellInjectsVarsAsEnv(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out.txt")

	a := action.Action{Kind: action.Shell, Cmdline: "printf '%s' \"$GREETING\" > " + outFile}
	results := action.Run(a, map[string]string{"GREETING": "hello"})

	select {
	case res := <-results:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.ExitCode != 0 {
			t.Fatalf("exit code = %d, want 0", res.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for action result")
	}

	got, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("output = %q, want %q", got, "hello")
	}
}

func TestRun_SpawnNonZeroExit(t *testing.T) {
	a := action.Action{Kind: action.Spawn, Argv: []string{"sh", "-c", "exit 7"}}
	results := action.Run(a, nil)

	res := <-results
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestRun_EmptyArgvFailsToSpawn(t *testing.T) {
	a := action.Action{Kind: action.Spawn, Argv: nil}
	results := action.Run(a, nil)

	res := <-results
	if res.Err == nil {
		t.Fatal("expected a spawn error for empty argv")
	}
}

// TestRun_SurvivesShutdown asserts the in-flight-actions-are-not-killed
// behavior: a long-running action dispatched while the caller's own
// shutdown context is cancelled still runs to completion and reports its
// real exit code, because action.Run never ties the child process to any
// caller context.
func TestRun_SurvivesShutdown(t *testing.T) {
	shutdown, cancelShutdown := context.WithCancel(context.Background())
	cancelShutdown() // the owning monitor has already begun shutting down

	a := action.Action{Kind: action.Spawn, Argv: []string{"sh", "-c", "sleep 0.2; exit 3"}}
	results := action.Run(a, nil)

	select {
	case res := <-results:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.ExitCode != 3 {
			t.Errorf("exit code = %d, want 3 (action must run to completion, not be killed)", res.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for action result")
	}

	if shutdown.Err() == nil {
		t.Fatal("shutdown context should already be cancelled")
	}
}
