package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/tripwire/agent/internal/action"
	"github.com/tripwire/agent/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
monitor:
  error-watch:
    log: /tmp/t1.log
    match_log: "ERROR (?P<msg>.+)"
    exec: "echo $msg"
  cooldown-watch:
    log: /tmp/t2.log
    match_log: ".*"
    cooldown: "1s"
    exec: ["/bin/true"]
  threshold-watch:
    every: "100ms"
    threshold: "3/500ms"
    exec: ["/bin/true"]
`

func TestLoadSpecs_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)

	specs, err := config.LoadSpecs(path)
	if err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}

	byName := make(map[string]int)
	for i, s := range specs {
		byName[s.Name] = i
	}

	ew := specs[byName["error-watch"]]
	if ew.LogPath != "/tmp/t1.log" {
		t.Errorf("error-watch log path = %q", ew.LogPath)
	}
	if ew.MatchRegex == nil || !ew.MatchRegex.MatchString("ERROR boom") {
		t.Errorf("error-watch match_regex did not compile correctly")
	}
	if ew.Action.Kind != action.Shell || ew.Action.Cmdline != "echo $msg" {
		t.Errorf("error-watch action = %+v", ew.Action)
	}

	cw := specs[byName["cooldown-watch"]]
	if cw.Cooldown != time.Second {
		t.Errorf("cooldown-watch cooldown = %v", cw.Cooldown)
	}
	if cw.Action.Kind != action.Spawn || len(cw.Action.Argv) != 1 || cw.Action.Argv[0] != "/bin/true" {
		t.Errorf("cooldown-watch action = %+v", cw.Action)
	}

	tw := specs[byName["threshold-watch"]]
	if tw.ThresholdN != 3 || tw.ThresholdW != 500*time.Millisecond {
		t.Errorf("threshold-watch threshold = %d/%v", tw.ThresholdN, tw.ThresholdW)
	}
}

func TestLoadSpecs_BareThresholdRequiresEvery(t *testing.T) {
	path := writeTemp(t, `
monitor:
  bad:
    log: /tmp/t.log
    threshold: "500ms"
    exec: "/bin/true"
`)

	if _, err := config.LoadSpecs(path); err == nil {
		t.Fatal("expected error for bare threshold window without every")
	}
}

func TestLoadSpecs_BareThresholdResolvesFromEvery(t *testing.T) {
	path := writeTemp(t, `
monitor:
  ok:
    every: "100ms"
    threshold: "500ms"
    exec: "/bin/true"
`)

	specs, err := config.LoadSpecs(path)
	if err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if specs[0].ThresholdN != 5 {
		t.Errorf("expected N=5 (500ms/100ms), got %d", specs[0].ThresholdN)
	}
}

func TestLoadSpecs_RequiresAtLeastOneSource(t *testing.T) {
	path := writeTemp(t, `
monitor:
  no-source:
    exec: "/bin/true"
`)

	if _, err := config.LoadSpecs(path); err == nil {
		t.Fatal("expected error for monitor with no event source")
	}
}

func TestLoadSpecs_RequiresExec(t *testing.T) {
	path := writeTemp(t, `
monitor:
  no-exec:
    every: "1s"
`)

	if _, err := config.LoadSpecs(path); err == nil {
		t.Fatal("expected error for monitor with no exec")
	}
}

func TestLoadSpecs_InvalidRegexReported(t *testing.T) {
	path := writeTemp(t, `
monitor:
  bad-regex:
    log: /tmp/t.log
    match_log: "("
    exec: "/bin/true"
`)

	if _, err := config.LoadSpecs(path); err == nil {
		t.Fatal("expected error for invalid match_log regex")
	}
}

func TestLoadSpecs_MissingFile(t *testing.T) {
	if _, err := config.LoadSpecs("/nonexistent/path/to/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadSpecs_WatchAcceptsStringOrSlice(t *testing.T) {
	path := writeTemp(t, `
monitor:
  single:
    watch: /tmp/a
    exec: "/bin/true"
  multi:
    watch: ["/tmp/a", "/tmp/b"]
    exec: "/bin/true"
`)

	specs, err := config.LoadSpecs(path)
	if err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	for _, s := range specs {
		switch s.Name {
		case "single":
			if len(s.WatchPaths) != 1 {
				t.Errorf("single: expected 1 watch path, got %v", s.WatchPaths)
			}
		case "multi":
			if len(s.WatchPaths) != 2 {
				t.Errorf("multi: expected 2 watch paths, got %v", s.WatchPaths)
			}
		}
	}
}
