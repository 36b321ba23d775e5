// Package monitor implements the per-monitor event pipeline: source fan-in
// into a single bounded queue, then serial cooldown -> match -> ignore ->
// unique -> threshold -> action-dispatch processing, exactly as described
// in spec.md §4.6. A Monitor is the sole mutator of its own state; no
// cross-monitor shared mutable state exists anywhere in this package.
package monitor

import (
	"regexp"
	"time"

	"github.com/tripwire/agent/internal/action"
)

// Spec is the immutable, validated description of one monitor, built once
// by internal/config and never mutated afterward.
type Spec struct {
	Name string

	Every       time.Duration // zero means no Ticker source
	LogPath     string        // empty means no LogTailer source
	ServiceUnit string        // empty means no ServiceTailer source
	WatchPaths  []string      // empty means no FileWatcher source

	Cooldown time.Duration // zero means no cooldown gate

	MatchRegex  *regexp.Regexp // nil means no match gate (all lines pass)
	IgnoreRegex *regexp.Regexp // nil means no ignore gate

	UniqueCapture string // empty means no uniqueness gate

	ThresholdN int           // zero means no threshold gate
	ThresholdW time.Duration

	Action action.Action

	NotifyTitle string // empty means no notification dispatch
	NotifyBody  string
}

// HasThreshold reports whether this spec configures a threshold gate.
func (s Spec) HasThreshold() bool { return s.ThresholdN > 0 }

// HasNotify reports whether this spec dispatches a notification on match.
func (s Spec) HasNotify() bool { return s.NotifyTitle != "" }
