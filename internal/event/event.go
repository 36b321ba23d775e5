// Package event defines the tagged value consumed by every monitor
// pipeline. Exactly one Event variant is produced per source notification:
// a periodic tick, a newly observed log line, or a coalesced batch of
// filesystem changes.
package event

// Kind discriminates the Event variants. The zero value is Tick, so a
// zero Event is a Tick event.
type Kind int

const (
	// Tick is emitted by a Ticker on each period elapse. It carries no data.
	Tick Kind = iota
	// NewLogLine is emitted by a LogTailer or ServiceTailer for each
	// complete line observed. Line holds the line without its trailing
	// newline.
	NewLogLine
	// FileChange is emitted by a FileWatcher for a coalesced batch of
	// filesystem notifications. Paths holds every path that changed in the
	// batch, in the order the watcher observed them.
	FileChange
)

// String returns a human-readable name for k, used in log messages.
func (k Kind) String() string {
	switch k {
	case Tick:
		return "tick"
	case NewLogLine:
		return "new_log_line"
	case FileChange:
		return "file_change"
	default:
		return "unknown"
	}
}

// Event is the tagged value a monitor pipeline receives from its sources.
// Only the field(s) matching Kind are meaningful.
type Event struct {
	Kind  Kind
	Line  string
	Paths []string
}

// NewTick constructs a Tick event.
func NewTick() Event { return Event{Kind: Tick} }

// NewLine constructs a NewLogLine event carrying line.
func NewLine(line string) Event { return Event{Kind: NewLogLine, Line: line} }

// NewFileChange constructs a FileChange event carrying the coalesced set of
// changed paths.
func NewFileChange(paths []string) Event { return Event{Kind: FileChange, Paths: paths} }
