// Package svctail implements the ServiceTailer: it follows a system
// service's journal by spawning a child process (journalctl by default)
// and turning its stdout into a stream of event.NewLogLine.
package svctail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/tripwire/agent/internal/event"
)

// ErrServiceExitedEarly is returned when the follower child process exits
// (or its stdout reaches EOF) before the tailer was asked to stop.
var ErrServiceExitedEarly = errors.New("svctail: service follower exited early")

// CommandFactory builds the *exec.Cmd used to follow a unit's journal. It
// is injectable so tests can substitute a synthetic producer without a
// running systemd — mirrors the teacher's ProcNetReader injection pattern
// for testing without elevated OS privileges.
type CommandFactory func(ctx context.Context, unit string) *exec.Cmd

// defaultCommandFactory invokes "journalctl -n0 -fu <unit>" with stdin
// detached.
func defaultCommandFactory(ctx context.Context, unit string) *exec.Cmd {
	return exec.CommandContext(ctx, "journalctl", "-n0", "-fu", unit)
}

// Tailer follows one systemd unit's journal.
type Tailer struct {
	unit    string
	sink    chan<- event.Event
	logger  *slog.Logger
	factory CommandFactory
}

// New constructs a Tailer for the given unit name. If factory is nil the
// default journalctl-based factory is used.
func New(unit string, sink chan<- event.Event, logger *slog.Logger, factory CommandFactory) *Tailer {
	if factory == nil {
		factory = defaultCommandFactory
	}
	return &Tailer{unit: unit, sink: sink, logger: logger, factory: factory}
}

// Run spawns the follower process and forwards each line of its stdout as
// an event.NewLogLine until ctx is cancelled, the child exits, or stdout
// reaches EOF. Cancellation returns nil; a failure to set up or start the
// follower returns that error wrapped; any other exit path returns
// ErrServiceExitedEarly wrapping the underlying cause, if any.
func (t *Tailer) Run(ctx context.Context) error {
	cmd := t.factory(ctx, t.unit)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("svctail: stdout pipe for unit %q: %w", t.unit, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("svctail: start follower for unit %q: %w", t.unit, err)
	}

	lineDone := make(chan error, 1)
	go func() {
		lineDone <- t.pump(ctx, stdout)
	}()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-lineDone
		_ = cmd.Wait()
		return nil
	case err := <-lineDone:
		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: unit %q: %v", ErrServiceExitedEarly, t.unit, err)
		}
		if waitErr != nil {
			return fmt.Errorf("%w: unit %q: %v", ErrServiceExitedEarly, t.unit, waitErr)
		}
		return fmt.Errorf("%w: unit %q", ErrServiceExitedEarly, t.unit)
	}
}

// pump reads newline-delimited lines from r and forwards them to the sink.
// It returns nil on a clean EOF (the caller treats that as early exit) or
// a wrapped scanner error.
func (t *Tailer) pump(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case t.sink <- event.NewLine(scanner.Text()):
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}
