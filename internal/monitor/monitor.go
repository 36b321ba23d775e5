package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/tripwire/agent/internal/action"
	"github.com/tripwire/agent/internal/event"
	"github.com/tripwire/agent/internal/uniquestore"
)

// queueCapacity is the aggregate per-monitor queue size named in spec.md
// §5: small and bounded so a slow monitor exerts back-pressure on its
// sources rather than growing memory without bound.
const queueCapacity = 1000

// ErrNoMoreEvents is returned by Run when its event queue closes while the
// monitor was not asked to shut down — i.e. every source exited on its
// own. Per spec.md §4.8 this is itself a failure condition, distinct from
// the nil return Run gives on an intentional context cancellation (see
// DESIGN.md for why the two cases are distinguished this way).
var ErrNoMoreEvents = errors.New("monitor: no more events")

// Ledger is the interface the pipeline uses to durably record action
// dispatches. It decouples the pipeline from internal/history the way the
// teacher's agent.Queue interface decouples Agent from its SQLite backing
// store. A nil Ledger is valid: dispatches simply aren't recorded.
type Ledger interface {
	RecordDispatch(ctx context.Context, monitorName string, vars map[string]string) (dispatchID string, err error)
	Complete(ctx context.Context, dispatchID string, exitCode int, runErr error) error
}

// Notifier is the interface the pipeline uses to dispatch the "notify"
// config key. A nil Notifier is valid: notifications are simply skipped.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Monitor runs the event pipeline for a single Spec. Create one with New,
// register its sources with AddSource, then call Run.
type Monitor struct {
	spec   Spec
	logger *slog.Logger
	queue  chan event.Event

	unique *uniquestore.Store
	ring   *ring

	ledger   Ledger
	notifier Notifier

	lastActionAt time.Time

	sources []func(ctx context.Context) error
}

// New constructs a Monitor for spec. unique may be nil if spec has no
// unique_capture; ledger and notifier may be nil (see their doc comments).
func New(spec Spec, logger *slog.Logger, unique *uniquestore.Store, ledger Ledger, notifier Notifier) *Monitor {
	m := &Monitor{
		spec:     spec,
		logger:   logger.With(slog.String("monitor", spec.Name)),
		queue:    make(chan event.Event, queueCapacity),
		unique:   unique,
		ledger:   ledger,
		notifier: notifier,
	}
	if spec.HasThreshold() {
		m.ring = newRing(spec.ThresholdN)
	}
	return m
}

// Name returns the monitor's configured name.
func (m *Monitor) Name() string { return m.spec.Name }

// Queue returns the channel sources should send events to. It is closed by
// Run once every registered source has exited, never by a source itself.
func (m *Monitor) Queue() chan<- event.Event { return m.queue }

// AddSource registers a source's run loop. run is called from Run and
// should block, sending events onto Queue(), until ctx is cancelled.
func (m *Monitor) AddSource(run func(ctx context.Context) error) {
	m.sources = append(m.sources, run)
}

// Run starts every registered source, consumes the aggregate queue
// serially in arrival order, and processes each event through the
// predicate pipeline. It returns nil if ctx was cancelled, or
// ErrNoMoreEvents (optionally wrapping a source's error) if every source
// exited while ctx was still live.
func (m *Monitor) Run(ctx context.Context) error {
	srcCtx, cancelSources := context.WithCancel(ctx)
	defer cancelSources()

	g, gctx := errgroup.WithContext(srcCtx)
	for _, src := range m.sources {
		src := src
		g.Go(func() error { return src(gctx) })
	}

	closed := make(chan error, 1)
	go func() {
		err := g.Wait()
		close(m.queue)
		closed <- err
	}()

	for {
		select {
		case <-ctx.Done():
			cancelSources()
			<-closed
			return nil

		case ev, ok := <-m.queue:
			if !ok {
				srcErr := <-closed
				if ctx.Err() != nil {
					return nil
				}
				if srcErr != nil {
					return fmt.Errorf("%w: %v", ErrNoMoreEvents, srcErr)
				}
				return ErrNoMoreEvents
			}
			m.process(ev)
		}
	}
}

// process runs one event through the fixed pipeline order defined in
// spec.md §4.6: cooldown -> extract -> unique -> threshold -> dispatch.
func (m *Monitor) process(ev event.Event) {
	now := time.Now()

	if m.spec.Cooldown > 0 && !m.lastActionAt.IsZero() && now.Sub(m.lastActionAt) < m.spec.Cooldown {
		return
	}

	vars, ok := m.extract(ev)
	if !ok {
		return
	}

	if m.spec.UniqueCapture != "" && m.unique != nil {
		if v, bound := vars[m.spec.UniqueCapture]; bound {
			if m.unique.Contains(v) {
				return
			}
			if !m.unique.Insert(v) {
				// Raced with another insert of the same value between the
				// Contains check and here; treat as already-seen.
				return
			}
			go func() {
				if err := m.unique.Flush(); err != nil {
					m.logger.Warn("failed to persist unique value", slog.Any("error", err))
				}
			}()
		}
	}

	if m.spec.HasThreshold() {
		m.ring.push(now)
		if !m.ring.full() {
			return
		}
		if now.Sub(m.ring.oldest()) > m.spec.ThresholdW {
			return
		}
	}

	m.lastActionAt = now
	m.dispatch(vars)
}

// extract applies spec.md §4.6 step 2's per-variant binding rules. The
// second return value is false when the event must be dropped outright
// (match_regex present but did not match, or ignore_regex matched).
func (m *Monitor) extract(ev event.Event) (map[string]string, bool) {
	switch ev.Kind {
	case event.Tick:
		return map[string]string{}, true

	case event.NewLogLine:
		vars := map[string]string{}
		if m.spec.MatchRegex != nil {
			names := m.spec.MatchRegex.SubexpNames()
			idx := m.spec.MatchRegex.FindStringSubmatchIndex(ev.Line)
			if idx == nil {
				return nil, false
			}
			for i, name := range names {
				if name == "" || i == 0 {
					continue
				}
				start, end := idx[2*i], idx[2*i+1]
				if start < 0 || end < 0 {
					m.logger.Warn("match_regex capture group did not participate", slog.String("group", name))
					continue
				}
				vars[name] = ev.Line[start:end]
			}
		}
		if m.spec.IgnoreRegex != nil && m.spec.IgnoreRegex.MatchString(ev.Line) {
			return nil, false
		}
		return vars, true

	case event.FileChange:
		for _, p := range ev.Paths {
			if !utf8.ValidString(p) {
				m.logger.Error("file change path is not valid UTF-8, dropping event")
				return nil, false
			}
		}
		return map[string]string{"files": strings.Join(ev.Paths, ",")}, true

	default:
		return nil, false
	}
}

// dispatch implements spec.md §4.7's action-dispatch step: spawn the
// configured action asynchronously with vars injected as environment
// variables, and (supplementing spec.md) durably record the dispatch and
// fire any configured notification, all without blocking the pipeline.
// None of this is tied to the monitor's own context: an in-flight action,
// its dispatch record, and its notification all run to completion even
// after Run returns, per spec.md §5's "in-flight actions are not killed on
// shutdown".
func (m *Monitor) dispatch(vars map[string]string) {
	m.logger.Info("dispatching action", slog.Any("vars", vars))

	results := action.Run(m.spec.Action, vars)
	go func() {
		var dispatchID string
		if m.ledger != nil {
			id, err := m.ledger.RecordDispatch(context.Background(), m.spec.Name, vars)
			if err != nil {
				m.logger.Warn("failed to record dispatch", slog.Any("error", err))
			}
			dispatchID = id
		}

		res := <-results
		if res.Err != nil {
			m.logger.Warn("action failed to run", slog.Any("error", res.Err))
		} else if res.ExitCode != 0 {
			m.logger.Warn("action exited non-zero", slog.Int("exit_code", res.ExitCode))
		}
		if m.ledger != nil && dispatchID != "" {
			if err := m.ledger.Complete(context.Background(), dispatchID, res.ExitCode, res.Err); err != nil {
				m.logger.Warn("failed to complete dispatch record", slog.Any("error", err))
			}
		}
	}()

	if m.spec.HasNotify() && m.notifier != nil {
		go func() {
			if err := m.notifier.Notify(context.Background(), m.spec.NotifyTitle, m.spec.NotifyBody); err != nil {
				m.logger.Warn("notification failed", slog.Any("error", err))
			}
		}()
	}
}
