// Package supervisor wires a compiled set of monitor.Spec values into
// running monitor.Monitor pipelines, attaches the appropriate event
// sources to each one (Ticker, LogTailer, ServiceTailer, FileWatcher), and
// runs every monitor concurrently. A source-init error in one monitor is
// fatal only to that monitor; its siblings keep running, the same
// independent-failure-domain posture the tripwire agent this package is
// adapted from gives each of its watcher/queue/transport sets.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/agent/internal/filewatch"
	"github.com/tripwire/agent/internal/history"
	"github.com/tripwire/agent/internal/logtail"
	"github.com/tripwire/agent/internal/monitor"
	"github.com/tripwire/agent/internal/notify"
	"github.com/tripwire/agent/internal/svctail"
	"github.com/tripwire/agent/internal/ticker"
	"github.com/tripwire/agent/internal/uniquestore"
)

// ledgerAdapter narrows a *history.Ledger to the monitor.Ledger interface,
// which only needs the dispatch ID, not the full Record.
type ledgerAdapter struct{ l *history.Ledger }

func (a ledgerAdapter) RecordDispatch(ctx context.Context, monitorName string, vars map[string]string) (string, error) {
	rec, err := a.l.RecordDispatch(ctx, monitorName, vars)
	return rec.ID, err
}

func (a ledgerAdapter) Complete(ctx context.Context, id string, exitCode int, runErr error) error {
	return a.l.Complete(ctx, id, exitCode, runErr)
}

// notifierAdapter narrows a notify.Notifier to the monitor.Notifier
// interface, which deals in bare title/body strings rather than a
// notify.Message value.
type notifierAdapter struct{ n notify.Notifier }

func (a notifierAdapter) Notify(ctx context.Context, title, body string) error {
	return a.n.Notify(ctx, notify.Message{Title: title, Body: body})
}

// Supervisor owns the full set of running monitors plus the shared
// durability and notification components they dispatch through.
type Supervisor struct {
	logger *slog.Logger

	ledger   *history.Ledger
	notifier notify.Notifier
	cacheDir string

	monitors []*monitor.Monitor

	mu        sync.RWMutex
	startTime time.Time
	running   bool
	cancel    context.CancelFunc
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithLedger attaches a durable dispatch ledger. Without this option,
// dispatches are not recorded.
func WithLedger(l *history.Ledger) Option {
	return func(s *Supervisor) { s.ledger = l }
}

// WithNotifier attaches the Notifier used for monitors with a "notify" key
// configured. Without this option, notifications are silently dropped.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Supervisor) { s.notifier = n }
}

// WithCacheDir overrides the directory used for unique-value caches.
// Without this option, uniquestore.CacheDir's default is used.
func WithCacheDir(dir string) Option {
	return func(s *Supervisor) { s.cacheDir = dir }
}

// New builds a Supervisor from a compiled set of specs. It opens a
// uniquestore.Store for every spec that configures a "unique" key but does
// not start anything; call Run for that.
func New(logger *slog.Logger, specs []monitor.Spec, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{logger: logger, notifier: notify.NoOp{}}
	for _, opt := range opts {
		opt(s)
	}

	cacheDir := s.cacheDir
	if cacheDir == "" {
		dir, err := uniquestore.CacheDir()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve unique-value cache dir: %w", err)
		}
		cacheDir = dir
	}

	var ledger monitor.Ledger
	if s.ledger != nil {
		ledger = ledgerAdapter{s.ledger}
	}
	notifier := notifierAdapter{s.notifier}

	for _, spec := range specs {
		var store *uniquestore.Store
		if spec.UniqueCapture != "" {
			st, err := uniquestore.Open(cacheDir, spec.Name)
			if err != nil {
				return nil, fmt.Errorf("supervisor: monitor %q: open unique store: %w", spec.Name, err)
			}
			store = st
		}

		m := monitor.New(spec, logger, store, ledger, notifier)
		attachSources(m, spec, logger)
		s.monitors = append(s.monitors, m)
	}

	return s, nil
}

// attachSources registers every event source a spec configures with m,
// per spec.md §4's one-source-per-kind, any-combination design.
func attachSources(m *monitor.Monitor, spec monitor.Spec, logger *slog.Logger) {
	if spec.Every > 0 {
		tk := ticker.New(spec.Every, m.Queue())
		m.AddSource(func(ctx context.Context) error {
			tk.Start(ctx)
			<-ctx.Done()
			tk.Stop()
			return nil
		})
	}

	if spec.LogPath != "" {
		t := logtail.New(spec.LogPath, m.Queue(), logger)
		m.AddSource(t.Run)
	}

	if spec.ServiceUnit != "" {
		t := svctail.New(spec.ServiceUnit, m.Queue(), logger, nil)
		m.AddSource(t.Run)
	}

	if len(spec.WatchPaths) > 0 {
		m.AddSource(func(ctx context.Context) error {
			w, err := filewatch.New(spec.WatchPaths, m.Queue(), logger)
			if err != nil {
				return err
			}
			w.Start()
			<-ctx.Done()
			w.Stop()
			return nil
		})
	}
}

// Run starts every monitor concurrently, each under its own child of ctx,
// and blocks until every monitor has exited. Cancelling ctx (or calling
// Stop) shuts every monitor down together, but a monitor that exits with
// an error on its own does not affect its siblings: they keep running
// until ctx is cancelled. Run returns the first non-nil error among all
// monitors once they have all exited, or nil if every monitor returned nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.logger.Info("starting monitord supervisor", slog.Int("num_monitors", len(s.monitors)))

	errs := make(chan error, len(s.monitors))
	var wg sync.WaitGroup
	for _, m := range s.monitors {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			monCtx, monCancel := context.WithCancel(ctx)
			defer monCancel()
			if err := m.Run(monCtx); err != nil {
				s.logger.Error("monitor exited with error", slog.String("monitor", m.Name()), slog.Any("error", err))
				errs <- err
				return
			}
			errs <- nil
		}()
	}

	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.ledger != nil {
		if closeErr := s.ledger.Close(); closeErr != nil {
			s.logger.Warn("error closing dispatch ledger", slog.Any("error", closeErr))
		}
	}

	if firstErr != nil {
		s.logger.Error("supervisor stopping; at least one monitor failed", slog.Any("error", firstErr))
		return firstErr
	}

	s.logger.Info("monitord supervisor stopped")
	return nil
}

// Stop cancels every running monitor. It is safe to call even if Run has
// not been called or has already returned.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Uptime reports how long Run has been running. It returns zero before the
// first call to Run.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}
