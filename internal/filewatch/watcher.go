// Package filewatch implements the FileWatcher: it subscribes recursively
// to a set of configured paths and emits a single event.FileChange per
// coalesced batch of filesystem notifications, filtering out access-only
// events. It follows the teacher's (tripwire/agent) FileWatcher lifecycle
// shape — Start/Stop/Events, stopOnce-guarded teardown — backed by
// github.com/fsnotify/fsnotify instead of a poll loop or a hand-rolled
// inotify wrapper.
package filewatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tripwire/agent/internal/event"
)

// coalesceWindow is how long the watcher waits after the first event in a
// batch before flushing it, to merge bursts of related notifications (e.g.
// a write followed immediately by a chmod) into one event.FileChange.
const coalesceWindow = 50 * time.Millisecond

// Watcher monitors a set of filesystem paths and emits coalesced
// event.FileChange batches. It implements the common lifecycle shape used
// throughout this module (Start/Stop/Events).
type Watcher struct {
	paths  []string
	sink   chan<- event.Event
	logger *slog.Logger

	watch *fsnotify.Watcher

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Watcher over paths. Directories are watched
// non-recursively at each level; New walks the tree once at construction
// time to add every subdirectory, since fsnotify itself only watches the
// paths explicitly added to it.
func New(paths []string, sink chan<- event.Event, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, p := range paths {
		if err := addRecursive(w, p); err != nil {
			w.Close()
			return nil, err
		}
	}

	return &Watcher{
		paths:  paths,
		sink:   sink,
		logger: logger,
		watch:  w,
		done:   make(chan struct{}),
	}, nil
}

// addRecursive adds path to w, and if path is a directory, every
// subdirectory beneath it.
func addRecursive(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

// Start begins watching in a background goroutine. It returns immediately.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the watcher to cease monitoring and blocks until its
// background goroutine has exited and released the underlying fsnotify
// handle. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	defer w.watch.Close()

	var (
		batch     []string
		seen      = make(map[string]struct{})
		flushTmr  *time.Timer
		flushChan <-chan time.Time
	)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		paths := batch
		batch = nil
		seen = make(map[string]struct{})
		select {
		case w.sink <- event.NewFileChange(paths):
		case <-w.done:
		}
	}

	for {
		select {
		case <-w.done:
			if flushTmr != nil {
				flushTmr.Stop()
			}
			flush()
			return

		case err, ok := <-w.watch.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filewatch: watcher error", slog.Any("error", err))

		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			// Filter out access-only notifications (reads); fsnotify does
			// not report pure reads at all on most backends, but Chmod
			// alone (no content change) is treated as worth reporting
			// since it may signal permission-based tripwire conditions.
			if ev.Op == 0 {
				continue
			}
			if _, dup := seen[ev.Name]; !dup {
				seen[ev.Name] = struct{}{}
				batch = append(batch, ev.Name)
			}
			if flushTmr == nil {
				flushTmr = time.NewTimer(coalesceWindow)
				flushChan = flushTmr.C
			}

		case <-flushChan:
			flushTmr = nil
			flushChan = nil
			flush()
		}
	}
}
