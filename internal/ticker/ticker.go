// Package ticker provides the periodic time source used by monitors
// configured with an "every" interval. It owns a single time.Ticker and
// forwards each fire as an event.Tick onto the monitor's aggregate queue.
package ticker

import (
	"context"
	"sync"
	"time"

	"github.com/tripwire/agent/internal/event"
)

// Ticker emits event.Tick onto a sink channel every period. Drift is not
// compensated: a missed tick (because the sink was full and back-pressure
// suspended delivery) is not replayed.
type Ticker struct {
	period time.Duration
	sink   chan<- event.Event

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Ticker that sends event.Tick to sink every period.
// period must be positive.
func New(period time.Duration, sink chan<- event.Event) *Ticker {
	return &Ticker{
		period: period,
		sink:   sink,
		done:   make(chan struct{}),
	}
}

// Start begins the periodic loop in a background goroutine. It returns
// immediately; the loop runs until ctx is cancelled or Stop is called.
func (t *Ticker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

// Stop signals the loop to exit and blocks until it has. It is safe to call
// multiple times.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	tk := time.NewTicker(t.period)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-tk.C:
			select {
			case t.sink <- event.NewTick():
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
	}
}
