// Package reaper expires sessions that have been idle for too long.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultInterval is the time between sweeps.
	DefaultInterval = 60 * time.Second

	// DefaultThreshold is how long an entry may stay idle before it expires.
	DefaultThreshold = 15 * time.Minute
)

// Entry is one reapable item.
type Entry interface {
	LastActivity() time.Time

	// Expire ends the item. It must be safe to call on an item that has
	// already ended.
	Expire()
}

// Source enumerates the current entries.
type Source interface {
	Entries() []Entry
}

// Config holds configuration for the reaper.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	Clock     clockwork.Clock

	// OnSweep, if set, is called after every periodic sweep with the number
	// of entries expired.
	OnSweep func(reaped int)
}

// Reaper periodically expires entries idle for longer than the threshold.
type Reaper struct {
	source    Source
	interval  time.Duration
	threshold time.Duration
	clock     clockwork.Clock
	onSweep   func(int)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reaper over source.
func New(source Source, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Reaper{
		source:    source,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		clock:     cfg.Clock,
		onSweep:   cfg.OnSweep,
	}
}

// Start begins sweeping every interval until ctx ends or Stop is called.
// Starting a running reaper does nothing.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	ticker := r.clock.NewTicker(r.interval)
	go r.run(ctx, ticker, r.done)
}

// Stop ends the sweep loop and waits for it to exit. It is safe to call more
// than once, and before Start.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) run(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			reaped := r.Sweep(r.clock.Now())
			if r.onSweep != nil {
				r.onSweep(reaped)
			}
		}
	}
}

// Sweep expires every entry idle for longer than the threshold at now and
// returns how many it expired. Entries that end concurrently are expired
// again harmlessly.
func (r *Reaper) Sweep(now time.Time) int {
	reaped := 0
	for _, e := range r.source.Entries() {
		if now.Sub(e.LastActivity()) > r.threshold {
			e.Expire()
			reaped++
		}
	}
	return reaped
}
