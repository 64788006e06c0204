// Package clock provides the injectable time source used by the engine and
// a ticker that drives periodic listeners from it.
package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates a manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Listener receives tick events.
type Listener interface {
	OnTick(now time.Time)
}

// Ticker calls its listeners every interval with the time read from clock.
type Ticker struct {
	clock     Clock
	interval  time.Duration
	listeners []Listener
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// NewTicker creates a ticker over clock.
func NewTicker(c Clock, interval time.Duration, logger *zap.Logger) *Ticker {
	return &Ticker{clock: c, interval: interval, logger: logger}
}

// AddListener registers a tick listener.
func (t *Ticker) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Start begins the tick loop in a background goroutine.
func (t *Ticker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx)
	t.logger.Info("ticker started", zap.Duration("interval", t.interval))
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
	t.logger.Info("ticker stopped")
}

// Tick fires every listener once with the current time.
func (t *Ticker) Tick() {
	now := t.clock.Now()
	t.mu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, l := range listeners {
		l.OnTick(now)
	}
}

func (t *Ticker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}
