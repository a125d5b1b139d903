// Package scheduler implements the cooperative polling clock that drives
// every repeating task in the runtime. All monitors share one ticking
// goroutine; callbacks run in registration order, so a slow callback delays
// the ones after it in the same tick. That is the intended model, not a
// defect: it keeps the one-exchange-per-device invariant without locks in
// the components it drives.
package scheduler

import (
	"sync"
	"time"
)

// Registry owns the shared clock. The first monitor started spins the clock
// up; stopping the last one shuts it down.
type Registry struct {
	interval time.Duration

	mu       sync.Mutex
	monitors []*Monitor
	ticker   *time.Ticker
	done     chan struct{}
}

func NewRegistry(interval time.Duration) *Registry {
	if interval <= 0 {
		interval = time.Second
	}
	return &Registry{interval: interval}
}

// Interval reports the shared tick period.
func (r *Registry) Interval() time.Duration { return r.interval }

// Monitor is a handle on one registered callback.
type Monitor struct {
	registry *Registry
	callback func()
	running  bool
}

// NewMonitor creates a stopped monitor for callback.
func (r *Registry) NewMonitor(callback func()) *Monitor {
	return &Monitor{registry: r, callback: callback}
}

// Start registers the monitor on the shared clock. Starting an already
// running monitor is a no-op.
func (m *Monitor) Start() {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	r.monitors = append(r.monitors, m)
	if r.ticker == nil {
		r.ticker = time.NewTicker(r.interval)
		r.done = make(chan struct{})
		go r.loop(r.ticker, r.done)
	}
}

// Stop deregisters the monitor. It is synchronous with respect to the next
// tick: once Stop returns the callback will not run again.
func (m *Monitor) Stop() {
	r := m.registry
	r.mu.Lock()
	if !m.running {
		r.mu.Unlock()
		return
	}
	m.running = false
	for i, other := range r.monitors {
		if other == m {
			r.monitors = append(r.monitors[:i], r.monitors[i+1:]...)
			break
		}
	}
	if len(r.monitors) == 0 && r.ticker != nil {
		r.ticker.Stop()
		close(r.done)
		r.ticker = nil
		r.done = nil
	}
	r.mu.Unlock()
}

func (r *Registry) loop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick snapshots the registration order and runs each callback in turn.
// A callback that stops its own (or another) monitor mid-tick is honored
// before that callback would run.
func (r *Registry) tick() {
	r.mu.Lock()
	batch := append([]*Monitor(nil), r.monitors...)
	r.mu.Unlock()
	for _, m := range batch {
		r.mu.Lock()
		running := m.running
		r.mu.Unlock()
		if running {
			m.callback()
		}
	}
}

// Tick runs one clock cycle by hand. Tests and the drain path use it to
// advance the runtime without waiting on the wall clock.
func (r *Registry) Tick() { r.tick() }
