package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor exposes a single current reachability boolean and notifies
// registered hooks on offline-to-online transitions, which are the trigger
// for a full sync sweep. Online-to-offline transitions only update the
// exposed state; in-flight submissions are never cancelled.
type Monitor struct {
	provider Provider
	interval time.Duration
	logger   *slog.Logger

	online  atomic.Bool
	sampled atomic.Bool

	mu       sync.Mutex
	onOnline []func()
}

// NewMonitor creates a monitor over the given provider. If pollInterval is
// <= 0 it defaults to 15s; it is only used when the provider does not push
// events.
func NewMonitor(provider Provider, pollInterval time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Monitor{
		provider: provider,
		interval: pollInterval,
		logger:   slog.Default(),
	}
}

// OnOnline registers a hook fired on every offline-to-online transition.
// Hooks run on their own goroutine so a slow sweep never blocks monitoring.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// Online returns current reachability. Before the first sample it reflects
// the provider's resting state via a direct check.
func (m *Monitor) Online() bool {
	if !m.sampled.Load() {
		return m.provider.Check(context.Background())
	}
	return m.online.Load()
}

// Report forwards the outcome of an actual network attempt to providers that
// learn from it, and applies the implied state transition.
func (m *Monitor) Report(ok bool) {
	if r, hasOutcome := m.provider.(OutcomeReporter); hasOutcome {
		r.Report(ok)
	}
	m.setState(ok)
}

// Run samples reachability immediately, then watches provider events or
// polls until ctx is cancelled. The initial sample establishes state without
// firing transition hooks; the startup sweep is triggered separately.
func (m *Monitor) Run(ctx context.Context) {
	initial := m.provider.Check(ctx)
	m.online.Store(initial)
	m.sampled.Store(true)
	m.logger.Info("connectivity monitor started", "online", initial)

	if n, isPush := m.provider.(Notifier); isPush {
		for {
			select {
			case <-ctx.Done():
				return
			case online := <-n.Events():
				m.setState(online)
			}
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.setState(m.provider.Check(ctx))
		}
	}
}

func (m *Monitor) setState(online bool) {
	m.sampled.Store(true)
	was := m.online.Swap(online)
	if was == online {
		return
	}
	m.logger.Info("connectivity changed", "online", online)
	if !online {
		return
	}

	m.mu.Lock()
	hooks := make([]func(), len(m.onOnline))
	copy(hooks, m.onOnline)
	m.mu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
}
