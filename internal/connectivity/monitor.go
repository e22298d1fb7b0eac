// Package connectivity reports device-level network reachability and pushes
// transitions to subscribers. It knows nothing about the backend; the sync
// engine layers a server health check on top.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe answers whether the device currently has a usable network.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// Notifier is implemented by probes that can push change hints. The monitor
// re-probes immediately on every value received instead of waiting for the
// next poll tick.
type Notifier interface {
	Changes(ctx context.Context) (<-chan struct{}, error)
}

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 15 * time.Second

// Monitor polls a [Probe] while at least one listener is registered.
// Create one with [NewMonitor].
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[uint64]func(online bool)
	nextID    uint64
	known     bool
	online    bool
	cancel    context.CancelFunc
}

// NewMonitor creates a Monitor. The watcher goroutine is not started until
// the first [Monitor.OnChange] call.
func NewMonitor(probe Probe, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		logger:    logger,
		listeners: make(map[uint64]func(bool)),
	}
}

// IsOnline probes once. It does not notify listeners.
func (m *Monitor) IsOnline(ctx context.Context) bool {
	return m.probe.Reachable(ctx)
}

// OnChange registers listener for reachability transitions and returns an
// idempotent unsubscribe function. If a status has already been observed the
// listener is called with it before OnChange returns.
func (m *Monitor) OnChange(listener func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	if len(m.listeners) == 1 {
		m.start()
	}
	known, online := m.known, m.online
	m.mu.Unlock()

	if known {
		listener(online)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(id) })
	}
}

// start launches the watcher loop. Callers hold m.mu.
func (m *Monitor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.logger.Debug("connectivity watcher started", "interval", m.interval)
	go m.loop(ctx)
}

func (m *Monitor) remove(id uint64) {
	m.mu.Lock()
	delete(m.listeners, id)
	if len(m.listeners) > 0 || m.cancel == nil {
		m.mu.Unlock()
		return
	}
	// The loop observes cancellation under m.mu in check, so no stale
	// status is published after this point.
	m.cancel()
	m.cancel = nil
	m.known = false
	m.mu.Unlock()
	m.logger.Debug("connectivity watcher stopped")
}

// watching reports whether the watcher loop is running.
func (m *Monitor) watching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) loop(ctx context.Context) {
	var changes <-chan struct{}
	if n, ok := m.probe.(Notifier); ok {
		ch, err := n.Changes(ctx)
		if err != nil {
			m.logger.Warn("connectivity change notifications unavailable, polling only", "error", err)
		} else {
			changes = ch
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.check(ctx)
		}
	}
}

// check probes and notifies listeners if the status changed.
func (m *Monitor) check(ctx context.Context) {
	online := m.probe.Reachable(ctx)

	m.mu.Lock()
	if ctx.Err() != nil || (m.known && m.online == online) {
		m.mu.Unlock()
		return
	}
	m.known, m.online = true, online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, l := range listeners {
		l(online)
	}
}
