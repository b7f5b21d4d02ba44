package outbox

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Connectivity reports whether the remote API is reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

// Online calls f.
func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline never reports offline.
var AlwaysOnline Connectivity = ConnectivityFunc(func(context.Context) bool { return true })

// Switch is a manually controlled connectivity state.
type Switch struct {
	online  atomic.Bool
	mu      sync.Mutex
	changes chan bool
}

// NewSwitch creates a switch with the given initial state.
func NewSwitch(online bool) *Switch {
	s := &Switch{changes: make(chan bool, 1)}
	s.online.Store(online)
	return s
}

// Online returns the current state.
func (s *Switch) Online(context.Context) bool {
	return s.online.Load()
}

// Set changes the state and publishes a transition.
func (s *Switch) Set(online bool) {
	if s.online.Swap(online) == online {
		return
	}
	publish(&s.mu, s.changes, online)
}

// Changes delivers state transitions. Only the latest pending transition is kept.
func (s *Switch) Changes() <-chan bool {
	return s.changes
}

// MonitorConfig contains connectivity probe configuration.
type MonitorConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor probes the remote API health endpoint and tracks connectivity.
type Monitor struct {
	config     MonitorConfig
	httpClient *http.Client

	online  atomic.Bool
	mu      sync.Mutex
	changes chan bool
}

// NewMonitor creates a monitor. The initial state is offline until the first probe.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Monitor{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		changes:    make(chan bool, 1),
	}
}

// Online returns the state observed by the latest probe.
func (m *Monitor) Online(context.Context) bool {
	return m.online.Load()
}

// Changes delivers state transitions. Only the latest pending transition is kept.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

// Probe checks the health endpoint once and updates the state.
// Any response below 500 counts as reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	online := m.check(ctx)
	if m.online.Swap(online) != online {
		slog.Info("remote connectivity changed", "online", online, "url", m.config.URL)
		publish(&m.mu, m.changes, online)
	}
	return online
}

func (m *Monitor) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.URL, nil)
	if err != nil {
		slog.Error("failed to build connectivity probe", "url", m.config.URL, "error", err)
		return false
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		slog.Debug("connectivity probe failed", "url", m.config.URL, "error", err)
		return false
	}
	_ = resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes periodically until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// publish replaces any unread transition with the latest one.
func publish(mu *sync.Mutex, ch chan bool, online bool) {
	mu.Lock()
	defer mu.Unlock()

	select {
	case <-ch:
	default:
	}
	ch <- online
}
