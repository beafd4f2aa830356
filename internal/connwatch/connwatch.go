// Package connwatch tracks the reachability of upstream services, such
// as the model provider, so the health endpoint and telemetry can report
// whether calls can currently be answered.
//
// A watcher probes its service with exponential backoff until the first
// success, then settles into periodic polling and reports transitions.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. It returns nil when
// the service is healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the wait after the first failed startup probe.
	InitialDelay time.Duration
	// MaxDelay caps backoff growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each failed startup probe.
	Multiplier float64
	// StartupAttempts bounds the backoff phase.
	StartupAttempts int
	// PollInterval is the steady-state probe interval.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultSchedule backs off 2s, 4s, 8s ... up to 60s for ten attempts,
// then polls every minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay:    2 * time.Second,
		MaxDelay:        60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 10,
		PollInterval:    60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultSchedule.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier <= 0 {
		s.Multiplier = d.Multiplier
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = d.StartupAttempts
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Target describes one watched service.
type Target struct {
	// Name identifies the service in logs and status output.
	Name string
	// Probe checks the service. Must be safe for concurrent use.
	Probe ProbeFunc
	// Schedule controls probe timing; zero fields take defaults.
	Schedule Schedule
	// OnChange is called in its own goroutine whenever readiness flips.
	OnChange func(name string, ready bool, err error)
}

// Status is the health of one service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	target Target
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.ready.Load()
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.target.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop ends the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.target.Schedule
	delay := sched.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("service reachable", "attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= sched.StartupAttempts {
			w.logger.Warn("service unreachable at startup, polling in background",
				"attempts", attempt,
				"error", err,
			)
			break
		}
		w.logger.Debug("startup probe failed",
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*sched.Multiplier), sched.MaxDelay)
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the result, and reports a transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.target.Schedule.ProbeTimeout)
	err := w.target.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	ready := err == nil
	if w.ready.Swap(ready) == ready {
		return err
	}
	if ready {
		w.logger.Info("service ready")
	} else {
		w.logger.Warn("service down", "error", err)
	}
	if w.target.OnChange != nil {
		go w.target.OnChange(w.target.Name, ready, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts watching t until ctx is cancelled or Stop is called.
// It panics on an unnamed target or a nil probe.
func (m *Manager) Watch(ctx context.Context, t Target) *Watcher {
	if t.Name == "" {
		panic("connwatch: target name must not be empty")
	}
	if t.Probe == nil {
		panic("connwatch: target probe must not be nil")
	}
	t.Schedule = t.Schedule.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		target: t,
		logger: m.logger.With("service", t.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[t.Name]; ok {
		old.cancel()
	}
	m.watchers[t.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Ready reports whether the named service is ready. Unknown services
// are not ready.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return ok && w.Ready()
}

// Status returns the health of every watched service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop ends every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
