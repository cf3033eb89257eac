// -------------------------------------------------------------------------------
// Service Lifecycle Manager
//
// Author: Alex Freidah
//
// Supervises the daemon's background loops (durability flushes, analytics
// pruning) with panic recovery, automatic restart, and ordered shutdown.
// Services implement the blocking Service interface; the optional Stoppable
// interface adds explicit cleanup. Interval-driven work is expressed with
// Ticker, which adapts a single-iteration function into a Service.
// -------------------------------------------------------------------------------

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultRestartDelay is the pause between a crashed service and its restart.
const defaultRestartDelay = time.Second

// Service represents a long-running background task. Run blocks until ctx is
// cancelled or a fatal error occurs.
type Service interface {
	Run(ctx context.Context) error
}

// Stoppable is an optional interface for services that need explicit cleanup
// beyond context cancellation.
type Stoppable interface {
	Stop(ctx context.Context) error
}

type entry struct {
	name    string
	service Service
}

// Manager registers and supervises background services.
type Manager struct {
	services     []entry
	restartDelay time.Duration
}

// NewManager creates an empty service manager.
func NewManager() *Manager {
	return &Manager{restartDelay: defaultRestartDelay}
}

// SetRestartDelay overrides the pause before a failed service is restarted.
func (m *Manager) SetRestartDelay(d time.Duration) {
	m.restartDelay = d
}

// Register adds a named service. Services start in registration order and stop
// in reverse order.
func (m *Manager) Register(name string, svc Service) {
	m.services = append(m.services, entry{name: name, service: svc})
}

// Names returns the registered service names in registration order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.services))
	for i, e := range m.services {
		names[i] = e.name
	}
	return names
}

// Start runs all services in the background and returns a channel closed once
// every supervisor has exited after ctx is cancelled.
func (m *Manager) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	return done
}

// Run starts all registered services and blocks until ctx is cancelled. Each
// service runs in its own goroutine with panic recovery and automatic restart.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, e := range m.services {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			m.supervise(ctx, e)
		}(e)
	}

	wg.Wait()
}

// Stop calls Stop on services that implement Stoppable, in reverse
// registration order, bounded by the given timeout.
func (m *Manager) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(m.services) - 1; i >= 0; i-- {
		s, ok := m.services[i].service.(Stoppable)
		if !ok {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			slog.Error("Service stop error",
				"service", m.services[i].name,
				"error", err,
			)
		}
	}
}

func (m *Manager) supervise(ctx context.Context, e entry) {
	for {
		m.runOnce(ctx, e)

		if ctx.Err() != nil {
			return
		}

		// Brief pause before restart to avoid tight loops
		select {
		case <-time.After(m.restartDelay):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce executes a single Run call, converting a panic into a logged restart.
func (m *Manager) runOnce(ctx context.Context, e entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Service panicked, restarting",
				"service", e.name,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	if err := e.service.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Service exited unexpectedly, restarting",
			"service", e.name,
			"error", err,
		)
	}
}

// -------------------------------------------------------------------------
// TICKER SERVICE
// -------------------------------------------------------------------------

// Ticker runs Tick on a fixed interval until cancelled. Tick errors are logged
// and never stop the loop; the next interval retries.
type Ticker struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error

	// Quiet, when set, classifies errors that should be logged at warn level
	// instead of error (for example, an open circuit breaker).
	Quiet func(err error) bool
}

// Run implements Service.
func (t *Ticker) Run(ctx context.Context) error {
	if t.Interval <= 0 {
		return fmt.Errorf("ticker %s: interval must be positive", t.Name)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil && ctx.Err() == nil {
				if t.Quiet != nil && t.Quiet(err) {
					slog.Warn("Background tick skipped", "service", t.Name, "error", err)
					continue
				}
				slog.Error("Background tick failed", "service", t.Name, "error", err)
			}
		}
	}
}
