// Package shutdown runs registered cleanup steps once, newest first.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/fortress/pkg/logging"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager is a LIFO cleanup stack. Shutdown runs it exactly once; a failing
// step is logged and the rest still run.
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	log     *logging.Logger
	once    sync.Once
	err     error
	ran     bool
}

// New creates a shutdown manager. timeout bounds the whole stack; zero
// means no bound.
func New(timeout time.Duration, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{timeout: timeout, log: log}
}

// Register adds a named step. Steps registered after Shutdown never run.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ran {
		m.log.Warn("Cleanup step registered after shutdown", map[string]interface{}{"step": name})
		return
	}
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Shutdown executes every step in reverse order and returns the joined
// errors. Later calls return the first call's result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.ran = true
		steps := m.steps
		m.mu.Unlock()

		ctx := context.Background()
		if m.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			if err := runStep(ctx, s); err != nil {
				m.log.Warn("Cleanup step failed", map[string]interface{}{
					"step":  s.name,
					"error": err.Error(),
				})
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			}
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// runStep turns a panicking step into an error so later steps still run
func runStep(ctx context.Context, s step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx)
}

// Done reports whether Shutdown has run
func (m *Manager) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ran
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// StopHTTPServer creates a step for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a step for an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}
