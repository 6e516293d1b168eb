// Package shutdown stops the process's components in order on SIGINT or SIGTERM.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrShuttingDown = errors.New("shutdown already started")

const DefaultTimeout = 30 * time.Second

const overrunGrace = 50 * time.Millisecond

// Hook releases one component. It should return once ctx is done.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Manager runs hooks in reverse registration order, so components registered
// first (stores) are released after the ones that use them (servers, workers).
type Manager struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	hooks   []namedHook
	started bool

	once sync.Once
	done chan struct{}
	err  error
}

func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (m *Manager) Register(name string, fn Hook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.Wrapf(ErrShuttingDown, "cannot register %s", name)
	}
	m.hooks = append(m.hooks, namedHook{name: name, fn: fn})
	return nil
}

// WaitForSignal blocks until SIGINT, SIGTERM or ctx cancellation, then shuts down.
func (m *Manager) WaitForSignal(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	m.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	return m.Shutdown()
}

// Shutdown runs every hook once, sharing one deadline. A hook that overruns
// the deadline is abandoned and the rest still run. Safe to call repeatedly.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.started = true
		hooks := m.hooks
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		start := time.Now()
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := m.run(ctx, hooks[i]); err != nil {
				m.err = errors.CombineErrors(m.err, err)
			}
		}
		m.logger.Info("shutdown complete", "hooks", len(hooks), "elapsed", time.Since(start))
		close(m.done)
	})
	<-m.done
	return m.err
}

func (m *Manager) run(ctx context.Context, h namedHook) error {
	result := make(chan error, 1)
	go func() {
		result <- h.fn(ctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		// Past the deadline a hook still gets a short grace to return.
		select {
		case err = <-result:
		case <-time.After(overrunGrace):
			m.logger.Warn("shutdown hook abandoned", "hook", h.name, "timeout", m.timeout)
			return errors.Wrapf(ctx.Err(), "%s", h.name)
		}
	}

	if err != nil {
		m.logger.Error("shutdown hook failed", "hook", h.name, "error", err)
		return errors.Wrapf(err, "%s", h.name)
	}
	m.logger.Debug("shutdown hook done", "hook", h.name)
	return nil
}

// Done is closed once every hook has run or been abandoned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
