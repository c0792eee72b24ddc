package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"diffusion_backend/core"
	"diffusion_backend/logging"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// Manager cancels a root context on SIGINT or SIGTERM, drains tracked
// operations and then runs the registered cleanup handlers.
//
//	m := shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout))
//	m.Register("database", shutdown.PriorityDatabase, func(ctx context.Context) error {
//	    return database.Close()
//	})
//	m.Start()
//	<-m.Context().Done()
//	err := m.Shutdown()
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration
	exit    func(code int)

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *Registry

	mu       sync.Mutex
	started  bool
	shutdown bool
	signals  int
	lastSig  os.Signal
	sigChan  chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the shutdown deadline.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithParent derives the managed context from parent.
func WithParent(parent context.Context) ManagerOption {
	return func(m *Manager) {
		m.cancel()
		m.ctx, m.cancel = context.WithCancel(parent)
	}
}

// withExit replaces os.Exit for the forced-exit path.
func withExit(exit func(int)) ManagerOption {
	return func(m *Manager) { m.exit = exit }
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(logger *logging.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  DefaultTimeout,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context { return m.ctx }

// Register adds a cleanup handler. Lower priorities run first.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown handler",
		zap.String("name", name),
		zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. The first signal cancels Context;
// a second one exits immediately with the signal's exit code.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	m.mu.Lock()
	m.signals++
	m.lastSig = sig
	count := m.signals
	m.mu.Unlock()

	if count == 1 {
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		m.cancel()
		return
	}
	m.logger.Warn("received second signal, forcing exit", zap.String("signal", sig.String()))
	m.exit(signalExitCode(sig))
}

// Trigger begins shutdown without a signal.
func (m *Manager) Trigger() {
	m.cancel()
}

// ExitCode returns the exit code matching the signal that started shutdown,
// or core.ExitCodeSuccess when none was received.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSig == nil {
		return core.ExitCodeSuccess
	}
	return signalExitCode(m.lastSig)
}

func signalExitCode(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return core.ExitCodeSIGTERM
	}
	return core.ExitCodeSIGINT
}

// Track runs fn as an in-flight operation. Once shutdown has begun it
// returns ErrTrackerClosed without calling fn.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Start() {
		m.logger.Debug("operation rejected during shutdown", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Shutdown stops accepting operations, waits for running ones within the
// timeout, and runs every cleanup handler with the time that remains (at
// least one second). It returns the joined handler errors. Later calls
// return nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	begin := time.Now()
	deadline := begin.Add(m.timeout)
	m.logger.Info("shutting down",
		zap.Duration("timeout", m.timeout),
		zap.Int64("in_flight", m.tracker.ActiveCount()),
		zap.Strings("handlers", m.registry.Names()))

	m.tracker.Close()
	waitCtx, cancelWait := context.WithDeadline(context.Background(), deadline)
	if err := m.tracker.Wait(waitCtx); err != nil {
		m.logger.Warn("in-flight operations did not finish",
			zap.Int64("remaining", m.tracker.ActiveCount()),
			zap.Duration("waited", time.Since(begin)))
	}
	cancelWait()

	if time.Until(deadline) < time.Second {
		deadline = time.Now().Add(time.Second)
	}
	runCtx, cancelRun := context.WithDeadline(context.Background(), deadline)
	defer cancelRun()

	var errs []error
	for _, res := range m.registry.Run(runCtx) {
		if res.Err != nil {
			m.logger.Error("shutdown handler failed", zap.String("name", res.Name), zap.Error(res.Err))
			errs = append(errs, res.Err)
			continue
		}
		m.logger.Debug("shutdown handler finished",
			zap.String("name", res.Name),
			zap.Duration("duration", res.Duration))
	}

	if started {
		signal.Stop(m.sigChan)
	}
	m.logger.Info("shutdown complete",
		zap.Duration("duration", time.Since(begin)),
		zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// ActiveOperations returns the number of tracked operations still running.
func (m *Manager) ActiveOperations() int64 { return m.tracker.ActiveCount() }

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// RegisteredHandlers returns handler names in execution order.
func (m *Manager) RegisteredHandlers() []string { return m.registry.Names() }
