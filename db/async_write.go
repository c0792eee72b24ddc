package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"diffusion_backend/logging"
)

// DefaultChannelCapacity is the default buffer size for async write channels.
const DefaultChannelCapacity = 100

// DefaultDrainTimeout is the maximum time to wait for pending writes during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// WriteOperation is one queued write.
type WriteOperation struct {
	Data      any
	Timestamp time.Time
}

// WriteHandler processes one queued write.
type WriteHandler func(op WriteOperation) error

// AsyncWriter applies writes on a background goroutine fed by a buffered
// channel. Pending writes are drained on Stop.
type AsyncWriter struct {
	writeChan chan WriteOperation
	handler   WriteHandler
	logger    *logging.Logger
	drain     time.Duration
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	closed    bool
	mu        sync.Mutex

	written atomic.Int64
	failed  atomic.Int64
}

// AsyncWriterConfig holds configuration for the async writer.
type AsyncWriterConfig struct {
	// ChannelCapacity is the buffer size for pending writes
	ChannelCapacity int
	// DrainTimeout is the maximum wait time during shutdown
	DrainTimeout time.Duration
	// Logger receives handler failures. Nil discards them.
	Logger *logging.Logger
}

// DefaultAsyncWriterConfig returns the default configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// NewAsyncWriter creates an async writer with the default configuration.
func NewAsyncWriter(handler WriteHandler) *AsyncWriter {
	return NewAsyncWriterWithConfig(handler, DefaultAsyncWriterConfig())
}

// NewAsyncWriterWithConfig creates an async writer with custom configuration.
func NewAsyncWriterWithConfig(handler WriteHandler, config AsyncWriterConfig) *AsyncWriter {
	if config.ChannelCapacity < 1 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan: make(chan WriteOperation, config.ChannelCapacity),
		handler:   handler,
		logger:    logger,
		drain:     config.DrainTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the background processing goroutine. Calling it twice is a no-op.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.processWrites()
}

func (w *AsyncWriter) processWrites() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drainChannel()
			return
		case op := <-w.writeChan:
			w.apply(op)
		}
	}
}

func (w *AsyncWriter) drainChannel() {
	for {
		select {
		case op := <-w.writeChan:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(op WriteOperation) {
	if err := w.handler(op); err != nil {
		w.failed.Add(1)
		w.logger.Warn("async write failed",
			zap.Error(err),
			zap.Duration("queued_for", time.Since(op.Timestamp)))
		return
	}
	w.written.Add(1)
}

// Write queues data without blocking. It returns false when the buffer is
// full or the writer is closed.
func (w *AsyncWriter) Write(data any) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.writeChan <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		return false
	}
}

// WriteWithTimeout queues data, waiting up to timeout for buffer space.
func (w *AsyncWriter) WriteWithTimeout(data any, timeout time.Duration) bool {
	if w.Write(data) {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			return false
		case <-tick.C:
			if w.IsClosed() {
				return false
			}
			if w.Write(data) {
				return true
			}
		}
	}
}

// Pending returns the number of operations waiting in the buffer.
func (w *AsyncWriter) Pending() int {
	return len(w.writeChan)
}

// Written returns the number of operations the handler applied.
func (w *AsyncWriter) Written() int64 { return w.written.Load() }

// Failed returns the number of operations the handler rejected.
func (w *AsyncWriter) Failed() int64 { return w.failed.Load() }

// Stop refuses further writes and drains the buffer, waiting at most the
// configured DrainTimeout. It returns false if the drain did not finish in time.
func (w *AsyncWriter) Stop() bool {
	return w.StopWithTimeout(w.drain)
}

// StopWithTimeout is Stop bounded by timeout instead of DrainTimeout.
func (w *AsyncWriter) StopWithTimeout(timeout time.Duration) bool {
	w.mu.Lock()
	w.closed = true
	started := w.started
	w.mu.Unlock()
	w.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if started {
			w.wg.Wait()
			return
		}
		w.drainChannel()
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// IsStarted returns whether the background processor was started.
func (w *AsyncWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// IsClosed returns whether Stop has been called.
func (w *AsyncWriter) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
