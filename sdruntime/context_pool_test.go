package sdruntime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// referenceLoader returns a loader for reference backends and a counter of
// backends closed so far.
func referenceLoader() (BackendLoader, *atomic.Int32) {
	var closed atomic.Int32
	load := func() (*Backend, error) {
		b, err := NewReferenceBackend(BackendConfig{})
		if err != nil {
			return nil, err
		}
		b.closeFn = func() error {
			closed.Add(1)
			return nil
		}
		return b, nil
	}
	return load, &closed
}

// TestNewSamplerPool tests pool creation with various parameters.
func TestNewSamplerPool(t *testing.T) {
	load, _ := referenceLoader()
	tests := []struct {
		name    string
		maxSize int
		load    BackendLoader
		wantErr error
	}{
		{name: "valid pool creation", maxSize: 3, load: load},
		{name: "single slot pool", maxSize: 1, load: load},
		{name: "zero size pool fails", maxSize: 0, load: load, wantErr: ErrInvalidParams},
		{name: "negative size pool fails", maxSize: -1, load: load, wantErr: ErrInvalidParams},
		{name: "nil loader fails", maxSize: 1, wantErr: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := NewSamplerPool(tt.maxSize, tt.load, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewSamplerPool() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSamplerPool() unexpected error: %v", err)
			}
			defer pool.Close()

			if pool.MaxSize() != tt.maxSize {
				t.Errorf("MaxSize() = %d, want %d", pool.MaxSize(), tt.maxSize)
			}
			if pool.Size() != 0 || pool.Created() != 0 {
				t.Errorf("new pool Size()=%d Created()=%d, want 0 and 0", pool.Size(), pool.Created())
			}
			if pool.IsClosed() {
				t.Error("IsClosed() = true, want false for new pool")
			}
		})
	}
}

// TestSamplerPoolAcquireRelease tests lazy creation and reuse.
func TestSamplerPoolAcquireRelease(t *testing.T) {
	load, _ := referenceLoader()
	pool, err := NewSamplerPool(2, load, nil)
	if err != nil {
		t.Fatalf("NewSamplerPool() failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	ps1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if !ps1.inUse {
		t.Error("acquired slot should be marked as inUse")
	}
	if pool.Created() != 1 {
		t.Errorf("Created() = %d, want 1 after first acquire", pool.Created())
	}

	pool.Release(ps1)
	if ps1.inUse {
		t.Error("released slot should not be marked as inUse")
	}
	if pool.Size() != 1 {
		t.Errorf("Size() = %d, want 1 after release", pool.Size())
	}

	ps2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire() failed: %v", err)
	}
	if ps2 != ps1 || pool.Created() != 1 {
		t.Errorf("second Acquire() did not reuse the idle slot (created %d)", pool.Created())
	}
	pool.Release(ps2)
}

// TestPooledSamplerCachesPerSchedule tests sampler reuse within a slot.
func TestPooledSamplerCachesPerSchedule(t *testing.T) {
	load, _ := referenceLoader()
	pool, _ := NewSamplerPool(1, load, nil)
	defer pool.Close()

	ps, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer pool.Release(ps)

	a, err := ps.Sampler(testScheduleConfig(10))
	if err != nil {
		t.Fatalf("Sampler() error = %v", err)
	}
	b, _ := ps.Sampler(testScheduleConfig(10))
	c, _ := ps.Sampler(testScheduleConfig(20))
	if a != b {
		t.Error("same schedule built a second sampler")
	}
	if a == c || c.Schedule().NumSteps() != 20 {
		t.Error("different schedule reused the wrong sampler")
	}
	if _, err := ps.Sampler(ScheduleConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("invalid schedule error = %v, want %v", err, ErrInvalidConfig)
	}
}

// TestPooledSamplerCacheIsBounded tests that distinct schedules evict the
// least recently used sampler instead of accumulating.
func TestPooledSamplerCacheIsBounded(t *testing.T) {
	load, _ := referenceLoader()
	pool, _ := NewSamplerPool(1, load, nil)
	defer pool.Close()

	ps, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer pool.Release(ps)

	base := testScheduleConfig(10)
	first, err := ps.Sampler(base)
	if err != nil {
		t.Fatalf("Sampler() error = %v", err)
	}
	for i := 1; i <= 50; i++ {
		cfg := base
		cfg.Eta = float64(i) * 1e-6
		if _, err := ps.Sampler(cfg); err != nil {
			t.Fatalf("Sampler(eta=%g) error = %v", cfg.Eta, err)
		}
		// Keep base hot so it survives eviction.
		if i%2 == 0 {
			ps.Sampler(base)
		}
	}
	if len(ps.samplers) != maxCachedSamplers || len(ps.recent) != maxCachedSamplers {
		t.Errorf("cached %d samplers (%d keys), want %d", len(ps.samplers), len(ps.recent), maxCachedSamplers)
	}
	if again, _ := ps.Sampler(base); again != first {
		t.Error("recently used sampler was evicted")
	}

	cold := base
	cold.Eta = 1e-6
	if _, ok := ps.samplers[cold]; ok {
		t.Error("least recently used sampler is still cached")
	}
}

// TestSamplerPoolAcquireTimeout tests that Acquire respects the context deadline.
func TestSamplerPoolAcquireTimeout(t *testing.T) {
	load, _ := referenceLoader()
	pool, err := NewSamplerPool(1, load, nil)
	if err != nil {
		t.Fatalf("NewSamplerPool() failed: %v", err)
	}
	defer pool.Close()

	ps, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire() failed: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(timeoutCtx); !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("Acquire() with timeout error = %v, want %v", err, ErrAcquireTimeout)
	}

	pool.Release(ps)
}

// TestSamplerPoolWaiterGetsReleasedSlot tests hand-off to a blocked caller.
func TestSamplerPoolWaiterGetsReleasedSlot(t *testing.T) {
	load, _ := referenceLoader()
	pool, _ := NewSamplerPool(1, load, nil)
	defer pool.Close()

	held, _ := pool.Acquire(context.Background())
	got := make(chan *PooledSampler, 1)
	go func() {
		ps, err := pool.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiting Acquire() failed: %v", err)
		}
		got <- ps
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Release(held)

	select {
	case ps := <-got:
		if ps != held {
			t.Error("waiter received a new slot instead of the released one")
		}
		pool.Release(ps)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released slot")
	}
}

// TestSamplerPoolLoadFailure tests that a failed load frees the capacity.
func TestSamplerPoolLoadFailure(t *testing.T) {
	boom := errors.New("weights missing")
	fail := true
	load := func() (*Backend, error) {
		if fail {
			return nil, boom
		}
		return NewReferenceBackend(BackendConfig{})
	}
	pool, _ := NewSamplerPool(1, load, nil)
	defer pool.Close()

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Acquire() error = %v, want %v", err, boom)
	}
	if pool.Created() != 0 {
		t.Errorf("Created() = %d after failed load, want 0", pool.Created())
	}

	fail = false
	ps, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after recovery failed: %v", err)
	}
	pool.Release(ps)
}

// TestSamplerPoolClose tests that Close shuts down the pool and its backends.
func TestSamplerPoolClose(t *testing.T) {
	load, closed := referenceLoader()
	pool, err := NewSamplerPool(3, load, nil)
	if err != nil {
		t.Fatalf("NewSamplerPool() failed: %v", err)
	}

	ctx := context.Background()
	ps1, _ := pool.Acquire(ctx)
	ps2, _ := pool.Acquire(ctx)
	pool.Release(ps1)
	pool.Release(ps2)

	if err := pool.Close(); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
	if !pool.IsClosed() {
		t.Error("IsClosed() = false, want true after Close()")
	}
	if closed.Load() != 2 {
		t.Errorf("closed %d backends, want 2", closed.Load())
	}
	if _, err := pool.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire() after Close() error = %v, want %v", err, ErrPoolClosed)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("double Close() returned error: %v", err)
	}
}

// TestSamplerPoolReleaseAfterClose tests that a held slot is closed on release.
func TestSamplerPoolReleaseAfterClose(t *testing.T) {
	load, closed := referenceLoader()
	pool, _ := NewSamplerPool(2, load, nil)

	ps, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	pool.Close()
	pool.Release(ps)
	pool.Release(nil)

	if closed.Load() != 1 {
		t.Errorf("closed %d backends, want 1", closed.Load())
	}
	if pool.Created() != 0 {
		t.Errorf("Created() = %d, want 0", pool.Created())
	}
}

// TestSamplerPoolConcurrentAccess tests thread safety with concurrent operations.
func TestSamplerPoolConcurrentAccess(t *testing.T) {
	load, _ := referenceLoader()
	pool, err := NewSamplerPool(3, load, nil)
	if err != nil {
		t.Fatalf("NewSamplerPool() failed: %v", err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ps, err := pool.Acquire(context.Background())
				if err != nil {
					t.Errorf("concurrent Acquire() failed: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
				pool.Release(ps)
			}
		}()
	}
	wg.Wait()

	if created := pool.Created(); created > pool.MaxSize() {
		t.Errorf("Created() = %d exceeds MaxSize() = %d", created, pool.MaxSize())
	}
}
