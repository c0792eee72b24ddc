package sdruntime

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"diffusion_backend/logging"
)

// maxCachedSamplers bounds the samplers a slot keeps. Requests choose steps
// and eta, so the set of schedules is open-ended.
const maxCachedSamplers = 4

// PooledSampler is one pool slot: a loaded backend plus the most recently
// used samplers built on it, keyed by schedule. A slot is used by one caller
// at a time.
type PooledSampler struct {
	backend  *Backend
	logger   *logging.Logger
	poolID   int
	inUse    bool
	samplers map[ScheduleConfig]*Sampler
	// recent orders the keys of samplers, least recently used first.
	recent []ScheduleConfig
}

// Backend returns the slot's backend.
func (ps *PooledSampler) Backend() *Backend { return ps.backend }

// ID identifies the slot within its pool.
func (ps *PooledSampler) ID() int { return ps.poolID }

// Sampler returns the slot's sampler for cfg, building it on first use so the
// unconditional embedding is memoized per schedule. Once maxCachedSamplers
// are cached the least recently used one is dropped.
func (ps *PooledSampler) Sampler(cfg ScheduleConfig) (*Sampler, error) {
	if s, ok := ps.samplers[cfg]; ok {
		if i := slices.Index(ps.recent, cfg); i >= 0 {
			ps.recent = append(slices.Delete(ps.recent, i, i+1), cfg)
		}
		return s, nil
	}
	s, err := NewSampler(cfg, ps.backend, WithLogger(ps.logger))
	if err != nil {
		return nil, err
	}
	if len(ps.recent) >= maxCachedSamplers {
		delete(ps.samplers, ps.recent[0])
		ps.recent = slices.Delete(ps.recent, 0, 1)
	}
	ps.samplers[cfg] = s
	ps.recent = append(ps.recent, cfg)
	return s, nil
}

// BackendLoader creates the backend for a new pool slot.
type BackendLoader func() (*Backend, error)

// SamplerPool bounds concurrent sampling. Slots are created lazily up to
// maxSize; callers beyond that wait in Acquire until a slot is released or
// their context ends.
type SamplerPool struct {
	mu      sync.Mutex
	slots   chan *PooledSampler
	maxSize int
	load    BackendLoader
	logger  *logging.Logger
	closed  bool
	created int
	nextID  int
}

// NewSamplerPool creates an empty pool. load is called once per slot.
func NewSamplerPool(maxSize int, load BackendLoader, logger *logging.Logger) (*SamplerPool, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: pool size %d must be positive", ErrInvalidParams, maxSize)
	}
	if load == nil {
		return nil, fmt.Errorf("%w: nil backend loader", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SamplerPool{
		slots:   make(chan *PooledSampler, maxSize),
		maxSize: maxSize,
		load:    load,
		logger:  logger,
		nextID:  1,
	}, nil
}

// Acquire returns an idle slot, creates one if the pool has capacity, or
// waits. ErrAcquireTimeout is returned when ctx ends first.
func (p *SamplerPool) Acquire(ctx context.Context) (*PooledSampler, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	select {
	case ps := <-p.slots:
		ps.inUse = true
		p.mu.Unlock()
		return ps, nil
	default:
	}

	if p.created < p.maxSize {
		poolID := p.nextID
		p.nextID++
		p.created++
		p.mu.Unlock()

		backend, err := p.load()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		p.logger.Debug("sampler slot created")
		return &PooledSampler{
			backend:  backend,
			logger:   p.logger,
			poolID:   poolID,
			inUse:    true,
			samplers: make(map[ScheduleConfig]*Sampler),
		}, nil
	}
	p.mu.Unlock()

	select {
	case ps := <-p.slots:
		if ps == nil {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			ps.backend.Close()
			return nil, ErrPoolClosed
		}
		ps.inUse = true
		p.mu.Unlock()
		return ps, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
	}
}

// Release returns a slot to the pool, or closes its backend if the pool is
// closed. Passing nil is a no-op.
func (p *SamplerPool) Release(ps *PooledSampler) {
	if ps == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ps.inUse = false

	if p.closed {
		ps.backend.Close()
		p.created--
		return
	}

	select {
	case p.slots <- ps:
	default:
		ps.backend.Close()
		p.created--
	}
}

// Close shuts the pool down and closes every idle backend. Slots still in
// use are closed when released. Safe to call more than once.
func (p *SamplerPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.slots)

	var firstErr error
	for ps := range p.slots {
		if ps == nil {
			continue
		}
		if err := ps.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.created--
	}
	return firstErr
}

// Size returns the number of idle slots.
func (p *SamplerPool) Size() int {
	return len(p.slots)
}

// Created returns the number of live slots, idle or in use.
func (p *SamplerPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// MaxSize returns the pool capacity.
func (p *SamplerPool) MaxSize() int {
	return p.maxSize
}

// IsClosed reports whether Close has been called.
func (p *SamplerPool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
