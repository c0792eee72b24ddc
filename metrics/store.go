package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"diffusion_backend/sdruntime"
)

// DefaultHistoryCapacity is the number of runs kept by a new Store.
const DefaultHistoryCapacity = 100

// StoreConfig configures a Store.
type StoreConfig struct {
	HistoryCapacity int
	Version         string
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{HistoryCapacity: DefaultHistoryCapacity, Version: "dev"}
}

type modeStats struct {
	count         int64
	failed        int64
	totalDuration time.Duration
	totalSteps    int64
	images        int64
}

// Store aggregates runs in memory and keeps a ring of the most recent ones.
// It implements sdruntime.RunRecorder.
type Store struct {
	mu sync.RWMutex

	ring []sdruntime.RunRecord
	head int
	size int

	total  int64
	failed int64
	byMode map[sdruntime.Mode]*modeStats
	last   sdruntime.RunRecord

	startTime time.Time
	version   string
}

var _ sdruntime.RunRecorder = (*Store)(nil)

// NewStore creates a store. startTime is the base for Uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	capacity := config.HistoryCapacity
	if capacity < 1 {
		capacity = DefaultHistoryCapacity
	}
	return &Store{
		ring:      make([]sdruntime.RunRecord, capacity),
		byMode:    make(map[sdruntime.Mode]*modeStats),
		startTime: startTime,
		version:   config.Version,
	}
}

// RecordRun adds run to the aggregates. It never fails.
func (s *Store) RecordRun(_ context.Context, run sdruntime.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.head] = run
	s.head = (s.head + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}

	s.total++
	stats, ok := s.byMode[run.Mode]
	if !ok {
		stats = &modeStats{}
		s.byMode[run.Mode] = stats
	}
	stats.count++
	stats.totalDuration += run.Duration
	stats.totalSteps += int64(run.Steps)
	if run.Status == sdruntime.RunStatusFailed {
		s.failed++
		stats.failed++
	} else {
		stats.images += int64(run.BatchSize)
	}
	s.last = run
	return nil
}

// Snapshot returns the current aggregates.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		StartTime:     s.startTime,
		Uptime:        time.Since(s.startTime),
		Version:       s.version,
		TotalRuns:     s.total,
		TotalFailed:   s.failed,
		ByMode:        make(map[string]*ModeStats, len(s.byMode)),
		LastRunAt:     s.last.CreatedAt,
		LastRunStatus: s.last.Status,
	}
	for mode, st := range s.byMode {
		ms := &ModeStats{Count: st.count, Failed: st.failed, Images: st.images}
		if st.count > 0 {
			ms.SuccessRate = float64(st.count-st.failed) / float64(st.count) * 100
			ms.AvgDuration = st.totalDuration / time.Duration(st.count)
			ms.AvgSteps = float64(st.totalSteps) / float64(st.count)
		}
		snap.ByMode[string(mode)] = ms
	}
	return snap
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) []sdruntime.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.size == 0 {
		return []sdruntime.RunRecord{}
	}
	if limit > s.size {
		limit = s.size
	}
	out := make([]sdruntime.RunRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.ring[(s.head-1-i+len(s.ring))%len(s.ring)]
	}
	return out
}

// Tee returns a recorder that forwards every run to each non-nil recorder
// and joins their errors.
func Tee(recorders ...sdruntime.RunRecorder) sdruntime.RunRecorder {
	var live []sdruntime.RunRecorder
	for _, r := range recorders {
		if r != nil {
			live = append(live, r)
		}
	}
	return tee(live)
}

type tee []sdruntime.RunRecorder

func (t tee) RecordRun(ctx context.Context, run sdruntime.RunRecord) error {
	var errs []error
	for _, r := range t {
		if err := r.RecordRun(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
