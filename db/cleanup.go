package db

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetentionDays is how long run history is kept when not configured.
const DefaultRetentionDays = 30

// CleanupResult reports one retention pass.
type CleanupResult struct {
	RunsDeleted int64
	Cutoff      time.Time
	Duration    time.Duration
}

// Cleanup deletes runs created more than retentionDays ago. A retention of
// zero deletes everything older than now.
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	return d.cleanupBefore(ctx, retentionDays, time.Now())
}

func (d *Database) cleanupBefore(ctx context.Context, retentionDays int, now time.Time) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}
	if retentionDays < 0 {
		return result, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}

	result.Cutoff = now.UTC().AddDate(0, 0, -retentionDays)
	res, err := d.ExecContext(ctx,
		`DELETE FROM sampling_runs WHERE created_at < ?`,
		result.Cutoff.Format(timeLayout))
	if err != nil {
		return result, fmt.Errorf("failed to delete old runs: %w", err)
	}
	if result.RunsDeleted, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("failed to count deleted runs: %w", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// CleanupSchedulerConfig configures StartCleanupScheduler.
type CleanupSchedulerConfig struct {
	RetentionDays int
	Interval      time.Duration
	// OnCleanup, if set, is called after every pass.
	OnCleanup func(result CleanupResult, err error)
}

// DefaultCleanupSchedulerConfig returns a daily pass keeping DefaultRetentionDays.
func DefaultCleanupSchedulerConfig() CleanupSchedulerConfig {
	return CleanupSchedulerConfig{
		RetentionDays: DefaultRetentionDays,
		Interval:      24 * time.Hour,
	}
}

// StartCleanupScheduler runs Cleanup immediately and then every interval
// until ctx is cancelled. The returned channel closes when the goroutine exits.
func (d *Database) StartCleanupScheduler(ctx context.Context, config CleanupSchedulerConfig) <-chan struct{} {
	if config.Interval <= 0 {
		config.Interval = DefaultCleanupSchedulerConfig().Interval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		run := func() {
			result, err := d.Cleanup(ctx, config.RetentionDays)
			if config.OnCleanup != nil {
				config.OnCleanup(result, err)
			}
		}
		run()

		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
	return done
}
