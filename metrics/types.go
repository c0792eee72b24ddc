// Package metrics keeps in-memory statistics about sampling runs for the
// health endpoint and the CLI.
package metrics

import "time"

// ModeStats aggregates runs of one mode.
type ModeStats struct {
	Count       int64         `json:"count"`
	Failed      int64         `json:"failed"`
	SuccessRate float64       `json:"success_rate"` // percent, 0-100
	AvgDuration time.Duration `json:"avg_duration"`
	AvgSteps    float64       `json:"avg_steps"`
	Images      int64         `json:"images"`
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	StartTime     time.Time             `json:"start_time"`
	Uptime        time.Duration         `json:"uptime"`
	Version       string                `json:"version"`
	TotalRuns     int64                 `json:"total_runs"`
	TotalFailed   int64                 `json:"total_failed"`
	ByMode        map[string]*ModeStats `json:"by_mode"`
	LastRunAt     time.Time             `json:"last_run_at,omitempty"`
	LastRunStatus string                `json:"last_run_status,omitempty"`
}
