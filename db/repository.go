package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"diffusion_backend/sdruntime"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// timeLayout is how created_at is stored. It sorts lexically and compares
// with SQLite's datetime() output.
const timeLayout = "2006-01-02 15:04:05.000"

// DefaultRecentLimit is used by RecentRuns when limit is not positive.
const DefaultRecentLimit = 20

// MaxRecentLimit caps RecentRuns.
const MaxRecentLimit = 500

const runColumns = `id, mode, backend, prompt, negative_prompt, width, height, steps,
	batch_size, guidance_scale, strength, eta, seed, duration_ms, status,
	error_message, created_at`

// RunFilter narrows RecentRuns.
type RunFilter struct {
	Limit  int
	Status string
	Mode   sdruntime.Mode
}

// Repository stores sampling runs. It implements sdruntime.RunRecorder.
type Repository struct {
	db     *Database
	writer *AsyncWriter
}

var _ sdruntime.RunRecorder = (*Repository)(nil)

// NewRepository creates a repository over db.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db}
}

// SetAsyncWriter routes RecordRun through w. The writer's handler must be
// AsyncHandler.
func (r *Repository) SetAsyncWriter(w *AsyncWriter) {
	r.writer = w
}

// AsyncHandler returns a WriteHandler that inserts queued RunRecords.
func (r *Repository) AsyncHandler() WriteHandler {
	return func(op WriteOperation) error {
		run, ok := op.Data.(sdruntime.RunRecord)
		if !ok {
			return fmt.Errorf("unexpected async write payload %T", op.Data)
		}
		return r.InsertRun(context.Background(), run)
	}
}

// RecordRun queues run on the async writer when one is running and falls
// back to a direct insert when the queue is full or absent.
func (r *Repository) RecordRun(ctx context.Context, run sdruntime.RunRecord) error {
	if r.writer != nil && r.writer.IsStarted() && r.writer.Write(run) {
		return nil
	}
	return r.InsertRun(ctx, run)
}

// InsertRun writes run synchronously.
func (r *Repository) InsertRun(ctx context.Context, run sdruntime.RunRecord) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sampling_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Mode), run.Backend, run.Prompt, nullString(run.NegativePrompt),
		run.Width, run.Height, run.Steps, run.BatchSize, run.GuidanceScale,
		run.Strength, run.Eta, run.Seed, run.Duration.Milliseconds(), run.Status,
		nullString(run.Error), created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with id, or ErrRunNotFound.
func (r *Repository) GetRun(ctx context.Context, id string) (sdruntime.RunRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sampling_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sdruntime.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return sdruntime.RunRecord{}, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// RecentRuns returns runs matching filter, newest first.
func (r *Repository) RecentRuns(ctx context.Context, filter RunFilter) ([]sdruntime.RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, string(filter.Mode))
	}
	query := `SELECT ` + runColumns + ` FROM sampling_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []sdruntime.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// CountRuns returns the number of stored runs with status, or all runs
// when status is empty.
func (r *Repository) CountRuns(ctx context.Context, status string) (int64, error) {
	query := `SELECT COUNT(*) FROM sampling_runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

func scanRun(row rowScanner) (sdruntime.RunRecord, error) {
	var (
		run        sdruntime.RunRecord
		mode       string
		negative   sql.NullString
		errMessage sql.NullString
		durationMS int64
		created    string
	)
	err := row.Scan(&run.ID, &mode, &run.Backend, &run.Prompt, &negative,
		&run.Width, &run.Height, &run.Steps, &run.BatchSize, &run.GuidanceScale,
		&run.Strength, &run.Eta, &run.Seed, &durationMS, &run.Status,
		&errMessage, &created)
	if err != nil {
		return run, err
	}
	run.Mode = sdruntime.Mode(mode)
	run.NegativePrompt = negative.String
	run.Error = errMessage.String
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if run.CreatedAt, err = time.ParseInLocation(timeLayout, created, time.UTC); err != nil {
		return run, fmt.Errorf("bad created_at %q: %w", created, err)
	}
	return run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
