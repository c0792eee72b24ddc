package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// newTestDatabase opens a migrated database in a temp dir.
func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
	if d.Path() != path {
		t.Errorf("Path() = %q, want %q", d.Path(), path)
	}
	if err := d.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("Open(\"\") should fail")
	}
}

func TestDatabase_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx := context.Background()
	if err := NewRepository(d).InsertRun(ctx, testRun("run-1", 0)); err != nil {
		t.Fatalf("InsertRun() error = %v", err)
	}
	d.Close()

	d, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer d.Close()
	n, err := NewRepository(d).CountRuns(ctx, "")
	if err != nil || n != 1 {
		t.Errorf("CountRuns() after reopen = %d, %v; want 1", n, err)
	}
}

func TestDatabase_Closed(t *testing.T) {
	d := newTestDatabase(t)
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	ctx := context.Background()
	if err := d.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping() error = %v, want %v", err, ErrClosed)
	}
	if _, err := d.ExecContext(ctx, "SELECT 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("ExecContext() error = %v, want %v", err, ErrClosed)
	}
	if _, err := d.QueryContext(ctx, "SELECT 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("QueryContext() error = %v, want %v", err, ErrClosed)
	}
	var n int
	if err := d.QueryRowContext(ctx, "SELECT 1").Scan(&n); !errors.Is(err, ErrClosed) {
		t.Errorf("QueryRowContext() error = %v, want %v", err, ErrClosed)
	}
}
