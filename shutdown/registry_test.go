package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistry_Order(t *testing.T) {
	r := NewRegistry()
	var order []string
	add := func(name string, priority int) {
		r.Register(name, priority, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	add("database", PriorityDatabase)
	add("http", PriorityHTTPServer)
	add("temp", PriorityTempFiles)
	add("generator", PriorityGenerator)
	add("generator-2", PriorityGenerator)

	want := []string{"http", "generator", "generator-2", "database", "temp"}
	if diff := cmp.Diff(want, r.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	results := r.Run(context.Background())
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
	if len(results) != 5 {
		t.Errorf("Run() returned %d results, want 5", len(results))
	}
}

func TestRegistry_ContinuesAfterError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	ran := 0
	r.Register("first", 1, func(context.Context) error { ran++; return boom })
	r.Register("second", 2, func(context.Context) error { ran++; return nil })

	results := r.Run(context.Background())
	if ran != 2 {
		t.Errorf("ran %d handlers, want 2", ran)
	}
	if !errors.Is(results[0].Err, boom) || results[0].Err.Error() != "first: boom" {
		t.Errorf("first result error = %v, want wrapped boom", results[0].Err)
	}
	if results[1].Err != nil {
		t.Errorf("second result error = %v, want nil", results[1].Err)
	}
}

func TestRegistry_RunOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("only", 1, func(context.Context) error { calls++; return nil })
	r.Run(context.Background())
	if got := r.Run(context.Background()); got != nil {
		t.Errorf("second Run() = %v, want nil", got)
	}
	r.Register("late", 1, func(context.Context) error { calls++; return nil })
	if calls != 1 || r.Count() != 1 {
		t.Errorf("calls = %d Count() = %d, want 1 and 1", calls, r.Count())
	}
}

func TestRegistry_PassesContext(t *testing.T) {
	r := NewRegistry()
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	var got any
	r.Register("ctx", 1, func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	})
	r.Run(ctx)
	if got != "v" {
		t.Errorf("handler saw %v, want v", got)
	}
}
