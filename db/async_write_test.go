package db

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAsyncWriterBasicWrite(t *testing.T) {
	var mu sync.Mutex
	var received []any
	handler := func(op WriteOperation) error {
		mu.Lock()
		received = append(received, op.Data)
		mu.Unlock()
		return nil
	}

	writer := NewAsyncWriter(handler)
	writer.Start()
	for _, data := range []string{"first", "second", "third"} {
		if !writer.Write(data) {
			t.Errorf("Write(%q) returned false", data)
		}
	}
	writer.Stop()

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]any{"first", "second", "third"}, received); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
	if writer.Written() != 3 {
		t.Errorf("Written() = %d, want 3", writer.Written())
	}
}

func TestAsyncWriterNonBlocking(t *testing.T) {
	release := make(chan struct{})
	handler := func(op WriteOperation) error {
		<-release
		return nil
	}
	writer := NewAsyncWriterWithConfig(handler, AsyncWriterConfig{ChannelCapacity: 10})
	writer.Start()

	start := time.Now()
	for i := 0; i < 10; i++ {
		writer.Write(i)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("buffered writes took %v", elapsed)
	}
	close(release)
	writer.Stop()
}

func TestAsyncWriterChannelFull(t *testing.T) {
	// Not started, so nothing drains the buffer.
	writer := NewAsyncWriterWithConfig(func(WriteOperation) error { return nil }, AsyncWriterConfig{ChannelCapacity: 2})

	if !writer.Write(1) || !writer.Write(2) {
		t.Fatal("first two writes should fit")
	}
	if writer.Write(3) {
		t.Error("third write should be rejected when full")
	}
	if writer.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", writer.Pending())
	}
	if writer.WriteWithTimeout(4, 20*time.Millisecond) {
		t.Error("WriteWithTimeout() should time out when full")
	}
}

func TestAsyncWriterStopDrainsPending(t *testing.T) {
	var processed atomic.Int64
	writer := NewAsyncWriterWithConfig(func(WriteOperation) error {
		processed.Add(1)
		return nil
	}, AsyncWriterConfig{ChannelCapacity: 50})

	for i := 0; i < 20; i++ {
		writer.Write(i)
	}
	writer.Start()
	writer.Stop()

	if processed.Load() != 20 {
		t.Errorf("processed = %d, want 20", processed.Load())
	}
	if writer.Write("late") {
		t.Error("Write() after Stop should return false")
	}
	if !writer.IsClosed() {
		t.Error("IsClosed() should be true after Stop")
	}
}

func TestAsyncWriterStopWithoutStart(t *testing.T) {
	var processed atomic.Int64
	writer := NewAsyncWriter(func(WriteOperation) error {
		processed.Add(1)
		return nil
	})
	writer.Write("queued")
	if !writer.StopWithTimeout(time.Second) {
		t.Fatal("StopWithTimeout() timed out")
	}
	if processed.Load() != 1 {
		t.Errorf("processed = %d, want 1", processed.Load())
	}
	if writer.IsStarted() {
		t.Error("IsStarted() should stay false")
	}
}

func TestAsyncWriterCountsFailures(t *testing.T) {
	writer := NewAsyncWriter(func(op WriteOperation) error {
		if op.Data.(int)%2 == 0 {
			return errors.New("rejected")
		}
		return nil
	})
	writer.Start()
	for i := 0; i < 6; i++ {
		writer.Write(i)
	}
	writer.Stop()

	if writer.Written() != 3 || writer.Failed() != 3 {
		t.Errorf("Written() = %d Failed() = %d, want 3 and 3", writer.Written(), writer.Failed())
	}
}

func TestAsyncWriterDoubleStart(t *testing.T) {
	var processed atomic.Int64
	writer := NewAsyncWriter(func(WriteOperation) error {
		processed.Add(1)
		return nil
	})
	writer.Start()
	writer.Start()
	writer.Write(1)
	writer.Stop()
	if processed.Load() != 1 {
		t.Errorf("processed = %d, want 1", processed.Load())
	}
}

func TestAsyncWriterStopHonorsDrainTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	writer := NewAsyncWriterWithConfig(func(WriteOperation) error {
		close(entered)
		<-release
		return nil
	}, AsyncWriterConfig{ChannelCapacity: 4, DrainTimeout: 20 * time.Millisecond})
	defer close(release)

	writer.Start()
	writer.Write("slow")
	<-entered

	start := time.Now()
	if writer.Stop() {
		t.Error("Stop() = true, want false while the handler is blocked")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v, want it bounded by DrainTimeout", elapsed)
	}
	if !writer.IsClosed() {
		t.Error("IsClosed() should be true after Stop")
	}
}

func TestAsyncWriterDefaultDrainTimeout(t *testing.T) {
	writer := NewAsyncWriterWithConfig(func(WriteOperation) error { return nil }, AsyncWriterConfig{})
	if writer.drain != DefaultDrainTimeout {
		t.Errorf("drain = %v, want %v", writer.drain, DefaultDrainTimeout)
	}
	if !writer.Stop() {
		t.Error("Stop() on an idle writer should finish in time")
	}
}
