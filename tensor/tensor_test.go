package tensor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestFromDataRejectsWrongLength(t *testing.T) {
	_, err := FromData([]float64{1, 2, 3}, 2, 2)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("FromData() error = %v, want ErrShapeMismatch", err)
	}
}

func TestArithmetic(t *testing.T) {
	a := MustFromData([]float64{1, 2, 3, 4}, 1, 2, 2, 1)
	b := MustFromData([]float64{4, 3, 2, 1}, 1, 2, 2, 1)

	tests := []struct {
		name string
		fn   func() (*Tensor, error)
		want []float64
	}{
		{"add", func() (*Tensor, error) { return Add(a, b) }, []float64{5, 5, 5, 5}},
		{"sub", func() (*Tensor, error) { return Sub(a, b) }, []float64{-3, -1, 1, 3}},
		{"mul", func() (*Tensor, error) { return Mul(a, b) }, []float64{4, 6, 6, 4}},
		{"add scaled", func() (*Tensor, error) { return AddScaled(a, 0.5, b) }, []float64{3, 3.5, 4, 4.5}},
		{"combine", func() (*Tensor, error) { return Combine(2, a, -1, b) }, []float64{-2, 1, 4, 7}},
		{"scale", func() (*Tensor, error) { return a.Scale(3), nil }, []float64{3, 6, 9, 12}},
		{"add const", func() (*Tensor, error) { return a.AddConst(-1), nil }, []float64{0, 1, 2, 3}},
		{"clamp", func() (*Tensor, error) { return a.Clamp(2, 3), nil }, []float64{2, 2, 3, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got.Data(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestArithmeticShapeMismatch(t *testing.T) {
	a := New(1, 2, 2, 1)
	b := New(1, 2, 2, 2)
	if _, err := Add(a, b); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Add() error = %v, want ErrShapeMismatch", err)
	}
	if _, err := Combine(1, a, 1, b); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Combine() error = %v, want ErrShapeMismatch", err)
	}
}

func TestBatchLayout(t *testing.T) {
	a := MustFromData([]float64{1, 2}, 1, 1, 1, 2)
	b := MustFromData([]float64{3, 4}, 1, 1, 1, 2)

	joined, err := ConcatBatch(a, b)
	if err != nil {
		t.Fatalf("ConcatBatch() error = %v", err)
	}
	if diff := cmp.Diff([]int{2, 1, 1, 2}, joined.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	parts, err := joined.SplitBatch(2)
	if err != nil {
		t.Fatalf("SplitBatch() error = %v", err)
	}
	if !Equal(parts[0], a) || !Equal(parts[1], b) {
		t.Errorf("SplitBatch() did not recover inputs")
	}

	rep := a.RepeatBatch(3)
	if diff := cmp.Diff([]float64{1, 2, 1, 2, 1, 2}, rep.Data()); diff != "" {
		t.Errorf("RepeatBatch mismatch (-want +got):\n%s", diff)
	}

	if _, err := rep.SplitBatch(2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("SplitBatch(2) on batch 3 error = %v, want ErrShapeMismatch", err)
	}
}

func TestSplitChannels(t *testing.T) {
	x := MustFromData([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 1, 1, 2, 4)
	left, right, err := x.SplitChannels(2)
	if err != nil {
		t.Fatalf("SplitChannels() error = %v", err)
	}
	if diff := cmp.Diff([]float64{1, 2, 5, 6}, left.Data()); diff != "" {
		t.Errorf("left mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{3, 4, 7, 8}, right.Data()); diff != "" {
		t.Errorf("right mismatch (-want +got):\n%s", diff)
	}
	if _, _, err := x.SplitChannels(4); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("SplitChannels(4) error = %v, want ErrShapeMismatch", err)
	}
}

func TestBroadcastChannels(t *testing.T) {
	m := MustFromData([]float64{0, 1}, 1, 1, 2, 1)
	got, err := m.BroadcastChannels(3)
	if err != nil {
		t.Fatalf("BroadcastChannels() error = %v", err)
	}
	if diff := cmp.Diff([]float64{0, 0, 0, 1, 1, 1}, got.Data()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestNCHWRoundTrip(t *testing.T) {
	x := New(2, 3, 4, 5)
	for i := range x.Data() {
		x.Data()[i] = float64(i)
	}
	nchw, err := x.ToNCHW()
	if err != nil {
		t.Fatalf("ToNCHW() error = %v", err)
	}
	if nchw.At(1, 4, 2, 3) != x.At(1, 2, 3, 4) {
		t.Errorf("ToNCHW() misplaced element")
	}
	back, err := FromNCHW(nchw)
	if err != nil {
		t.Fatalf("FromNCHW() error = %v", err)
	}
	if !Equal(back, x) {
		t.Errorf("NCHW round trip changed the tensor")
	}
}

func TestStats(t *testing.T) {
	x := MustFromData([]float64{1, 2, 3, 4}, 4)
	mean, std := x.Stats()
	if mean != 2.5 {
		t.Errorf("mean = %v, want 2.5", mean)
	}
	if diff := cmp.Diff(1.2909944487358056, std, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("std mismatch (-want +got):\n%s", diff)
	}
	if x.Max() != 4 || x.Min() != 1 {
		t.Errorf("Max/Min = %v/%v, want 4/1", x.Max(), x.Min())
	}
}
