package sdruntime

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"diffusion_backend/tensor"
)

func TestNewConditioningPairLayout(t *testing.T) {
	uncond := tensor.Full(-1, 1, 2, 3)
	cond := tensor.Full(1, 1, 2, 3)

	pair, err := NewConditioningPair(uncond, cond, 2)
	if err != nil {
		t.Fatalf("NewConditioningPair() error = %v", err)
	}
	if diff := cmp.Diff([]int{4, 2, 3}, pair.Embeddings.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	for b, want := range []float64{-1, -1, 1, 1} {
		if got := pair.Embeddings.At(b, 1, 2); got != want {
			t.Errorf("row %d = %v, want %v", b, got, want)
		}
	}

	if _, err := NewConditioningPair(uncond, cond, 0); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("zero batch error = %v, want %v", err, ErrInvalidShape)
	}
	if _, err := NewConditioningPair(tensor.New(2, 2, 3), cond, 1); !errors.Is(err, ErrCollaboratorFailure) {
		t.Errorf("batched embedding error = %v, want %v", err, ErrCollaboratorFailure)
	}
}

func TestGuidancePredictorCombinesHalves(t *testing.T) {
	pred := &countingPredictor{inner: affinePredictor{a: 0.5, b: 1}}
	pair, err := NewConditioningPair(tensor.Full(0.2, 1, 3, 2), tensor.Full(1.0, 1, 3, 2), 2)
	if err != nil {
		t.Fatalf("NewConditioningPair() error = %v", err)
	}
	latent := tensor.MustFromData([]float64{1, 2, 3, 4}, 2, 1, 1, 2)

	tests := []struct {
		scale float64
		// eps_uncond = 0.5x + 0.2, eps_cond = 0.5x + 1.0
		offset float64
	}{
		{scale: 1, offset: 1.0},
		{scale: 7.5, offset: 0.2 + 7.5*0.8},
		{scale: 0.5, offset: 0.2 + 0.5*0.8},
	}
	for _, tt := range tests {
		got, err := NewGuidancePredictor(pred, tt.scale).Predict(latent, 501, pair)
		if err != nil {
			t.Fatalf("Predict(scale=%v) error = %v", tt.scale, err)
		}
		want := latent.Scale(0.5).AddConst(tt.offset)
		if diff := cmp.Diff(want.Data(), got.Data(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Errorf("Predict(scale=%v) mismatch (-want +got):\n%s", tt.scale, diff)
		}
	}
	if diff := cmp.Diff([]int{4, 4, 4}, pred.batches); diff != "" {
		t.Errorf("forward passes mismatch (-want +got):\n%s", diff)
	}
}

type shapeBreakingPredictor struct{}

func (shapeBreakingPredictor) PredictNoise(latents *tensor.Tensor, _ []int, _ *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.New(1, 1, 1, 1), nil
}

func TestGuidancePredictorErrors(t *testing.T) {
	pair, _ := NewConditioningPair(tensor.New(1, 3, 2), tensor.New(1, 3, 2), 1)
	latent := tensor.New(1, 1, 1, 2)

	if _, err := NewGuidancePredictor(shapeBreakingPredictor{}, 2).Predict(latent, 1, pair); !errors.Is(err, ErrCollaboratorFailure) {
		t.Errorf("bad output shape error = %v, want %v", err, ErrCollaboratorFailure)
	}
	if _, err := NewGuidancePredictor(affinePredictor{}, 2).Predict(tensor.New(2, 1, 1, 2), 1, pair); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("batch mismatch error = %v, want %v", err, ErrInvalidShape)
	}
}
