package sdruntime

import (
	"fmt"

	"diffusion_backend/tensor"
)

// ConditioningPair is the unconditional embedding repeated batch times
// followed by the conditional embedding repeated batch times.
type ConditioningPair struct {
	Embeddings *tensor.Tensor
	Batch      int
}

// NewConditioningPair stacks uncond and cond ([1, seq, dim] each) into a
// [2*batch, seq, dim] tensor.
func NewConditioningPair(uncond, cond *tensor.Tensor, batch int) (ConditioningPair, error) {
	if batch <= 0 {
		return ConditioningPair{}, fmt.Errorf("%w: batch size %d", ErrInvalidShape, batch)
	}
	if uncond.Rank() == 0 || uncond.Dim(0) != 1 || cond.Rank() == 0 || cond.Dim(0) != 1 {
		return ConditioningPair{}, fmt.Errorf("%w: embeddings must have batch 1, got %v and %v",
			ErrCollaboratorFailure, uncond.Shape(), cond.Shape())
	}
	emb, err := tensor.ConcatBatch(uncond.RepeatBatch(batch), cond.RepeatBatch(batch))
	if err != nil {
		return ConditioningPair{}, collaboratorError("conditioning encoder", err)
	}
	return ConditioningPair{Embeddings: emb, Batch: batch}, nil
}

// GuidancePredictor applies classifier-free guidance around a NoisePredictor.
type GuidancePredictor struct {
	predictor NoisePredictor
	scale     float64
}

// NewGuidancePredictor wraps predictor with the given guidance scale.
// A scale of 1 returns the conditional estimate unchanged.
func NewGuidancePredictor(predictor NoisePredictor, scale float64) *GuidancePredictor {
	return &GuidancePredictor{predictor: predictor, scale: scale}
}

// Predict runs the noise predictor once on [latent, latent] and combines the
// two halves as eps_uncond + scale*(eps_cond - eps_uncond).
func (g *GuidancePredictor) Predict(latent *tensor.Tensor, timestep int, pair ConditioningPair) (*tensor.Tensor, error) {
	batch := latent.Dim(0)
	if batch != pair.Batch {
		return nil, fmt.Errorf("%w: latent batch %d does not match conditioning batch %d", ErrInvalidShape, batch, pair.Batch)
	}

	inputs, err := tensor.ConcatBatch(latent, latent)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidShape, err)
	}
	timesteps := make([]int, 2*batch)
	for i := range timesteps {
		timesteps[i] = timestep
	}

	out, err := g.predictor.PredictNoise(inputs, timesteps, pair.Embeddings)
	if err != nil {
		return nil, collaboratorError("noise predictor", err)
	}
	if !out.SameShape(inputs) {
		return nil, collaboratorError("noise predictor",
			fmt.Errorf("output shape %v, want %v", out.Shape(), inputs.Shape()))
	}

	halves, err := out.SplitBatch(2)
	if err != nil {
		return nil, collaboratorError("noise predictor", err)
	}
	uncond, cond := halves[0], halves[1]
	diff, err := tensor.Sub(cond, uncond)
	if err != nil {
		return nil, collaboratorError("noise predictor", err)
	}
	return tensor.AddScaled(uncond, g.scale, diff)
}
