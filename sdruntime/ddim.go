package sdruntime

import (
	"fmt"
	"math"

	"diffusion_backend/tensor"
)

// StepOptions control the stochastic term of a DDIM step.
type StepOptions struct {
	// RepeatNoise draws one [1,h,w,c] noise tensor and shares it across the batch.
	RepeatNoise bool
	// Temperature scales the stochastic contribution only.
	Temperature float64
}

// DDIMStepper advances latents one schedule index towards t=0.
type DDIMStepper struct {
	schedule *Schedule
	noise    GaussianSource
}

// NewDDIMStepper binds a stepper to a schedule and a noise source.
func NewDDIMStepper(schedule *Schedule, noise GaussianSource) *DDIMStepper {
	return &DDIMStepper{schedule: schedule, noise: noise}
}

// Step computes x_{t-1} from x_t and the guided noise estimate at index i.
// The noise source is only consulted when sigma[i] is non-zero.
func (d *DDIMStepper) Step(xt, eps *tensor.Tensor, i int, opts StepOptions) (*tensor.Tensor, error) {
	s := d.schedule
	if i < 0 || i >= s.NumSteps() {
		return nil, fmt.Errorf("%w: step index %d outside [0,%d)", ErrInvalidParams, i, s.NumSteps())
	}
	if !xt.SameShape(eps) {
		return nil, fmt.Errorf("%w: latent %v and noise estimate %v differ", ErrInvalidShape, xt.Shape(), eps.Shape())
	}

	alphaPrev, sigma := s.AlphaPrev[i], s.Sigma[i]
	sqrtOneMinusAlpha, alphaSqrt := s.SqrtOneMinusAlpha[i], s.AlphaSqrt[i]
	sqrtAlphaPrev := math.Sqrt(alphaPrev)
	// eta > 1 can push the radicand below zero.
	dirCoef := math.Sqrt(math.Max(0, 1-alphaPrev-sigma*sigma))

	var noise []float64
	if sigma != 0 {
		shape := xt.Shape()
		if opts.RepeatNoise {
			shape[0] = 1
		}
		noise = d.noise.Sample(shape...).Data()
	}
	stochastic := sigma * opts.Temperature

	x, e := xt.Data(), eps.Data()
	out := tensor.New(xt.Shape()...)
	data := out.Data()
	per := len(x) / max(xt.Dim(0), 1)
	for k := range data {
		predX0 := (x[k] - e[k]*sqrtOneMinusAlpha) / alphaSqrt
		v := sqrtAlphaPrev*predX0 + e[k]*dirCoef
		if noise != nil {
			if opts.RepeatNoise {
				v += stochastic * noise[k%per]
			} else {
				v += stochastic * noise[k]
			}
		}
		data[k] = v
	}
	return out, nil
}

// InpaintContext carries the forward-noising reference for inpainting. Mask
// has the full latent shape; 1 keeps the original, 0 lets the sampler diffuse.
type InpaintContext struct {
	OriginalLatents *tensor.Tensor
	OriginalNoise   *tensor.Tensor
	Mask            *tensor.Tensor
}

// NewInpaintContext checks shapes and broadcasts a [B,h,w,1] mask over channels.
func NewInpaintContext(latents, noise, mask *tensor.Tensor) (*InpaintContext, error) {
	if !latents.SameShape(noise) {
		return nil, fmt.Errorf("%w: inpaint latents %v and noise %v differ", ErrInvalidShape, latents.Shape(), noise.Shape())
	}
	m, err := conformMask(mask, latents.Shape())
	if err != nil {
		return nil, err
	}
	return &InpaintContext{OriginalLatents: latents, OriginalNoise: noise, Mask: m}, nil
}

// Blend re-imposes the noised original wherever the mask keeps it:
// x = orig_t*mask + x*(1-mask), orig_t = alpha_sqrt[i]*orig + sqrt_one_minus_alpha[i]*noise.
func (d *DDIMStepper) Blend(x *tensor.Tensor, i int, ic *InpaintContext) (*tensor.Tensor, error) {
	if ic == nil {
		return x, nil
	}
	if !x.SameShape(ic.Mask) {
		return nil, fmt.Errorf("%w: latent %v and inpaint mask %v differ", ErrInvalidShape, x.Shape(), ic.Mask.Shape())
	}
	s := d.schedule
	origT, err := tensor.Combine(s.AlphaSqrt[i], ic.OriginalLatents, s.SqrtOneMinusAlpha[i], ic.OriginalNoise)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidShape, err)
	}
	o, m, xs := origT.Data(), ic.Mask.Data(), x.Data()
	out := tensor.New(x.Shape()...)
	data := out.Data()
	for k := range data {
		data[k] = o[k]*m[k] + xs[k]*(1-m[k])
	}
	return out, nil
}
