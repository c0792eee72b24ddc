package sdruntime

import (
	"fmt"
	"math"

	"diffusion_backend/tensor"
)

// DefaultLatentScalingFactor is the Stable Diffusion v1 VAE latent scale.
const DefaultLatentScalingFactor = 0.18215

// Log-variance clamp applied to encoder outputs.
const (
	MinLogVariance = -30.0
	MaxLogVariance = 20.0
)

// DecoderAdapter unscales latents before handing them to an ImageDecoder.
type DecoderAdapter struct {
	decoder ImageDecoder
	scale   float64
}

// NewDecoderAdapter wraps decoder. A non-positive scale selects the default.
func NewDecoderAdapter(decoder ImageDecoder, scale float64) *DecoderAdapter {
	if scale <= 0 {
		scale = DefaultLatentScalingFactor
	}
	return &DecoderAdapter{decoder: decoder, scale: scale}
}

// Decode returns decoder(latent / scale).
func (a *DecoderAdapter) Decode(latent *tensor.Tensor) (*tensor.Tensor, error) {
	img, err := a.decoder.DecodeLatents(latent.Scale(1 / a.scale))
	if err != nil {
		return nil, collaboratorError("image decoder", err)
	}
	return img, nil
}

// EncoderAdapter samples scaled latents from an ImageEncoder's output distribution.
type EncoderAdapter struct {
	encoder ImageEncoder
	scale   float64
	noise   GaussianSource
}

// NewEncoderAdapter wraps encoder. A non-positive scale selects the default.
func NewEncoderAdapter(encoder ImageEncoder, scale float64, noise GaussianSource) *EncoderAdapter {
	if scale <= 0 {
		scale = DefaultLatentScalingFactor
	}
	return &EncoderAdapter{encoder: encoder, scale: scale, noise: noise}
}

// Encode returns (mean + exp(0.5*clamp(logvar))*N(0,1)) * scale, repeated batch times.
// image must be a single [1,H,W,3] tensor in [-1,1].
func (a *EncoderAdapter) Encode(image *tensor.Tensor, batch int) (*tensor.Tensor, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("%w: batch size %d", ErrInvalidParams, batch)
	}
	out, err := a.encoder.EncodeImage(image)
	if err != nil {
		return nil, collaboratorError("image encoder", err)
	}
	if out.Rank() != 4 || out.Dim(-1)%2 != 0 {
		return nil, collaboratorError("image encoder", fmt.Errorf("output shape %v has no mean/log-variance split", out.Shape()))
	}
	mean, logVar, err := out.SplitChannels(out.Dim(-1) / 2)
	if err != nil {
		return nil, collaboratorError("image encoder", err)
	}
	std := logVar.Clamp(MinLogVariance, MaxLogVariance).Apply(func(v float64) float64 { return math.Exp(0.5 * v) })
	eps := a.noise.Sample(std.Shape()...)
	scaledNoise, err := tensor.Mul(std, eps)
	if err != nil {
		return nil, collaboratorError("image encoder", err)
	}
	latent, err := tensor.Add(mean, scaledNoise)
	if err != nil {
		return nil, collaboratorError("image encoder", err)
	}
	return latent.Scale(a.scale).RepeatBatch(batch), nil
}
