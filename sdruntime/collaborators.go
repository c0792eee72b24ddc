package sdruntime

import (
	"errors"
	"fmt"

	"diffusion_backend/tensor"
)

// Tokenizer turns a prompt into a fixed-length token sequence.
type Tokenizer interface {
	Tokenize(text string) ([]int, error)
}

// ConditioningEncoder maps one token sequence to a [1, seq, dim] embedding.
type ConditioningEncoder interface {
	EncodeTokens(tokens []int) (*tensor.Tensor, error)
}

// NoisePredictor estimates the noise in a batch of latents. timesteps holds one
// entry per batch element and conditioning has the same batch size as latents.
type NoisePredictor interface {
	PredictNoise(latents *tensor.Tensor, timesteps []int, conditioning *tensor.Tensor) (*tensor.Tensor, error)
}

// ImageEncoder maps a [1,H,W,3] image in [-1,1] to [1,H/8,W/8,2C] holding the
// latent mean followed by the log-variance on the channel axis.
type ImageEncoder interface {
	EncodeImage(image *tensor.Tensor) (*tensor.Tensor, error)
}

// ImageDecoder maps unscaled latents [B,h,w,C] to pixels [B,8h,8w,3] in [-1,1].
type ImageDecoder interface {
	DecodeLatents(latents *tensor.Tensor) (*tensor.Tensor, error)
}

// Backend bundles the models a Sampler drives. Encoder may be nil, in which
// case only text-to-image is available.
type Backend struct {
	Name           string
	Tokenizer      Tokenizer
	Conditioner    ConditioningEncoder
	NoisePredictor NoisePredictor
	Encoder        ImageEncoder
	Decoder        ImageDecoder
	LatentChannels int

	closeFn func() error
}

// Close releases backend resources. Safe to call on a backend without any.
func (b *Backend) Close() error {
	if b == nil || b.closeFn == nil {
		return nil
	}
	fn := b.closeFn
	b.closeFn = nil
	return fn()
}

// Validate reports missing collaborators.
func (b *Backend) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	var missing []error
	if b.Tokenizer == nil {
		missing = append(missing, errors.New("tokenizer"))
	}
	if b.Conditioner == nil {
		missing = append(missing, errors.New("conditioning encoder"))
	}
	if b.NoisePredictor == nil {
		missing = append(missing, errors.New("noise predictor"))
	}
	if b.Decoder == nil {
		missing = append(missing, errors.New("image decoder"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: backend %q missing %w", ErrInvalidConfig, b.Name, errors.Join(missing...))
	}
	if b.LatentChannels <= 0 {
		return fmt.Errorf("%w: backend %q has %d latent channels", ErrInvalidConfig, b.Name, b.LatentChannels)
	}
	return nil
}

func collaboratorError(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCollaboratorFailure, name, err)
}
