package sdruntime

import (
	"math/rand/v2"
	"sync"

	"diffusion_backend/tensor"
)

// GaussianSource draws tensors of i.i.d. standard-normal values.
type GaussianSource interface {
	Sample(shape ...int) *tensor.Tensor
}

// NormalSource is a seeded GaussianSource. Two sources built from the same
// seed produce the same sequence of draws. Safe for concurrent use.
type NormalSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGaussianSource returns a NormalSource seeded with seed.
func NewGaussianSource(seed int64) *NormalSource {
	return &NormalSource{rng: rand.New(rand.NewPCG(uint64(seed), 0x5d_d1_ff))}
}

// Sample fills a new tensor of the given shape with standard-normal values.
func (s *NormalSource) Sample(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	data := t.Data()
	s.mu.Lock()
	for i := range data {
		data[i] = s.rng.NormFloat64()
	}
	s.mu.Unlock()
	return t
}

// ZeroSource returns all-zero tensors. Sampling with it yields the mean of
// every distribution the sampler draws from.
type ZeroSource struct{}

// Sample returns a zero tensor of the given shape.
func (ZeroSource) Sample(shape ...int) *tensor.Tensor { return tensor.New(shape...) }
