package sdruntime

import (
	"sync"

	"diffusion_backend/tensor"
)

// countingSource wraps a GaussianSource and records every draw.
type countingSource struct {
	mu     sync.Mutex
	inner  GaussianSource
	shapes [][]int
}

func newCountingSource(inner GaussianSource) *countingSource {
	return &countingSource{inner: inner}
}

func (c *countingSource) Sample(shape ...int) *tensor.Tensor {
	c.mu.Lock()
	c.shapes = append(c.shapes, append([]int(nil), shape...))
	c.mu.Unlock()
	return c.inner.Sample(shape...)
}

func (c *countingSource) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shapes)
}

// countingTokenizer records the texts it was asked to tokenize.
type countingTokenizer struct {
	mu    sync.Mutex
	inner Tokenizer
	texts []string
	err   error
}

func (c *countingTokenizer) Tokenize(text string) ([]int, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Tokenize(text)
}

func (c *countingTokenizer) count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.texts {
		if t == text {
			n++
		}
	}
	return n
}

// countingPredictor records the batch size of every forward pass.
type countingPredictor struct {
	mu      sync.Mutex
	inner   NoisePredictor
	batches []int
	err     error
}

func (c *countingPredictor) PredictNoise(latents *tensor.Tensor, timesteps []int, conditioning *tensor.Tensor) (*tensor.Tensor, error) {
	c.mu.Lock()
	c.batches = append(c.batches, latents.Dim(0))
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.PredictNoise(latents, timesteps, conditioning)
}

func (c *countingPredictor) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

// affinePredictor returns eps = a*x + b*mean(conditioning row), so the two
// halves of a guided batch differ whenever their embeddings do.
type affinePredictor struct {
	a, b float64
}

func (p affinePredictor) PredictNoise(latents *tensor.Tensor, timesteps []int, conditioning *tensor.Tensor) (*tensor.Tensor, error) {
	n := latents.Dim(0)
	per := latents.Len() / n
	rows := conditioning.Len() / conditioning.Dim(0)
	out := tensor.New(latents.Shape()...)
	x, c, o := latents.Data(), conditioning.Data(), out.Data()
	for b := 0; b < n; b++ {
		var mean float64
		for _, v := range c[b*rows : (b+1)*rows] {
			mean += v
		}
		mean /= float64(rows)
		for k := b * per; k < (b+1)*per; k++ {
			o[k] = p.a*x[k] + p.b*mean
		}
	}
	return out, nil
}

// failingConditioner always returns err.
type failingConditioner struct{ err error }

func (f failingConditioner) EncodeTokens([]int) (*tensor.Tensor, error) { return nil, f.err }

type testBackend struct {
	*Backend
	tokenizer *countingTokenizer
	predictor *countingPredictor
}

// newTestBackend returns the reference backend with counting wrappers around
// its tokenizer and noise predictor.
func newTestBackend(cfg ScheduleConfig) *testBackend {
	ref, err := NewReferenceBackend(BackendConfig{Schedule: cfg})
	if err != nil {
		panic(err)
	}
	tok := &countingTokenizer{inner: ref.Tokenizer}
	pred := &countingPredictor{inner: ref.NoisePredictor}
	ref.Tokenizer = tok
	ref.NoisePredictor = pred
	return &testBackend{Backend: ref, tokenizer: tok, predictor: pred}
}

func testScheduleConfig(steps int) ScheduleConfig {
	cfg := DefaultScheduleConfig()
	cfg.NumSteps = steps
	return cfg
}

// blockImage returns a [1,h,w,3] pixel tensor that is constant over 8x8 blocks.
func blockImage(h, w int) *tensor.Tensor {
	img := tensor.New(1, h, w, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				img.Set(float64((y/8*37+x/8*11+c*60)%256), 0, y, x, c)
			}
		}
	}
	return img
}
