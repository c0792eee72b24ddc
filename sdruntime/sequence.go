package sdruntime

import "diffusion_backend/tensor"

// ImageSequence decodes captured intermediate latents one at a time, in the
// order they were produced. It is finite and cannot be rewound.
//
//	seq, err := sampler.TextToImageSteps(params)
//	for seq.Next() {
//	    save(seq.Step(), seq.Image())
//	}
//	if err := seq.Err(); err != nil { ... }
type ImageSequence struct {
	latents []*tensor.Tensor
	steps   []int
	decode  func(*tensor.Tensor) (*tensor.Tensor, error)

	pos  int
	cur  *tensor.Tensor
	step int
	err  error
}

func newImageSequence(latents []*tensor.Tensor, steps []int, decode func(*tensor.Tensor) (*tensor.Tensor, error)) *ImageSequence {
	return &ImageSequence{latents: latents, steps: steps, decode: decode, step: -1}
}

// Len returns the total number of images the sequence yields.
func (s *ImageSequence) Len() int { return len(s.latents) }

// Next decodes the next captured latent. It returns false when the sequence
// is exhausted or decoding failed; check Err afterwards.
func (s *ImageSequence) Next() bool {
	if s.err != nil || s.pos >= len(s.latents) {
		s.cur = nil
		return false
	}
	latent := s.latents[s.pos]
	s.latents[s.pos] = nil
	img, err := s.decode(latent)
	if err != nil {
		s.err = err
		s.cur = nil
		return false
	}
	s.cur = img
	s.step = s.steps[s.pos]
	s.pos++
	return true
}

// Image returns the image decoded by the last successful Next.
func (s *ImageSequence) Image() *tensor.Tensor { return s.cur }

// Step returns the schedule index whose output produced the current image.
func (s *ImageSequence) Step() int { return s.step }

// Err returns the first decoding error.
func (s *ImageSequence) Err() error { return s.err }

// Collect drains the remaining images.
func (s *ImageSequence) Collect() ([]*tensor.Tensor, error) {
	var out []*tensor.Tensor
	for s.Next() {
		out = append(out, s.cur)
	}
	return out, s.err
}
