package sdruntime

import (
	"fmt"

	"diffusion_backend/tensor"
)

// MaskBox is a rectangle in fractional latent coordinates. Cells inside the
// box keep the original image; everything else is regenerated.
type MaskBox struct {
	Top    float64 `json:"top" yaml:"top"`
	Left   float64 `json:"left" yaml:"left"`
	Bottom float64 `json:"bottom" yaml:"bottom"`
	Right  float64 `json:"right" yaml:"right"`
}

// DefaultMaskBox covers the bottom half of the image.
func DefaultMaskBox() MaskBox {
	return MaskBox{Top: 0.5, Left: 0, Bottom: 1, Right: 1}
}

// Validate checks that all coordinates lie in [0,1] and the box is not inverted.
func (b MaskBox) Validate() error {
	for _, v := range []float64{b.Top, b.Left, b.Bottom, b.Right} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: mask box %+v has coordinates outside [0,1]", ErrInvalidParams, b)
		}
	}
	if b.Top > b.Bottom || b.Left > b.Right {
		return fmt.Errorf("%w: mask box %+v is inverted", ErrInvalidParams, b)
	}
	return nil
}

// Mask builds a binary [B,h,w,C] mask for the latent shape.
func (b MaskBox) Mask(shape []int) (*tensor.Tensor, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: mask needs a rank-4 latent shape, got %v", ErrInvalidShape, shape)
	}
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]
	top, bottom := int(b.Top*float64(h)), int(b.Bottom*float64(h))
	left, right := int(b.Left*float64(w)), int(b.Right*float64(w))

	m := tensor.New(shape...)
	for bi := 0; bi < n; bi++ {
		for y := top; y < bottom; y++ {
			for x := left; x < right; x++ {
				for ch := 0; ch < c; ch++ {
					m.Set(1, bi, y, x, ch)
				}
			}
		}
	}
	return m, nil
}

// InpaintMask is either a box or an explicit mask tensor. A zero value means
// the default box.
type InpaintMask struct {
	Box    *MaskBox
	Tensor *tensor.Tensor
}

func (m InpaintMask) resolve(shape []int) (*tensor.Tensor, error) {
	if m.Tensor != nil {
		return conformMask(m.Tensor, shape)
	}
	box := DefaultMaskBox()
	if m.Box != nil {
		box = *m.Box
	}
	return box.Mask(shape)
}

// conformMask accepts a mask of the full latent shape or with a single
// channel, and returns it at the full shape.
func conformMask(mask *tensor.Tensor, shape []int) (*tensor.Tensor, error) {
	if mask == nil {
		return nil, fmt.Errorf("%w: nil inpaint mask", ErrUnsupportedMode)
	}
	if mask.Min() < 0 || mask.Max() > 1 {
		return nil, fmt.Errorf("%w: inpaint mask values must lie in [0,1]", ErrInvalidParams)
	}
	if tensor.ShapeEqual(mask.Shape(), shape) {
		return mask, nil
	}
	ms := mask.Shape()
	if len(ms) == len(shape) && len(ms) > 0 && ms[len(ms)-1] == 1 &&
		tensor.ShapeEqual(ms[:len(ms)-1], shape[:len(shape)-1]) {
		return mask.BroadcastChannels(shape[len(shape)-1])
	}
	return nil, fmt.Errorf("%w: inpaint mask shape %v does not match latent shape %v", ErrUnsupportedMode, ms, shape)
}
