package tensor

import "fmt"

// ConcatBatch joins tensors along axis 0. All inputs must agree on the
// remaining axes.
func ConcatBatch(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	first := ts[0]
	batch := 0
	for _, t := range ts {
		if t.Rank() != first.Rank() || !ShapeEqual(t.shape[1:], first.shape[1:]) {
			return nil, fmt.Errorf("%w: cannot concatenate %v with %v", ErrShapeMismatch, t.shape, first.shape)
		}
		batch += t.shape[0]
	}
	shape := first.Shape()
	shape[0] = batch
	out := &Tensor{shape: shape, data: make([]float64, 0, numel(shape))}
	for _, t := range ts {
		out.data = append(out.data, t.data...)
	}
	return out, nil
}

// RepeatBatch tiles t n times along axis 0.
func (t *Tensor) RepeatBatch(n int) *Tensor {
	shape := t.Shape()
	shape[0] *= n
	out := &Tensor{shape: shape, data: make([]float64, 0, len(t.data)*n)}
	for i := 0; i < n; i++ {
		out.data = append(out.data, t.data...)
	}
	return out
}

// SplitBatch cuts t into n equal parts along axis 0.
func (t *Tensor) SplitBatch(n int) ([]*Tensor, error) {
	if n <= 0 || t.Rank() == 0 || t.shape[0]%n != 0 {
		return nil, fmt.Errorf("%w: cannot split batch of %v into %d", ErrShapeMismatch, t.shape, n)
	}
	shape := t.Shape()
	shape[0] /= n
	step := numel(shape)
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = &Tensor{shape: append([]int(nil), shape...), data: append([]float64(nil), t.data[i*step:(i+1)*step]...)}
	}
	return parts, nil
}

// SplitChannels cuts t along its last axis into the first k channels and the rest.
func (t *Tensor) SplitChannels(k int) (*Tensor, *Tensor, error) {
	if t.Rank() == 0 {
		return nil, nil, fmt.Errorf("%w: scalar has no channel axis", ErrShapeMismatch)
	}
	c := t.shape[len(t.shape)-1]
	if k <= 0 || k >= c {
		return nil, nil, fmt.Errorf("%w: cannot split %d channels at %d", ErrShapeMismatch, c, k)
	}
	rows := len(t.data) / c
	ls, rs := t.Shape(), t.Shape()
	ls[len(ls)-1] = k
	rs[len(rs)-1] = c - k
	left, right := New(ls...), New(rs...)
	for r := 0; r < rows; r++ {
		copy(left.data[r*k:(r+1)*k], t.data[r*c:r*c+k])
		copy(right.data[r*(c-k):(r+1)*(c-k)], t.data[r*c+k:(r+1)*c])
	}
	return left, right, nil
}

// BroadcastChannels expands a tensor whose last axis is 1 to c channels.
func (t *Tensor) BroadcastChannels(c int) (*Tensor, error) {
	if t.Rank() == 0 || t.shape[len(t.shape)-1] != 1 {
		return nil, fmt.Errorf("%w: %v has no singleton channel axis", ErrShapeMismatch, t.shape)
	}
	shape := t.Shape()
	shape[len(shape)-1] = c
	out := New(shape...)
	for i, v := range t.data {
		for j := 0; j < c; j++ {
			out.data[i*c+j] = v
		}
	}
	return out, nil
}

// ToNCHW converts an NHWC tensor to NCHW.
func (t *Tensor) ToNCHW() (*Tensor, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("%w: NCHW conversion needs rank 4, got %v", ErrShapeMismatch, t.shape)
	}
	n, h, w, c := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	out := New(n, c, h, w)
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					out.data[((b*c+ch)*h+y)*w+x] = t.data[((b*h+y)*w+x)*c+ch]
				}
			}
		}
	}
	return out, nil
}

// FromNCHW converts an NCHW tensor back to NHWC.
func FromNCHW(t *Tensor) (*Tensor, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("%w: NHWC conversion needs rank 4, got %v", ErrShapeMismatch, t.shape)
	}
	n, c, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	out := New(n, h, w, c)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					out.data[((b*h+y)*w+x)*c+ch] = t.data[((b*c+ch)*h+y)*w+x]
				}
			}
		}
	}
	return out, nil
}
