// Package tensor provides the dense float64 tensor used for latents,
// embeddings and pixel images.
//
// Tensors are row-major. Four-dimensional image-like tensors use NHWC layout
// (batch, height, width, channels), so the channel axis is always the last one.
// Element-wise arithmetic is delegated to gonum's floats package.
package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrShapeMismatch is returned when two tensors that must agree in shape do not.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is an n-dimensional float64 array.
type Tensor struct {
	shape []int
	data  []float64
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float64, numel(shape))}
}

// Full allocates a tensor with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromData wraps data in a tensor. The slice is not copied.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != numel(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

// MustFromData is FromData that panics on a length mismatch. Intended for tests
// and literals.
func MustFromData(data []float64, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data exposes the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.Shape(), data: append([]float64(nil), t.data...)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return ShapeEqual(t.shape, o.shape)
}

// ShapeEqual compares two shapes.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) offset(idx []int) int {
	off := 0
	for i, v := range idx {
		off = off*t.shape[i] + v
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float64 { return t.data[t.offset(idx)] }

// Set assigns the element at idx.
func (t *Tensor) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

func check(a, b *Tensor) error {
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.shape, b.shape)
	}
	return nil
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := check(a, b); err != nil {
		return nil, err
	}
	out := New(a.shape...)
	floats.AddTo(out.data, a.data, b.data)
	return out, nil
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := check(a, b); err != nil {
		return nil, err
	}
	out := New(a.shape...)
	floats.SubTo(out.data, a.data, b.data)
	return out, nil
}

// Mul returns the element-wise product a * b.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := check(a, b); err != nil {
		return nil, err
	}
	out := New(a.shape...)
	floats.MulTo(out.data, a.data, b.data)
	return out, nil
}

// AddScaled returns a + alpha*b.
func AddScaled(a *Tensor, alpha float64, b *Tensor) (*Tensor, error) {
	if err := check(a, b); err != nil {
		return nil, err
	}
	out := New(a.shape...)
	floats.AddScaledTo(out.data, a.data, alpha, b.data)
	return out, nil
}

// Combine returns ca*a + cb*b.
func Combine(ca float64, a *Tensor, cb float64, b *Tensor) (*Tensor, error) {
	if err := check(a, b); err != nil {
		return nil, err
	}
	out := New(a.shape...)
	floats.ScaleTo(out.data, ca, a.data)
	floats.AddScaled(out.data, cb, b.data)
	return out, nil
}

// Scale returns c*t.
func (t *Tensor) Scale(c float64) *Tensor {
	out := New(t.shape...)
	floats.ScaleTo(out.data, c, t.data)
	return out
}

// AddConst returns t + c.
func (t *Tensor) AddConst(c float64) *Tensor {
	out := t.Clone()
	floats.AddConst(c, out.data)
	return out
}

// Apply returns a new tensor with fn applied to every element.
func (t *Tensor) Apply(fn func(float64) float64) *Tensor {
	out := New(t.shape...)
	for i, v := range t.data {
		out.data[i] = fn(v)
	}
	return out
}

// Clamp returns t with every element limited to [lo, hi].
func (t *Tensor) Clamp(lo, hi float64) *Tensor {
	return t.Apply(func(v float64) float64 { return math.Min(math.Max(v, lo), hi) })
}

// Max returns the largest element. An empty tensor yields -Inf.
func (t *Tensor) Max() float64 {
	if len(t.data) == 0 {
		return math.Inf(-1)
	}
	return floats.Max(t.data)
}

// Min returns the smallest element. An empty tensor yields +Inf.
func (t *Tensor) Min() float64 {
	if len(t.data) == 0 {
		return math.Inf(1)
	}
	return floats.Min(t.data)
}

// Equal reports exact element-wise equality including shape.
func Equal(a, b *Tensor) bool {
	return a.SameShape(b) && floats.Equal(a.data, b.data)
}

// Stats returns the mean and sample standard deviation of all elements.
func (t *Tensor) Stats() (mean, std float64) {
	if len(t.data) < 2 {
		if len(t.data) == 1 {
			return t.data[0], 0
		}
		return 0, 0
	}
	return stat.MeanStdDev(t.data, nil)
}
