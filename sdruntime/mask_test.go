package sdruntime

import (
	"errors"
	"testing"

	"diffusion_backend/tensor"
)

func TestDefaultMaskBoxCoversBottomHalf(t *testing.T) {
	m, err := DefaultMaskBox().Mask([]int{2, 8, 6, 4})
	if err != nil {
		t.Fatalf("Mask() error = %v", err)
	}
	for b := 0; b < 2; b++ {
		for y := 0; y < 8; y++ {
			want := 0.0
			if y >= 4 {
				want = 1
			}
			for x := 0; x < 6; x++ {
				for c := 0; c < 4; c++ {
					if got := m.At(b, y, x, c); got != want {
						t.Fatalf("mask[%d,%d,%d,%d] = %v, want %v", b, y, x, c, got, want)
					}
				}
			}
		}
	}
}

func TestMaskBoxTruncatesFractions(t *testing.T) {
	box := MaskBox{Top: 0.3, Left: 0.3, Bottom: 0.7, Right: 0.7}
	m, err := box.Mask([]int{1, 10, 10, 1})
	if err != nil {
		t.Fatalf("Mask() error = %v", err)
	}
	// rows and columns 3..6 are inside
	var inside int
	for _, v := range m.Data() {
		if v == 1 {
			inside++
		}
	}
	if inside != 16 {
		t.Errorf("inside cells = %d, want 16", inside)
	}
	if m.At(0, 3, 3, 0) != 1 || m.At(0, 7, 7, 0) != 0 {
		t.Error("mask edges misplaced")
	}
}

func TestMaskBoxValidate(t *testing.T) {
	tests := []struct {
		name string
		box  MaskBox
	}{
		{"negative", MaskBox{Top: -0.1, Bottom: 1, Right: 1}},
		{"beyond one", MaskBox{Bottom: 1.5, Right: 1}},
		{"inverted rows", MaskBox{Top: 0.8, Bottom: 0.2, Right: 1}},
		{"inverted columns", MaskBox{Left: 0.9, Bottom: 1, Right: 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.box.Validate(); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Validate() error = %v, want %v", err, ErrInvalidParams)
			}
		})
	}
	if _, err := DefaultMaskBox().Mask([]int{8, 8}); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("rank-2 shape error = %v, want %v", err, ErrInvalidShape)
	}
}

func TestInpaintMaskResolve(t *testing.T) {
	shape := []int{1, 4, 4, 4}

	fromBox, err := InpaintMask{Box: &MaskBox{Top: 0, Left: 0, Bottom: 1, Right: 0.5}}.resolve(shape)
	if err != nil {
		t.Fatalf("resolve(box) error = %v", err)
	}
	if fromBox.At(0, 0, 1, 0) != 1 || fromBox.At(0, 0, 2, 0) != 0 {
		t.Error("box mask misplaced")
	}

	if _, err := (InpaintMask{Tensor: tensor.Full(2, 1, 4, 4, 1)}).resolve(shape); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("out of range mask error = %v, want %v", err, ErrInvalidParams)
	}
	if _, err := (InpaintMask{Tensor: tensor.New(1, 4, 4, 2)}).resolve(shape); !errors.Is(err, ErrUnsupportedMode) {
		t.Errorf("two-channel mask error = %v, want %v", err, ErrUnsupportedMode)
	}

	full := tensor.Full(0.5, shape...)
	got, err := InpaintMask{Tensor: full}.resolve(shape)
	if err != nil || got != full {
		t.Errorf("full-shape mask = %v, %v; want it returned as is", got, err)
	}
}
