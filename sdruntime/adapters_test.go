package sdruntime

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"diffusion_backend/tensor"
)

type fixedEncoder struct {
	out *tensor.Tensor
	err error
}

func (f fixedEncoder) EncodeImage(*tensor.Tensor) (*tensor.Tensor, error) { return f.out, f.err }

type identityDecoder struct{ last *tensor.Tensor }

func (d *identityDecoder) DecodeLatents(latents *tensor.Tensor) (*tensor.Tensor, error) {
	d.last = latents
	return latents, nil
}

func TestEncoderAdapterSamplesScaledLatents(t *testing.T) {
	// mean = [0.5, -1], logvar = [0, 100] (clamped to 20).
	enc := fixedEncoder{out: tensor.MustFromData([]float64{0.5, -1, 0, 100}, 1, 1, 1, 4)}
	noise := tensor.MustFromData([]float64{2, 0.001}, 1, 1, 1, 2)

	a := NewEncoderAdapter(enc, 0.5, constSource{noise})
	got, err := a.Encode(tensor.New(1, 8, 8, 3), 3)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if diff := cmp.Diff([]int{3, 1, 1, 2}, got.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	want := []float64{(0.5 + 1*2) * 0.5, (-1 + math.Exp(10)*0.001) * 0.5}
	for b := 0; b < 3; b++ {
		row := []float64{got.At(b, 0, 0, 0), got.At(b, 0, 0, 1)}
		if diff := cmp.Diff(want, row, cmpopts.EquateApprox(1e-12, 0)); diff != "" {
			t.Errorf("batch %d mismatch (-want +got):\n%s", b, diff)
		}
	}
}

func TestEncoderAdapterErrors(t *testing.T) {
	boom := errors.New("vae offline")
	tests := []struct {
		name    string
		enc     ImageEncoder
		batch   int
		wantErr error
	}{
		{"encoder failure", fixedEncoder{err: boom}, 1, ErrCollaboratorFailure},
		{"odd channels", fixedEncoder{out: tensor.New(1, 1, 1, 3)}, 1, ErrCollaboratorFailure},
		{"zero batch", fixedEncoder{out: tensor.New(1, 1, 1, 2)}, 0, ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncoderAdapter(tt.enc, 0, ZeroSource{}).Encode(tensor.New(1, 8, 8, 3), tt.batch)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Encode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecoderAdapterUnscales(t *testing.T) {
	dec := &identityDecoder{}
	latent := tensor.MustFromData([]float64{0.18215, -0.3643}, 1, 1, 1, 2)

	if _, err := NewDecoderAdapter(dec, 0).Decode(latent); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diff := cmp.Diff([]float64{1, -2}, dec.last.Data(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("decoder input mismatch (-want +got):\n%s", diff)
	}
}

// constSource always returns the same tensor.
type constSource struct{ t *tensor.Tensor }

func (c constSource) Sample(...int) *tensor.Tensor { return c.t.Clone() }
