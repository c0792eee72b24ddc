package sdruntime

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"

	"diffusion_backend/tensor"
)

// Reference backend dimensions. Token ids mirror the CLIP vocabulary layout so
// the padding and truncation behaviour matches a real text encoder.
const (
	referenceVocabSize    = 49405
	referenceBOS          = 49406
	referenceEOS          = 49407
	referenceEmbeddingDim = 16
	referenceChannels     = 4
)

// NewReferenceBackend returns a weight-free backend. Its noise predictor knows
// the clean latent it is steering towards (a pattern derived from the
// conditioning) and answers with the exact noise for it, so DDIM converges to
// that pattern deterministically. Useful for tests, demos and benchmarking
// the sampler without model files.
func NewReferenceBackend(cfg BackendConfig) (*Backend, error) {
	sched := cfg.Schedule
	if sched.NumTrainingSteps == 0 {
		sched = DefaultScheduleConfig()
	}
	if sched.NumTrainingSteps < 2 || sched.LinearStart <= 0 || sched.LinearEnd <= 0 ||
		sched.LinearStart >= 1 || sched.LinearEnd >= 1 {
		return nil, fmt.Errorf("%w: reference backend needs a valid beta schedule", ErrInvalidConfig)
	}
	return &Backend{
		Name:           BackendReference,
		Tokenizer:      hashTokenizer{length: CLIPMaxLength},
		Conditioner:    hashConditioner{dim: referenceEmbeddingDim},
		NoisePredictor: &oraclePredictor{alphaBar: cumulativeAlphas(sched.NumTrainingSteps, sched.LinearStart, sched.LinearEnd)},
		Encoder:        poolEncoder{channels: referenceChannels},
		Decoder:        upsampleDecoder{},
		LatentChannels: referenceChannels,
	}, nil
}

// hashTokenizer maps whitespace-separated words to stable ids.
type hashTokenizer struct {
	length int
}

func (t hashTokenizer) Tokenize(text string) ([]int, error) {
	ids := make([]int, 0, t.length)
	ids = append(ids, referenceBOS)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if len(ids) == t.length-1 {
			break
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		ids = append(ids, int(h.Sum32()%referenceVocabSize))
	}
	for len(ids) < t.length {
		ids = append(ids, referenceEOS)
	}
	return ids, nil
}

// hashConditioner embeds each (token, position) pair with a seeded draw.
type hashConditioner struct {
	dim int
}

func (c hashConditioner) EncodeTokens(tokens []int) (*tensor.Tensor, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token sequence")
	}
	out := tensor.New(1, len(tokens), c.dim)
	data := out.Data()
	for pos, tok := range tokens {
		rng := rand.New(rand.NewPCG(uint64(tok), uint64(pos)))
		for d := 0; d < c.dim; d++ {
			data[pos*c.dim+d] = 0.5 * rng.NormFloat64()
		}
	}
	return out, nil
}

// oraclePredictor returns eps = (x - sqrt(a)*target) / sqrt(1-a).
type oraclePredictor struct {
	alphaBar []float64
}

func (p *oraclePredictor) PredictNoise(latents *tensor.Tensor, timesteps []int, conditioning *tensor.Tensor) (*tensor.Tensor, error) {
	if latents.Rank() != 4 || conditioning.Rank() != 3 {
		return nil, fmt.Errorf("latents %v and conditioning %v have the wrong rank", latents.Shape(), conditioning.Shape())
	}
	n, h, w, c := latents.Dim(0), latents.Dim(1), latents.Dim(2), latents.Dim(3)
	if len(timesteps) != n || conditioning.Dim(0) != n {
		return nil, fmt.Errorf("batch mismatch: %d latents, %d timesteps, %d conditionings", n, len(timesteps), conditioning.Dim(0))
	}

	out := tensor.New(latents.Shape()...)
	x, eps := latents.Data(), out.Data()
	for b := 0; b < n; b++ {
		t := timesteps[b]
		if t < 0 || t >= len(p.alphaBar) {
			return nil, fmt.Errorf("timestep %d outside [0,%d)", t, len(p.alphaBar))
		}
		sa, s1ma := math.Sqrt(p.alphaBar[t]), math.Sqrt(1-p.alphaBar[t])
		features := channelFeatures(conditioning, b, c)
		for y := 0; y < h; y++ {
			for xi := 0; xi < w; xi++ {
				base := ((b*h+y)*w + xi) * c
				for ch := 0; ch < c; ch++ {
					target := DefaultLatentScalingFactor * math.Tanh(4*features[ch]+math.Sin(0.3*float64(y+xi)+float64(ch)))
					eps[base+ch] = (x[base+ch] - sa*target) / s1ma
				}
			}
		}
	}
	return out, nil
}

// channelFeatures averages one embedding dimension per latent channel.
func channelFeatures(conditioning *tensor.Tensor, b, channels int) []float64 {
	seq, dim := conditioning.Dim(1), conditioning.Dim(2)
	data := conditioning.Data()
	out := make([]float64, channels)
	for ch := range out {
		d := ch % dim
		var sum float64
		for s := 0; s < seq; s++ {
			sum += data[(b*seq+s)*dim+d]
		}
		out[ch] = sum / float64(seq)
	}
	return out
}

// poolEncoder average-pools 8x8 blocks. Channels are RGB then luma; the
// log-variance half is pinned to the clamp floor so sampling is near exact.
type poolEncoder struct {
	channels int
}

func (e poolEncoder) EncodeImage(image *tensor.Tensor) (*tensor.Tensor, error) {
	if image.Rank() != 4 || image.Dim(0) != 1 || image.Dim(3) != 3 {
		return nil, fmt.Errorf("image %v must be [1,H,W,3]", image.Shape())
	}
	H, W := image.Dim(1), image.Dim(2)
	if H%8 != 0 || W%8 != 0 {
		return nil, fmt.Errorf("image %dx%d is not a multiple of 8", W, H)
	}
	h, w, c := H/8, W/8, e.channels
	out := tensor.New(1, h, w, 2*c)
	src, dst := image.Data(), out.Data()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var rgb [3]float64
			for dy := 0; dy < 8; dy++ {
				for dx := 0; dx < 8; dx++ {
					off := ((y*8+dy)*W + x*8 + dx) * 3
					rgb[0] += src[off]
					rgb[1] += src[off+1]
					rgb[2] += src[off+2]
				}
			}
			base := (y*w + x) * 2 * c
			for k := range rgb {
				rgb[k] /= 64
				if k < c {
					dst[base+k] = rgb[k]
				}
			}
			if c > 3 {
				dst[base+3] = 0.299*rgb[0] + 0.587*rgb[1] + 0.114*rgb[2]
			}
			for k := 0; k < c; k++ {
				dst[base+c+k] = MinLogVariance
			}
		}
	}
	return out, nil
}

// upsampleDecoder repeats the first three latent channels over 8x8 blocks.
type upsampleDecoder struct{}

func (upsampleDecoder) DecodeLatents(latents *tensor.Tensor) (*tensor.Tensor, error) {
	if latents.Rank() != 4 || latents.Dim(3) < 3 {
		return nil, fmt.Errorf("latents %v must be [B,h,w,C>=3]", latents.Shape())
	}
	n, h, w, c := latents.Dim(0), latents.Dim(1), latents.Dim(2), latents.Dim(3)
	H, W := h*8, w*8
	out := tensor.New(n, H, W, 3)
	src, dst := latents.Data(), out.Data()
	for b := 0; b < n; b++ {
		for y := 0; y < H; y++ {
			for x := 0; x < W; x++ {
				in := ((b*h+y/8)*w + x/8) * c
				o := ((b*H+y)*W + x) * 3
				for k := 0; k < 3; k++ {
					dst[o+k] = math.Max(-1, math.Min(1, src[in+k]))
				}
			}
		}
	}
	return out, nil
}
