package sdruntime

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"diffusion_backend/logging"
	"diffusion_backend/tensor"
)

// Mode names a sampling entry point.
type Mode string

const (
	ModeTextToImage  Mode = "txt2img"
	ModeImageToImage Mode = "img2img"
	ModeInpaint      Mode = "inpaint"
)

// ParseMode accepts the three mode names.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeTextToImage, ModeImageToImage, ModeInpaint:
		return m, nil
	case "":
		return ModeTextToImage, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, s)
	}
}

// Sampler runs DDIM sampling against one backend. The schedule is fixed at
// construction. Calls may run concurrently; the unconditional embedding is
// computed once and shared.
type Sampler struct {
	schedule *Schedule
	backend  *Backend
	noise    GaussianSource
	logger   *logging.Logger

	uncondMu sync.Mutex
	uncond   *tensor.Tensor
}

// SamplerOption customises a Sampler.
type SamplerOption func(*Sampler)

// WithLogger routes step and summary logging to logger.
func WithLogger(logger *logging.Logger) SamplerOption {
	return func(s *Sampler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGaussianSource sets the default noise source. Individual calls can
// still override it through their params.
func WithGaussianSource(g GaussianSource) SamplerOption {
	return func(s *Sampler) {
		if g != nil {
			s.noise = g
		}
	}
}

// NewSampler builds the schedule for cfg and binds it to backend.
func NewSampler(cfg ScheduleConfig, backend *Backend, opts ...SamplerOption) (*Sampler, error) {
	if err := backend.Validate(); err != nil {
		return nil, err
	}
	schedule, err := BuildSchedule(cfg)
	if err != nil {
		return nil, err
	}
	s := &Sampler{
		schedule: schedule,
		backend:  backend,
		noise:    NewGaussianSource(RandomSeed()),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schedule returns the sampler's read-only schedule.
func (s *Sampler) Schedule() *Schedule { return s.schedule }

// Backend returns the backend the sampler drives.
func (s *Sampler) Backend() *Backend { return s.backend }

// TextToImageParams configures a text-to-image call. The same struct drives
// the sampling loop behind image-to-image and inpainting.
type TextToImageParams struct {
	Prompt string
	// NegativePrompt replaces the empty-prompt embedding on the unconditional
	// side of guidance when set.
	NegativePrompt string
	BatchSize      int
	Height         int
	Width          int
	RepeatNoise    bool
	Temperature    float64
	// InitX0 seeds the loop instead of Gaussian noise. Its batch size wins over BatchSize.
	InitX0 *tensor.Tensor
	// InitStep skips the InitStep noisiest schedule indices.
	InitStep            int
	LatentScalingFactor float64
	GuidanceScale       float64
	Inpaint             *InpaintContext
	// Noise overrides the sampler's GaussianSource for this call.
	Noise GaussianSource
}

// DefaultTextToImageParams returns 512x512, one image, guidance 7.5.
func DefaultTextToImageParams() TextToImageParams {
	return TextToImageParams{
		BatchSize:           1,
		Height:              512,
		Width:               512,
		Temperature:         1,
		LatentScalingFactor: DefaultLatentScalingFactor,
		GuidanceScale:       7.5,
	}
}

// ImageToImageParams configures image-to-image and inpainting calls. Exactly
// one of Image and ImagePath must be set.
type ImageToImageParams struct {
	// Image is an [H,W,3] or [1,H,W,3] pixel array in [0,255] or [0,1].
	Image *tensor.Tensor
	// ImagePath is decoded from disk and resized to a multiple of 64.
	ImagePath string

	Prompt              string
	NegativePrompt      string
	BatchSize           int
	Strength            float64
	RepeatNoise         bool
	Temperature         float64
	LatentScalingFactor float64
	GuidanceScale       float64
	Inpaint             bool
	Mask                InpaintMask
	Noise               GaussianSource
}

// DefaultImageToImageParams returns strength 0.75, guidance 5.
func DefaultImageToImageParams() ImageToImageParams {
	return ImageToImageParams{
		BatchSize:           1,
		Strength:            0.75,
		Temperature:         1,
		LatentScalingFactor: DefaultLatentScalingFactor,
		GuidanceScale:       5,
	}
}

// TextToImage samples from noise and decodes the final latent to [B,H,W,3].
func (s *Sampler) TextToImage(p TextToImageParams) (*tensor.Tensor, error) {
	res, err := s.sample(p, false, ModeTextToImage)
	if err != nil {
		return nil, err
	}
	return res.decoder.Decode(res.final)
}

// TextToImageSteps samples like TextToImage and returns every intermediate
// latent as a lazily decoded sequence.
func (s *Sampler) TextToImageSteps(p TextToImageParams) (*ImageSequence, error) {
	res, err := s.sample(p, true, ModeTextToImage)
	if err != nil {
		return nil, err
	}
	return newImageSequence(res.inner, res.steps, res.decoder.Decode), nil
}

// ImageToImage encodes the input image, forward-noises it according to
// Strength and denoises it under the prompt.
func (s *Sampler) ImageToImage(p ImageToImageParams) (*tensor.Tensor, error) {
	tp, mode, err := s.prepareImageToImage(p)
	if err != nil {
		return nil, err
	}
	res, err := s.sample(tp, false, mode)
	if err != nil {
		return nil, err
	}
	return res.decoder.Decode(res.final)
}

// ImageToImageSteps is ImageToImage returning the intermediate images.
func (s *Sampler) ImageToImageSteps(p ImageToImageParams) (*ImageSequence, error) {
	tp, mode, err := s.prepareImageToImage(p)
	if err != nil {
		return nil, err
	}
	res, err := s.sample(tp, true, mode)
	if err != nil {
		return nil, err
	}
	return newImageSequence(res.inner, res.steps, res.decoder.Decode), nil
}

// InPaint is ImageToImage with inpainting enabled.
func (s *Sampler) InPaint(p ImageToImageParams) (*tensor.Tensor, error) {
	p.Inpaint = true
	return s.ImageToImage(p)
}

// InPaintSteps is ImageToImageSteps with inpainting enabled.
func (s *Sampler) InPaintSteps(p ImageToImageParams) (*ImageSequence, error) {
	p.Inpaint = true
	return s.ImageToImageSteps(p)
}

type sampleResult struct {
	final   *tensor.Tensor
	inner   []*tensor.Tensor
	steps   []int
	decoder *DecoderAdapter
}

func (s *Sampler) sample(p TextToImageParams, record bool, mode Mode) (*sampleResult, error) {
	started := time.Now()
	n := s.schedule.NumSteps()

	// INIT
	if err := validateSamplingParams(p, n); err != nil {
		return nil, err
	}
	shape, err := s.latentShape(p)
	if err != nil {
		return nil, err
	}
	batch := shape[0]
	noise := p.Noise
	if noise == nil {
		noise = s.noise
	}

	// CONDITION
	pair, err := s.conditioning(p.Prompt, p.NegativePrompt, batch)
	if err != nil {
		return nil, err
	}

	// NOISE_INIT
	var xt *tensor.Tensor
	if p.InitX0 != nil {
		xt = p.InitX0.Clone()
	} else {
		xt = noise.Sample(shape...)
	}
	if p.Inpaint != nil && !xt.SameShape(p.Inpaint.Mask) {
		return nil, fmt.Errorf("%w: inpaint context %v does not match latents %v", ErrInvalidShape, p.Inpaint.Mask.Shape(), shape)
	}

	// ITERATE
	guidance := NewGuidancePredictor(s.backend.NoisePredictor, p.GuidanceScale)
	stepper := NewDDIMStepper(s.schedule, noise)
	opts := StepOptions{RepeatNoise: p.RepeatNoise, Temperature: p.Temperature}
	debug := s.logger.Enabled(zap.DebugLevel)

	res := &sampleResult{decoder: NewDecoderAdapter(s.backend.Decoder, p.LatentScalingFactor)}
	for i := n - 1 - p.InitStep; i >= 0; i-- {
		eps, err := guidance.Predict(xt, s.schedule.TimeSteps[i], pair)
		if err != nil {
			return nil, err
		}
		if xt, err = stepper.Step(xt, eps, i, opts); err != nil {
			return nil, err
		}
		if xt, err = stepper.Blend(xt, i, p.Inpaint); err != nil {
			return nil, err
		}
		if debug {
			mean, std := xt.Stats()
			s.logger.Debug("ddim step", logging.StepFields(i, s.schedule.TimeSteps[i], mean, std)...)
		}
		if record {
			res.inner = append(res.inner, xt)
			res.steps = append(res.steps, i)
		}
	}
	res.final = xt

	s.logger.Info("sampling complete", logging.SamplingFields(logging.SamplingMetrics{
		Mode:          string(mode),
		Backend:       s.backend.Name,
		Steps:         n - p.InitStep,
		Batch:         batch,
		Height:        shape[1] * 8,
		Width:         shape[2] * 8,
		GuidanceScale: p.GuidanceScale,
		Duration:      time.Since(started),
	}))
	return res, nil
}

func validateSamplingParams(p TextToImageParams, numSteps int) error {
	if p.InitStep < 0 || p.InitStep > numSteps {
		return fmt.Errorf("%w: init step %d outside [0,%d]", ErrInvalidParams, p.InitStep, numSteps)
	}
	if p.Temperature < 0 {
		return fmt.Errorf("%w: temperature %g must be non-negative", ErrInvalidParams, p.Temperature)
	}
	if p.GuidanceScale <= 0 {
		return fmt.Errorf("%w: guidance scale %g must be positive", ErrInvalidParams, p.GuidanceScale)
	}
	if p.LatentScalingFactor <= 0 {
		return fmt.Errorf("%w: latent scaling factor %g must be positive", ErrInvalidParams, p.LatentScalingFactor)
	}
	return nil
}

// latentShape resolves [B, H/8, W/8, C] from InitX0 or the requested image
// size, rounded down to a multiple of ImageAlignment.
func (s *Sampler) latentShape(p TextToImageParams) ([]int, error) {
	c := s.backend.LatentChannels
	if p.InitX0 != nil {
		shape := p.InitX0.Shape()
		if len(shape) != 4 || shape[3] != c || shape[0] <= 0 {
			return nil, fmt.Errorf("%w: initial latents %v must be [B,h,w,%d]", ErrInvalidShape, shape, c)
		}
		return shape, nil
	}
	if p.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size %d must be positive", ErrInvalidParams, p.BatchSize)
	}
	h, w := p.Height-p.Height%ImageAlignment, p.Width-p.Width%ImageAlignment
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: image %dx%d is smaller than %d pixels", ErrInvalidShape, p.Width, p.Height, ImageAlignment)
	}
	return []int{p.BatchSize, h / 8, w / 8, c}, nil
}

// conditioning builds the [uncond x B | cond x B] embedding stack.
func (s *Sampler) conditioning(prompt, negative string, batch int) (ConditioningPair, error) {
	var uncond *tensor.Tensor
	var err error
	if negative != "" {
		uncond, err = s.embed(negative)
	} else {
		uncond, err = s.unconditional()
	}
	if err != nil {
		return ConditioningPair{}, err
	}
	cond, err := s.embed(prompt)
	if err != nil {
		return ConditioningPair{}, err
	}
	return NewConditioningPair(uncond, cond, batch)
}

// unconditional returns the empty-prompt embedding, computing it on first use.
// A failed attempt is not cached.
func (s *Sampler) unconditional() (*tensor.Tensor, error) {
	s.uncondMu.Lock()
	defer s.uncondMu.Unlock()
	if s.uncond != nil {
		return s.uncond, nil
	}
	emb, err := s.embed("")
	if err != nil {
		return nil, err
	}
	s.uncond = emb
	return emb, nil
}

func (s *Sampler) embed(text string) (*tensor.Tensor, error) {
	tokens, err := s.backend.Tokenizer.Tokenize(text)
	if err != nil {
		return nil, collaboratorError("tokenizer", err)
	}
	emb, err := s.backend.Conditioner.EncodeTokens(tokens)
	if err != nil {
		return nil, collaboratorError("conditioning encoder", err)
	}
	return emb, nil
}

// prepareImageToImage runs ENCODE and the forward noising, producing the
// TextToImageParams that drive the shared loop.
func (s *Sampler) prepareImageToImage(p ImageToImageParams) (TextToImageParams, Mode, error) {
	mode := ModeImageToImage
	if p.Inpaint {
		mode = ModeInpaint
	}
	if s.backend.Encoder == nil {
		return TextToImageParams{}, mode, fmt.Errorf("%w: backend %q has no image encoder", ErrUnsupportedMode, s.backend.Name)
	}
	if p.BatchSize <= 0 {
		return TextToImageParams{}, mode, fmt.Errorf("%w: batch size %d must be positive", ErrInvalidParams, p.BatchSize)
	}
	if p.Strength < 0 || p.Strength > 1 {
		return TextToImageParams{}, mode, fmt.Errorf("%w: strength %g outside [0,1]", ErrInvalidParams, p.Strength)
	}
	if p.LatentScalingFactor <= 0 {
		return TextToImageParams{}, mode, fmt.Errorf("%w: latent scaling factor %g must be positive", ErrInvalidParams, p.LatentScalingFactor)
	}

	pixels, err := loadInputImage(p)
	if err != nil {
		return TextToImageParams{}, mode, err
	}
	noise := p.Noise
	if noise == nil {
		noise = s.noise
	}

	// ENCODE
	encoder := NewEncoderAdapter(s.backend.Encoder, p.LatentScalingFactor, noise)
	latents, err := encoder.Encode(NormalizePixels(pixels), p.BatchSize)
	if err != nil {
		return TextToImageParams{}, mode, err
	}
	want := []int{p.BatchSize, pixels.Dim(1) / 8, pixels.Dim(2) / 8, s.backend.LatentChannels}
	if !tensor.ShapeEqual(latents.Shape(), want) {
		return TextToImageParams{}, mode, collaboratorError("image encoder",
			fmt.Errorf("latents %v, want %v", latents.Shape(), want))
	}

	// Forward noising. Strength 0 keeps the encoded latents untouched.
	n := s.schedule.NumSteps()
	forward := noise.Sample(latents.Shape()...)
	start := int(p.Strength * float64(n))
	x0 := latents
	if start > 0 {
		k := min(start, n-1)
		if x0, err = tensor.Combine(s.schedule.AlphaSqrt[k], latents, s.schedule.SqrtOneMinusAlpha[k], forward); err != nil {
			return TextToImageParams{}, mode, fmt.Errorf("%w: %w", ErrInvalidShape, err)
		}
	}

	tp := TextToImageParams{
		Prompt:              p.Prompt,
		NegativePrompt:      p.NegativePrompt,
		BatchSize:           p.BatchSize,
		Height:              pixels.Dim(1),
		Width:               pixels.Dim(2),
		RepeatNoise:         p.RepeatNoise,
		Temperature:         p.Temperature,
		InitX0:              x0,
		InitStep:            n - start,
		LatentScalingFactor: p.LatentScalingFactor,
		GuidanceScale:       p.GuidanceScale,
		Noise:               noise,
	}
	if p.Inpaint {
		mask, err := p.Mask.resolve(latents.Shape())
		if err != nil {
			return TextToImageParams{}, mode, err
		}
		if tp.Inpaint, err = NewInpaintContext(latents, forward, mask); err != nil {
			return TextToImageParams{}, mode, err
		}
	}
	return tp, mode, nil
}

func loadInputImage(p ImageToImageParams) (*tensor.Tensor, error) {
	switch {
	case p.Image != nil && p.ImagePath != "":
		return nil, fmt.Errorf("%w: set either an image array or an image path, not both", ErrInvalidParams)
	case p.ImagePath != "":
		return LoadImageFile(p.ImagePath)
	case p.Image != nil:
		return PreparePixels(p.Image)
	default:
		return nil, fmt.Errorf("%w: no input image", ErrInvalidParams)
	}
}
