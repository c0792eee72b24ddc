package sdruntime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"diffusion_backend/logging"
	"diffusion_backend/tensor"
)

// Run statuses stored by a RunRecorder.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// RunRecord describes one finished Generate call.
type RunRecord struct {
	ID             string
	Mode           Mode
	Backend        string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	BatchSize      int
	GuidanceScale  float64
	Strength       float64
	Eta            float64
	Seed           int64
	Duration       time.Duration
	Status         string
	Error          string
	CreatedAt      time.Time
}

// RunRecorder persists run history.
type RunRecorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}

// Generator serves GenerateParams requests from a pool of samplers. Each
// request builds its schedule from the configured defaults with the request's
// step count and eta.
type Generator struct {
	pool     *SamplerPool
	cfg      *SDConfig
	recorder RunRecorder
	logger   *logging.Logger
}

// NewGenerator validates cfg and creates a pool whose slots load the backend
// named by cfg.Backend from registry. Backends are loaded on first use.
func NewGenerator(cfg *SDConfig, registry *Registry, logger *logging.Logger) (*Generator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	backendCfg := cfg.BackendConfig()
	backendCfg.Logger = logger
	load := func() (*Backend, error) {
		return registry.Resolve(cfg.Backend, backendCfg)
	}
	pool, err := NewSamplerPool(cfg.PoolSize, load, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sampler pool: %w", err)
	}

	return &Generator{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// SetRecorder stores run history through r. Pass nil to disable recording.
func (g *Generator) SetRecorder(r RunRecorder) {
	g.recorder = r
}

// DefaultParams returns txt2img parameters filled from the configuration.
func (g *Generator) DefaultParams() GenerateParams {
	return GenerateParams{
		Mode:           ModeTextToImage,
		NegativePrompt: g.cfg.NegativePrompt,
		Width:          g.cfg.ImageSize,
		Height:         g.cfg.ImageSize,
		Steps:          g.cfg.Schedule.NumSteps,
		CFGScale:       g.cfg.GuidanceScale,
		Eta:            g.cfg.Schedule.Eta,
		Seed:           -1,
		BatchSize:      1,
		Temperature:    1,
		Strength:       g.cfg.Strength,
	}
}

// Config returns the generator configuration.
func (g *Generator) Config() *SDConfig { return g.cfg }

// Schedule builds the schedule a request with the given steps and eta would use.
func (g *Generator) Schedule(steps int, eta float64) (*Schedule, error) {
	return BuildSchedule(g.scheduleConfig(steps, eta))
}

func (g *Generator) scheduleConfig(steps int, eta float64) ScheduleConfig {
	sc := g.cfg.Schedule
	if steps > 0 {
		sc.NumSteps = steps
	}
	sc.Eta = eta
	return sc
}

// Generate validates params, samples on a pooled backend and returns PNG images.
//
// The ctx deadline, or the configured timeout when ctx has none, bounds the
// wait for a pool slot. Sampling itself runs to completion once started; a
// context that expires meanwhile turns the result into ErrDeadlineExceeded.
//
// Error cases:
//   - ErrInvalidParams, ErrInvalidPrompt: parameters fail validation
//   - ErrInvalidImage: the input image cannot be decoded
//   - ErrAcquireTimeout: no slot became free in time
//   - ErrDeadlineExceeded: ctx ended while the sampler was running
//   - ErrPoolClosed: the generator has been closed
//   - ErrCollaboratorFailure: a backend model failed
func (g *Generator) Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	return g.generate(ctx, params, false)
}

// GenerateSteps is Generate that also returns the decoded batch after every
// schedule index, noisiest first.
func (g *Generator) GenerateSteps(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	return g.generate(ctx, params, true)
}

func (g *Generator) generate(ctx context.Context, params GenerateParams, steps bool) (*GenerateResult, error) {
	started := time.Now()
	if params.Mode == "" {
		params.Mode = ModeTextToImage
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	if params.Seed < 0 {
		params.Seed = RandomSeed()
	}

	runID := uuid.New().String()
	runLogger := g.logger.With(
		zap.String("run_id", runID),
		zap.String("mode", string(params.Mode)),
		zap.Int64("seed", params.Seed),
	)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	result, err := g.run(ctx, params, steps)
	duration := time.Since(started)
	if err != nil {
		runLogger.Warn("generation failed", zap.Error(err), zap.Duration("duration", duration))
		g.record(ctx, runLogger, runID, params, result, duration, err)
		return nil, err
	}

	result.RunID = runID
	result.Seed = params.Seed
	result.Duration = duration
	runLogger.Info("generation finished",
		zap.Int("images", len(result.Images)),
		zap.Int("width", result.Width),
		zap.Int("height", result.Height),
		zap.Duration("duration", duration),
	)
	g.record(ctx, runLogger, runID, params, result, duration, nil)
	return result, nil
}

func (g *Generator) run(ctx context.Context, params GenerateParams, steps bool) (*GenerateResult, error) {
	slot, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer g.pool.Release(slot)

	sampler, err := slot.Sampler(g.scheduleConfig(params.Steps, params.Eta))
	if err != nil {
		return nil, err
	}
	noise := NewGaussianSource(params.Seed)

	var (
		sampleFinal func() (*tensor.Tensor, error)
		sampleSteps func() (*ImageSequence, error)
	)
	switch params.Mode {
	case ModeTextToImage:
		tp := TextToImageParams{
			Prompt:              SanitizePrompt(params.Prompt),
			NegativePrompt:      SanitizePrompt(params.NegativePrompt),
			BatchSize:           params.BatchSize,
			Height:              params.Height,
			Width:               params.Width,
			RepeatNoise:         params.RepeatNoise,
			Temperature:         params.Temperature,
			LatentScalingFactor: g.cfg.LatentScalingFactor,
			GuidanceScale:       params.CFGScale,
			Noise:               noise,
		}
		sampleFinal = func() (*tensor.Tensor, error) { return sampler.TextToImage(tp) }
		sampleSteps = func() (*ImageSequence, error) { return sampler.TextToImageSteps(tp) }
	default:
		img, err := DecodeImage(params.Image)
		if err != nil {
			return nil, err
		}
		pixels, err := ImageToPixels(img)
		if err != nil {
			return nil, err
		}
		ip := ImageToImageParams{
			Image:               pixels,
			Prompt:              SanitizePrompt(params.Prompt),
			NegativePrompt:      SanitizePrompt(params.NegativePrompt),
			BatchSize:           params.BatchSize,
			Strength:            params.Strength,
			RepeatNoise:         params.RepeatNoise,
			Temperature:         params.Temperature,
			LatentScalingFactor: g.cfg.LatentScalingFactor,
			GuidanceScale:       params.CFGScale,
			Inpaint:             params.Mode == ModeInpaint,
			Mask:                InpaintMask{Box: params.Mask},
			Noise:               noise,
		}
		sampleFinal = func() (*tensor.Tensor, error) { return sampler.ImageToImage(ip) }
		sampleSteps = func() (*ImageSequence, error) { return sampler.ImageToImageSteps(ip) }
	}

	result := &GenerateResult{}
	var final *tensor.Tensor
	if steps {
		seq, err := sampleSteps()
		if err != nil {
			return nil, err
		}
		for seq.Next() {
			images, err := encodeOutput(seq.Image())
			if err != nil {
				return nil, err
			}
			result.Steps = append(result.Steps, StepImages{Index: seq.Step(), Images: images})
			final = seq.Image()
		}
		if err := seq.Err(); err != nil {
			return nil, err
		}
	}
	// Strength 0 runs no steps, so the sequence is empty.
	if final == nil {
		if final, err = sampleFinal(); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeadlineExceeded, context.Cause(ctx))
	}

	if result.Images, err = encodeOutput(final); err != nil {
		return nil, err
	}
	result.Height, result.Width = final.Dim(1), final.Dim(2)
	return result, nil
}

// encodeOutput encodes a decoded batch and checks every PNG before it leaves
// the generator.
func encodeOutput(t *tensor.Tensor) ([][]byte, error) {
	images, err := TensorToPNGs(t)
	if err != nil {
		return nil, err
	}
	if err := validateOutput(images); err != nil {
		return nil, err
	}
	return images, nil
}

func validateOutput(images [][]byte) error {
	for i, data := range images {
		if err := ValidateImageData(data); err != nil {
			return fmt.Errorf("generated image %d validation failed: %w", i, err)
		}
	}
	return nil
}

func (g *Generator) record(ctx context.Context, logger *logging.Logger, id string, params GenerateParams, result *GenerateResult, duration time.Duration, runErr error) {
	if g.recorder == nil {
		return
	}
	rec := RunRecord{
		ID:             id,
		Mode:           params.Mode,
		Backend:        g.cfg.Backend,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Width:          params.Width,
		Height:         params.Height,
		Steps:          params.Steps,
		BatchSize:      params.BatchSize,
		GuidanceScale:  params.CFGScale,
		Strength:       params.Strength,
		Eta:            params.Eta,
		Seed:           params.Seed,
		Duration:       duration,
		Status:         RunStatusSucceeded,
		CreatedAt:      time.Now().UTC(),
	}
	if result != nil {
		rec.Width, rec.Height = result.Width, result.Height
	}
	if runErr != nil {
		rec.Status = RunStatusFailed
		rec.Error = runErr.Error()
	}
	// The request context may already be expired; history is still written.
	if err := g.recorder.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("failed to record run", zap.Error(err))
	}
}

// Close shuts down the generator and releases all pooled backends.
// After Close is called, Generate returns ErrPoolClosed.
func (g *Generator) Close() error {
	return g.pool.Close()
}

// PoolSize returns the maximum number of backends in the pool.
func (g *Generator) PoolSize() int {
	return g.pool.MaxSize()
}

// PoolAvailable returns the number of idle backends.
func (g *Generator) PoolAvailable() int {
	return g.pool.Size()
}
