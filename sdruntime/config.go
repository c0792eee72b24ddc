package sdruntime

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SDConfig holds the sampler, backend and generation defaults.
type SDConfig struct {
	// Backend selection
	Backend            string `yaml:"backend"`
	ModelDir           string `yaml:"model_dir"`
	RuntimeLibraryPath string `yaml:"runtime_library"`
	UseGPU             bool   `yaml:"use_gpu"`

	// Noise schedule
	Schedule ScheduleConfig `yaml:"schedule"`

	// Generation defaults
	ImageSize           int     `yaml:"image_size"`
	GuidanceScale       float64 `yaml:"guidance_scale"`
	LatentScalingFactor float64 `yaml:"latent_scaling_factor"`
	Strength            float64 `yaml:"strength"`
	NegativePrompt      string  `yaml:"negative_prompt"`

	// Runtime
	Timeout  time.Duration `yaml:"timeout"`
	PoolSize int           `yaml:"pool_size"`
}

// Default configuration values
const (
	DefaultBackend        = BackendReference
	DefaultImageSize      = 512
	DefaultGuidanceScale  = 7.5
	DefaultStrength       = 0.75
	DefaultTimeoutSeconds = 120
	DefaultPoolSize       = 1
)

// LoadSDConfig loads configuration from SD_* environment variables. Unset or
// unparsable values fall back to their defaults.
func LoadSDConfig() *SDConfig {
	sched := DefaultScheduleConfig()
	return &SDConfig{
		Backend:            envString("SD_BACKEND", DefaultBackend),
		ModelDir:           os.Getenv("SD_MODEL_DIR"),
		RuntimeLibraryPath: os.Getenv("SD_ORT_LIBRARY"),
		UseGPU:             parseBool(os.Getenv("SD_USE_GPU")),
		Schedule: ScheduleConfig{
			NumSteps:         parsePositiveInt(os.Getenv("SD_NUM_STEPS"), sched.NumSteps),
			NumTrainingSteps: parsePositiveInt(os.Getenv("SD_NUM_TRAINING_STEPS"), sched.NumTrainingSteps),
			Discretization:   parseDiscretization(os.Getenv("SD_DISCRETIZATION")),
			LinearStart:      parseUnitFloat(os.Getenv("SD_LINEAR_START"), sched.LinearStart),
			LinearEnd:        parseUnitFloat(os.Getenv("SD_LINEAR_END"), sched.LinearEnd),
			Eta:              parseNonNegativeFloat(os.Getenv("SD_ETA"), sched.Eta),
		},
		ImageSize:           parseImageSize(os.Getenv("SD_IMAGE_SIZE")),
		GuidanceScale:       parseGuidanceScale(os.Getenv("SD_GUIDANCE_SCALE")),
		LatentScalingFactor: parsePositiveFloat(os.Getenv("SD_LATENT_SCALING"), DefaultLatentScalingFactor),
		Strength:            parseStrength(os.Getenv("SD_STRENGTH")),
		NegativePrompt:      os.Getenv("SD_NEGATIVE_PROMPT"),
		Timeout:             parseTimeout(os.Getenv("SD_TIMEOUT_SECONDS")),
		PoolSize:            parsePositiveInt(os.Getenv("SD_POOL_SIZE"), DefaultPoolSize),
	}
}

// LoadSDConfigFile loads the environment configuration and overlays the YAML
// file at path. Keys present in the file win.
func LoadSDConfigFile(path string) (*SDConfig, error) {
	cfg := LoadSDConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration can build a sampler.
func (c *SDConfig) Validate() error {
	if strings.TrimSpace(c.Backend) == "" {
		return fmt.Errorf("%w: backend name is empty", ErrInvalidConfig)
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	if c.ImageSize < MinImageSize || c.ImageSize > MaxImageSize || c.ImageSize%ImageAlignment != 0 {
		return fmt.Errorf("%w: image size %d must be a multiple of %d in [%d,%d]",
			ErrInvalidConfig, c.ImageSize, ImageAlignment, MinImageSize, MaxImageSize)
	}
	if c.GuidanceScale <= 0 || c.GuidanceScale > MaxCFGScale {
		return fmt.Errorf("%w: guidance scale %.2f must be in (0, %.1f]", ErrInvalidConfig, c.GuidanceScale, MaxCFGScale)
	}
	if c.LatentScalingFactor <= 0 {
		return fmt.Errorf("%w: latent scaling factor %g must be positive", ErrInvalidConfig, c.LatentScalingFactor)
	}
	if c.Strength < 0 || c.Strength > 1 {
		return fmt.Errorf("%w: strength %.2f must be in [0,1]", ErrInvalidConfig, c.Strength)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("%w: pool size %d must be positive", ErrInvalidConfig, c.PoolSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout %s must be positive", ErrInvalidConfig, c.Timeout)
	}
	return nil
}

// BackendConfig returns the factory configuration for this SDConfig.
func (c *SDConfig) BackendConfig() BackendConfig {
	return BackendConfig{
		ModelDir:           c.ModelDir,
		RuntimeLibraryPath: c.RuntimeLibraryPath,
		UseGPU:             c.UseGPU,
		Schedule:           c.Schedule,
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

// parseImageSize parses and validates image size from string.
// Returns default if invalid or empty.
func parseImageSize(s string) int {
	size, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return DefaultImageSize
	}
	if size >= MinImageSize && size <= MaxImageSize && size%ImageAlignment == 0 {
		return size
	}
	return DefaultImageSize
}

// parseGuidanceScale parses and validates CFG scale from string.
// Returns default if invalid or out of range.
func parseGuidanceScale(s string) float64 {
	scale, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || scale <= 0 || scale > MaxCFGScale {
		return DefaultGuidanceScale
	}
	return scale
}

func parseStrength(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || v > 1 {
		return DefaultStrength
	}
	return v
}

func parseDiscretization(s string) Discretization {
	d, err := ParseDiscretization(strings.TrimSpace(s))
	if err != nil {
		return DiscretizationUniform
	}
	return d
}

func parsePositiveInt(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parsePositiveFloat(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func parseUnitFloat(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 || v >= 1 {
		return def
	}
	return v
}

func parseNonNegativeFloat(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// parseTimeout parses timeout in seconds from string.
// Returns default if invalid.
func parseTimeout(s string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || seconds <= 0 {
		return time.Duration(DefaultTimeoutSeconds) * time.Second
	}
	return time.Duration(seconds) * time.Second
}
