package sdruntime

import (
	"fmt"
	"math"
	"strings"
)

// Discretization selects how sampling steps are spread over the training timesteps.
type Discretization string

const (
	DiscretizationUniform   Discretization = "uniform"
	DiscretizationQuadratic Discretization = "quad"
)

// ParseDiscretization accepts "uniform", "quad" and "quadratic" (case-insensitive).
func ParseDiscretization(s string) (Discretization, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uniform", "":
		return DiscretizationUniform, nil
	case "quad", "quadratic":
		return DiscretizationQuadratic, nil
	default:
		return "", fmt.Errorf("%w: unknown discretization %q", ErrInvalidConfig, s)
	}
}

// ScheduleConfig holds the inputs to BuildSchedule.
type ScheduleConfig struct {
	NumSteps         int            `yaml:"num_steps" json:"num_steps"`
	NumTrainingSteps int            `yaml:"num_training_steps" json:"num_training_steps"`
	Discretization   Discretization `yaml:"discretization" json:"discretization"`
	LinearStart      float64        `yaml:"linear_start" json:"linear_start"`
	LinearEnd        float64        `yaml:"linear_end" json:"linear_end"`
	Eta              float64        `yaml:"eta" json:"eta"`
}

// DefaultScheduleConfig returns the Stable Diffusion v1 schedule with 50 DDIM steps.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		NumSteps:         50,
		NumTrainingSteps: 1000,
		Discretization:   DiscretizationUniform,
		LinearStart:      0.00085,
		LinearEnd:        0.012,
		Eta:              0,
	}
}

// Schedule holds the per-step coefficients of a DDIM sampler. All slices are
// indexed by step index and have length NumSteps. A Schedule is never mutated
// after BuildSchedule returns.
type Schedule struct {
	Config            ScheduleConfig `json:"config"`
	TimeSteps         []int          `json:"time_steps"`
	Alpha             []float64      `json:"alpha"`
	AlphaPrev         []float64      `json:"alpha_prev"`
	Sigma             []float64      `json:"sigma"`
	AlphaSqrt         []float64      `json:"alpha_sqrt"`
	SqrtOneMinusAlpha []float64      `json:"sqrt_one_minus_alpha"`
}

// NumSteps returns the number of sampling steps.
func (s *Schedule) NumSteps() int { return len(s.TimeSteps) }

// BuildSchedule computes the DDIM coefficients for cfg.
func BuildSchedule(cfg ScheduleConfig) (*Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeSteps := discretize(cfg)
	if last := timeSteps[len(timeSteps)-1]; last >= cfg.NumTrainingSteps {
		return nil, fmt.Errorf("%w: time step %d exceeds %d training steps", ErrInvalidConfig, last, cfg.NumTrainingSteps)
	}

	alphaBar := cumulativeAlphas(cfg.NumTrainingSteps, cfg.LinearStart, cfg.LinearEnd)

	n := cfg.NumSteps
	s := &Schedule{
		Config:            cfg,
		TimeSteps:         timeSteps,
		Alpha:             make([]float64, n),
		AlphaPrev:         make([]float64, n),
		Sigma:             make([]float64, n),
		AlphaSqrt:         make([]float64, n),
		SqrtOneMinusAlpha: make([]float64, n),
	}
	for i, t := range timeSteps {
		s.Alpha[i] = alphaBar[t]
		if i == 0 {
			s.AlphaPrev[i] = alphaBar[0]
		} else {
			s.AlphaPrev[i] = alphaBar[timeSteps[i-1]]
		}
		if cfg.Eta != 0 {
			a, ap := s.Alpha[i], s.AlphaPrev[i]
			s.Sigma[i] = cfg.Eta * math.Sqrt((1-ap)/(1-a)*(1-a/ap))
		}
		s.AlphaSqrt[i] = math.Sqrt(s.Alpha[i])
		s.SqrtOneMinusAlpha[i] = math.Sqrt(1 - s.Alpha[i])
	}
	return s, nil
}

// Validate checks the configuration without building the schedule.
func (c ScheduleConfig) Validate() error {
	if c.NumSteps <= 0 {
		return fmt.Errorf("%w: num_steps %d must be positive", ErrInvalidConfig, c.NumSteps)
	}
	if c.NumTrainingSteps < c.NumSteps {
		return fmt.Errorf("%w: num_training_steps %d is less than num_steps %d", ErrInvalidConfig, c.NumTrainingSteps, c.NumSteps)
	}
	if c.NumTrainingSteps < 2 {
		return fmt.Errorf("%w: num_training_steps %d must be at least 2", ErrInvalidConfig, c.NumTrainingSteps)
	}
	if !(c.LinearStart > 0 && c.LinearStart < 1) {
		return fmt.Errorf("%w: linear_start %g must be in (0,1)", ErrInvalidConfig, c.LinearStart)
	}
	if !(c.LinearEnd > 0 && c.LinearEnd < 1) {
		return fmt.Errorf("%w: linear_end %g must be in (0,1)", ErrInvalidConfig, c.LinearEnd)
	}
	if c.Eta < 0 || math.IsNaN(c.Eta) {
		return fmt.Errorf("%w: eta %g must be non-negative", ErrInvalidConfig, c.Eta)
	}
	if _, err := ParseDiscretization(string(c.Discretization)); err != nil {
		return err
	}
	return nil
}

func discretize(cfg ScheduleConfig) []int {
	n := cfg.NumSteps
	out := make([]int, n)
	mode, _ := ParseDiscretization(string(cfg.Discretization))
	if mode == DiscretizationQuadratic {
		if n == 1 {
			out[0] = 1
			return out
		}
		top := math.Sqrt(float64(cfg.NumTrainingSteps) * 0.8)
		for i := range out {
			v := top * float64(i) / float64(n-1)
			out[i] = int(math.Floor(v*v)) + 1
			// Early quadratic steps can collide for large n; keep the sequence strictly increasing.
			if i > 0 && out[i] <= out[i-1] {
				out[i] = out[i-1] + 1
			}
		}
		return out
	}
	interval := cfg.NumTrainingSteps / n
	for i := range out {
		out[i] = i*interval + 1
	}
	return out
}

// cumulativeAlphas returns alpha_bar for every training step, with betas
// interpolated linearly in sqrt space.
func cumulativeAlphas(numTrainingSteps int, linearStart, linearEnd float64) []float64 {
	lo, hi := math.Sqrt(linearStart), math.Sqrt(linearEnd)
	alphaBar := make([]float64, numTrainingSteps)
	prod := 1.0
	for t := range alphaBar {
		b := lo + float64(t)/float64(numTrainingSteps-1)*(hi-lo)
		prod *= 1 - b*b
		alphaBar[t] = prod
	}
	return alphaBar
}
