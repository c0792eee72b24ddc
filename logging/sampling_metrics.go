package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SamplingMetrics summarises one sampling call.
//
// Example:
//
//	logger.Info("sampling complete", logging.SamplingFields(logging.SamplingMetrics{
//		Mode: "txt2img", Backend: "reference", Steps: 50, Batch: 1,
//		Height: 512, Width: 512, Duration: elapsed,
//	}))
type SamplingMetrics struct {
	Mode          string        `json:"mode"`
	Backend       string        `json:"backend"`
	Steps         int           `json:"steps"`
	Batch         int           `json:"batch"`
	Height        int           `json:"height"`
	Width         int           `json:"width"`
	GuidanceScale float64       `json:"guidance_scale"`
	Duration      time.Duration `json:"duration"`
}

// StepsPerSecond is the sampling throughput, zero when nothing was timed.
func (m SamplingMetrics) StepsPerSecond() float64 {
	if m.Duration <= 0 || m.Steps == 0 {
		return 0
	}
	return float64(m.Steps) / m.Duration.Seconds()
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (m SamplingMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("mode", m.Mode)
	enc.AddString("backend", m.Backend)
	enc.AddInt("steps", m.Steps)
	enc.AddInt("batch", m.Batch)
	enc.AddInt("height", m.Height)
	enc.AddInt("width", m.Width)
	enc.AddFloat64("guidance_scale", m.GuidanceScale)
	enc.AddInt64("duration_ms", m.Duration.Milliseconds())
	enc.AddFloat64("steps_per_second", m.StepsPerSecond())
	return nil
}

// SamplingFields wraps metrics as a single nested field.
func SamplingFields(m SamplingMetrics) zap.Field {
	return zap.Object("sampling", m)
}

// StepFields describes one DDIM iteration and the latent it produced.
func StepFields(index, timestep int, latentMean, latentStd float64) []zap.Field {
	return []zap.Field{
		zap.Int("step", index),
		zap.Int("timestep", timestep),
		zap.Float64("latent_mean", latentMean),
		zap.Float64("latent_std", latentStd),
	}
}

// TimingFields records the wall-clock span of an operation.
func TimingFields(start, end time.Time) []zap.Field {
	return []zap.Field{
		zap.Time("start_time", start),
		zap.Duration("duration", end.Sub(start)),
	}
}
