package sdruntime

import (
	"fmt"
	"time"
)

// GenerateParams holds parameters for one Generator call.
type GenerateParams struct {
	Mode           Mode    `json:"mode"`                      // txt2img (default), img2img or inpaint
	Prompt         string  `json:"prompt"`                    // Required: text description of the image
	NegativePrompt string  `json:"negative_prompt,omitempty"` // Optional: replaces the empty prompt on the unconditional side
	Width          int     `json:"width"`                     // Output width for txt2img, rounded down to a multiple of 64
	Height         int     `json:"height"`                    // Output height for txt2img, rounded down to a multiple of 64
	Steps          int     `json:"steps"`                     // DDIM sampling steps
	CFGScale       float64 `json:"cfg_scale"`                 // Classifier-free guidance scale
	Eta            float64 `json:"eta"`                       // 0 is deterministic DDIM
	Seed           int64   `json:"seed"`                      // -1 for random
	BatchSize      int     `json:"batch_size"`
	Temperature    float64 `json:"temperature"`
	RepeatNoise    bool    `json:"repeat_noise,omitempty"`

	// Image-to-image and inpainting.
	Image    []byte   `json:"-"`                  // Encoded input image (PNG, JPEG, GIF, BMP, TIFF or WebP)
	Strength float64  `json:"strength,omitempty"` // Fraction of the schedule to re-noise, in [0,1]
	Mask     *MaskBox `json:"mask,omitempty"`     // Region to keep when inpainting; nil means DefaultMaskBox
}

// GenerateResult is the outcome of a Generator call.
type GenerateResult struct {
	RunID    string        `json:"run_id"`
	Images   [][]byte      `json:"-"` // PNG per batch element
	Seed     int64         `json:"seed"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Duration time.Duration `json:"duration"`
	// Steps holds the intermediate images when requested through GenerateSteps.
	Steps []StepImages `json:"-"`
}

// StepImages is the decoded batch after one schedule index.
type StepImages struct {
	Index  int
	Images [][]byte
}

// Parameter validation constants
const (
	MinImageSize = ImageAlignment
	MaxImageSize = 2048

	MinSteps = 1
	MaxSteps = 500

	MaxCFGScale  = 30.0
	MaxBatchSize = 8

	MaxPromptLength = 1000
)

// ValidateParams validates generation parameters and returns an error if invalid.
// This is a pure function with no side effects.
func ValidateParams(p GenerateParams) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}
	if err := ValidateNegativePrompt(p.NegativePrompt); err != nil {
		return err
	}

	mode, err := ParseMode(string(p.Mode))
	if err != nil {
		return err
	}

	switch mode {
	case ModeTextToImage:
		if err := validateSize("width", p.Width); err != nil {
			return err
		}
		if err := validateSize("height", p.Height); err != nil {
			return err
		}
		if len(p.Image) > 0 {
			return fmt.Errorf("%w: txt2img takes no input image", ErrInvalidParams)
		}
		if p.Mask != nil {
			return fmt.Errorf("%w: mask is only used when inpainting", ErrInvalidParams)
		}
	case ModeImageToImage, ModeInpaint:
		if len(p.Image) == 0 {
			return fmt.Errorf("%w: %s needs an input image", ErrInvalidParams, mode)
		}
		if p.Strength < 0 || p.Strength > 1 {
			return fmt.Errorf("%w: strength %.2f must be between 0 and 1", ErrInvalidParams, p.Strength)
		}
		if p.Mask != nil {
			if mode != ModeInpaint {
				return fmt.Errorf("%w: mask is only used when inpainting", ErrInvalidParams)
			}
			if err := p.Mask.Validate(); err != nil {
				return err
			}
		}
	}

	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("%w: steps %d must be between %d and %d",
			ErrInvalidParams, p.Steps, MinSteps, MaxSteps)
	}
	if p.CFGScale <= 0 || p.CFGScale > MaxCFGScale {
		return fmt.Errorf("%w: CFGScale %.2f must be in (0, %.1f]",
			ErrInvalidParams, p.CFGScale, MaxCFGScale)
	}
	if p.Eta < 0 {
		return fmt.Errorf("%w: eta %.2f must be non-negative", ErrInvalidParams, p.Eta)
	}
	if p.Temperature < 0 {
		return fmt.Errorf("%w: temperature %.2f must be non-negative", ErrInvalidParams, p.Temperature)
	}
	if p.BatchSize < 1 || p.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: batch size %d must be between 1 and %d",
			ErrInvalidParams, p.BatchSize, MaxBatchSize)
	}
	return nil
}

func validateSize(name string, v int) error {
	if v < MinImageSize || v > MaxImageSize {
		return fmt.Errorf("%w: %s %d must be between %d and %d",
			ErrInvalidParams, name, v, MinImageSize, MaxImageSize)
	}
	return nil
}
