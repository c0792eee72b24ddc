package sdruntime

import (
	"fmt"
	"strings"
)

// ValidatePrompt validates a prompt string for image generation.
// This is a pure function with no side effects.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}
	return checkPromptText("prompt", prompt)
}

// ValidateNegativePrompt accepts an empty string, otherwise applies the
// same character and length rules as ValidatePrompt.
func ValidateNegativePrompt(prompt string) error {
	if prompt == "" {
		return nil
	}
	return checkPromptText("negative prompt", prompt)
}

func checkPromptText(name, prompt string) error {
	if strings.ContainsRune(prompt, '\x00') {
		return fmt.Errorf("%w: %s contains null bytes", ErrInvalidPrompt, name)
	}
	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("%w: %s length %d exceeds maximum %d",
			ErrInvalidPrompt, name, len(prompt), MaxPromptLength)
	}
	return nil
}

// SanitizePrompt trims the prompt and collapses runs of whitespace, the same
// normalisation the tokenizers apply.
func SanitizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}
