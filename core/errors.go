package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
	Err     error  // Underlying cause, if any
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Error codes for configuration errors
const (
	ErrCodeEnvFileMissing       = "ENV_FILE_MISSING"
	ErrCodeInvalidListenAddr    = "INVALID_LISTEN_ADDR"
	ErrCodeInvalidSamplerConfig = "INVALID_SAMPLER_CONFIG"
	ErrCodeMissingConfig        = "MISSING_CONFIG"
	ErrCodeOutputDir            = "OUTPUT_DIR_UNUSABLE"
)

// ErrEnvFileMissing returns an error for missing .env file
func ErrEnvFileMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeEnvFileMissing,
		Message: fmt.Sprintf("Configuration file not found: %s", path),
		Action:  "Copy example.env to .env or export the SD_* variables directly",
	}
}

// ErrInvalidListenAddr returns an error for an unusable SD_LISTEN_ADDR.
func ErrInvalidListenAddr(addr string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidListenAddr,
		Message: fmt.Sprintf("Invalid SD_LISTEN_ADDR '%s': %v", addr, cause),
		Action:  "Set SD_LISTEN_ADDR to host:port (e.g., :8080 or 127.0.0.1:8080)",
		Err:     cause,
	}
}

// ErrInvalidSamplerConfig wraps a sampler configuration failure.
func ErrInvalidSamplerConfig(source string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidSamplerConfig,
		Message: fmt.Sprintf("Invalid sampler configuration from %s: %v", source, cause),
		Action:  "Check the SD_* variables and the file named by SD_CONFIG_FILE",
		Err:     cause,
	}
}

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrOutputDir returns an error when the output directory cannot be created.
func ErrOutputDir(dir string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeOutputDir,
		Message: fmt.Sprintf("Cannot use output directory %s: %v", dir, cause),
		Action:  "Set SD_OUTPUT_DIR to a writable directory",
		Err:     cause,
	}
}

// IsConfigError reports whether err wraps a ConfigError and returns it.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
