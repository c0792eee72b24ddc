// Package sdruntime provides Stable Diffusion image generation capabilities.
package sdruntime

import "errors"

// Sentinel errors for SD runtime operations.
// These are domain-specific errors that provide clear failure modes.
var (
	// Sampler construction and input errors
	ErrInvalidConfig   = errors.New("sdruntime: invalid sampler configuration")
	ErrInvalidShape    = errors.New("sdruntime: invalid tensor or image shape")
	ErrUnsupportedMode = errors.New("sdruntime: unsupported input mode")

	// Collaborator errors wrap the underlying model failure
	ErrCollaboratorFailure = errors.New("sdruntime: collaborator failed")

	// Backend errors
	ErrUnknownBackend     = errors.New("sdruntime: unknown backend")
	ErrBackendUnavailable = errors.New("sdruntime: backend not available in this build")
	ErrModelNotFound      = errors.New("sdruntime: model file not found")

	// Input validation errors
	ErrInvalidPrompt = errors.New("sdruntime: invalid prompt")
	ErrInvalidParams = errors.New("sdruntime: invalid generation parameters")
	ErrInvalidImage  = errors.New("sdruntime: invalid image data")

	// Sampler pool errors
	ErrPoolClosed     = errors.New("sdruntime: sampler pool is closed")
	ErrAcquireTimeout = errors.New("sdruntime: timeout acquiring sampler from pool")

	// ErrDeadlineExceeded means the request context ended after sampling began.
	ErrDeadlineExceeded = errors.New("sdruntime: request ended before sampling finished")
)
