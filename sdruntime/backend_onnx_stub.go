//go:build !ort

package sdruntime

import "fmt"

// NewONNXBackend reports that ONNX Runtime support was not compiled in.
// Rebuild with -tags ort to enable it.
func NewONNXBackend(cfg BackendConfig) (*Backend, error) {
	return nil, fmt.Errorf("%w: onnx (rebuild with -tags ort)", ErrBackendUnavailable)
}
