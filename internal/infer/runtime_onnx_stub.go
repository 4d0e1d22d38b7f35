//go:build !onnx

package infer

import "detectd/internal/modelstore"

// No-CGO stub compiled when the 'onnx' build tag is NOT set, keeping
// default builds and CI CGO-free. The executor treats the error as an
// acceleration failure and falls back to the baseline runtime.

// NewONNXRuntime fails fast: the onnxruntime adapter is not built.
func NewONNXRuntime(h *modelstore.Handle) (Runtime, error) {
	return nil, ErrAccelUnavailable("onnxruntime support not built (missing 'onnx' build tag)")
}
