package infer

import (
	"context"

	"detectd/internal/modelstore"
	"detectd/pkg/types"
)

// Runtime runs one model's forward pass. Implementations return one raw
// score per model label. Implementations must return promptly when the
// context is cancelled.
type Runtime interface {
	Infer(ctx context.Context, t types.Tensor, opts RunOptions) ([]float32, error)
	Close() error
}

// RunOptions carries the per-invocation knobs the policy selects.
type RunOptions struct {
	BatchSize int
	Throttled bool
}

// AccelOpener constructs an accelerated runtime for a loaded model. The
// default opener is the onnxruntime adapter; builds without the 'onnx' tag
// get a stub that fails fast so the executor falls back to baseline.
type AccelOpener func(h *modelstore.Handle) (Runtime, error)
