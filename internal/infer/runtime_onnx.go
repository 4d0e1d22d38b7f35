//go:build onnx

package infer

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"detectd/internal/modelstore"
	"detectd/pkg/types"

	"context"
)

// Real onnxruntime adapter, compiled only with the 'onnx' build tag so
// default builds stay CGO-free. Sessions are created once per handle and
// serialized by the executor's single in-flight slot, so no internal lock
// is needed around Run.

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initORT() error {
	ortInitOnce.Do(func() {
		if p := os.Getenv("DETECTD_ONNXRUNTIME_LIB"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			ort.SetSharedLibraryPath(defaultSharedLibPath())
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

func defaultSharedLibPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/local/lib/libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "/usr/lib/libonnxruntime.so"
	}
}

type onnxRuntime struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	inLen   int
}

// NewONNXRuntime opens an onnxruntime session for the handle's artifact
// with a fixed 1xCxHxW input and one output score per label.
func NewONNXRuntime(h *modelstore.Handle) (Runtime, error) {
	if err := initORT(); err != nil {
		return nil, ErrAccelUnavailable("onnxruntime init: %v", err)
	}
	c, height, width := h.InputShape()
	inputShape := ort.NewShape(1, int64(c), int64(height), int64(width))
	input, err := ort.NewTensor(inputShape, make([]float32, c*height*width))
	if err != nil {
		return nil, ErrAccelUnavailable("input tensor: %v", err)
	}
	outputShape := ort.NewShape(1, int64(len(h.Labels)))
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, ErrAccelUnavailable("output tensor: %v", err)
	}
	session, err := ort.NewAdvancedSession(h.Path,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, ErrAccelUnavailable("session for %s: %v", h.ModelID, err)
	}
	return &onnxRuntime{session: session, input: input, output: output, inLen: c * height * width}, nil
}

func (r *onnxRuntime) Infer(ctx context.Context, t types.Tensor, _ RunOptions) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Len() != r.inLen {
		return nil, fmt.Errorf("tensor length %d does not match session input %d", t.Len(), r.inLen)
	}
	copy(r.input.GetData(), t.Data)
	if err := r.session.Run(); err != nil {
		return nil, ErrAccelUnavailable("run: %v", err)
	}
	out := r.output.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

func (r *onnxRuntime) Close() error {
	r.input.Destroy()
	r.output.Destroy()
	return r.session.Destroy()
}
