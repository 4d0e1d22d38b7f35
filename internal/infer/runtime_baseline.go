package infer

import (
	"context"
	"math"

	"detectd/pkg/types"
)

// baselineRuntime is the CPU fallback scorer used when acceleration is
// disabled by policy or unavailable. It pools the normalized tensor into
// per-class features (strided mean with a positional weight) and softmaxes
// them. Deterministic, allocation-light, and honest about what it is: a
// degraded-quality path, not a stand-in for the real model.
type baselineRuntime struct {
	classes int
}

// NewBaseline returns a baseline runtime scoring the given number of
// classes.
func NewBaseline(classes int) Runtime {
	if classes < 1 {
		classes = 1
	}
	return &baselineRuntime{classes: classes}
}

const baselineCancelStride = 4096

func (r *baselineRuntime) Infer(ctx context.Context, t types.Tensor, _ RunOptions) ([]float32, error) {
	sums := make([]float64, r.classes)
	counts := make([]float64, r.classes)
	for i, v := range t.Data {
		if i%baselineCancelStride == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		k := i % r.classes
		// Positional weight keeps the pooling sensitive to layout, not
		// just the global mean.
		w := 1.0 + float64(i%7)/8.0
		sums[k] += float64(v) * w
		counts[k] += w
	}

	scores := make([]float32, r.classes)
	var max float64 = math.Inf(-1)
	for k := range sums {
		if counts[k] > 0 {
			sums[k] /= counts[k]
		}
		if sums[k] > max {
			max = sums[k]
		}
	}
	var total float64
	for k := range sums {
		e := math.Exp(sums[k] - max)
		scores[k] = float32(e)
		total += e
	}
	if total > 0 {
		for k := range scores {
			scores[k] = float32(float64(scores[k]) / total)
		}
	}
	return scores, nil
}

func (r *baselineRuntime) Close() error { return nil }
