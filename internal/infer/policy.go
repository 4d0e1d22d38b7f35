package infer

import "detectd/pkg/types"

// AccelState is the acceleration directive of an execution policy.
type AccelState int

const (
	AccelEnabled AccelState = iota
	AccelThrottledState
	AccelDisabled
)

// Policy is the per-invocation execution policy selected from the current
// thermal level. It is a pure lookup; no policy decision happens anywhere
// else in the executor.
type Policy struct {
	Level          types.ThermalLevel
	BatchSize      int
	Acceleration   AccelState
	ThresholdScale float64
	RejectNew      bool
}

// PolicyFor returns the execution policy for a thermal level given the
// configured maximum batch size.
func PolicyFor(level types.ThermalLevel, maxBatch int) Policy {
	if maxBatch < 1 {
		maxBatch = 1
	}
	switch level {
	case types.ThermalFair:
		return Policy{Level: level, BatchSize: atLeastOne(maxBatch / 2), Acceleration: AccelEnabled, ThresholdScale: 1.0}
	case types.ThermalSerious:
		return Policy{Level: level, BatchSize: atLeastOne(maxBatch / 4), Acceleration: AccelThrottledState, ThresholdScale: 1.2}
	case types.ThermalCritical:
		return Policy{Level: level, BatchSize: atLeastOne(maxBatch / 8), Acceleration: AccelDisabled, ThresholdScale: 1.5, RejectNew: true}
	default:
		return Policy{Level: types.ThermalNominal, BatchSize: maxBatch, Acceleration: AccelEnabled, ThresholdScale: 1.0}
	}
}

// Quality maps the policy's acceleration directive to the quality mode
// recorded on results produced under it.
func (p Policy) Quality() types.QualityMode {
	switch p.Acceleration {
	case AccelThrottledState:
		return types.QualityThrottled
	case AccelDisabled:
		return types.QualityBaseline
	default:
		return types.QualityAccelerated
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
