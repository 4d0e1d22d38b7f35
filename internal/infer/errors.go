package infer

import "fmt"

// executionTimeoutError signals that an inference exceeded its deadline.
type executionTimeoutError struct{ modelID string }

func (e executionTimeoutError) Error() string { return "execution timeout: " + e.modelID }

// IsExecutionTimeout reports whether err indicates a missed deadline.
func IsExecutionTimeout(err error) bool {
	_, ok := err.(executionTimeoutError)
	return ok
}

// thermalThrottledError signals that execution was refused or cancelled
// because the device is in the Critical thermal level.
type thermalThrottledError struct{}

func (e thermalThrottledError) Error() string { return "thermal throttled: critical thermal level" }

// ErrThermalThrottled constructs a thermalThrottledError.
func ErrThermalThrottled() error { return thermalThrottledError{} }

// IsThermalThrottled reports whether err indicates a critical-state refusal.
func IsThermalThrottled(err error) bool {
	_, ok := err.(thermalThrottledError)
	return ok
}

// tooBusyError signals admission-queue timeout for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	_, ok := err.(tooBusyError)
	return ok
}

// droppedError signals that a call was shed because the queue was full and
// the pipeline is configured to drop rather than wait.
type droppedError struct{ modelID string }

func (e droppedError) Error() string { return "dropped: queue full for " + e.modelID }

// IsDropped reports whether err indicates a shed call.
func IsDropped(err error) bool {
	_, ok := err.(droppedError)
	return ok
}

// accelUnavailableError signals that the accelerated runtime could not be
// initialized or run, e.g. when built without the 'onnx' tag.
type accelUnavailableError struct{ msg string }

func (e accelUnavailableError) Error() string { return e.msg }

// ErrAccelUnavailable constructs an accelUnavailableError.
func ErrAccelUnavailable(format string, args ...any) error {
	return accelUnavailableError{msg: fmt.Sprintf(format, args...)}
}

// IsAccelUnavailable reports whether err indicates a missing/failed
// accelerated runtime.
func IsAccelUnavailable(err error) bool {
	_, ok := err.(accelUnavailableError)
	return ok
}
