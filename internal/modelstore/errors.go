package modelstore

import "fmt"

// modelLoadError signals a missing or invalid artifact, mapped to
// model_load_failed at the API boundary.
type modelLoadError struct {
	id    string
	cause error
}

func (e modelLoadError) Error() string {
	if e.cause == nil {
		return "model load failed: " + e.id
	}
	return fmt.Sprintf("model load failed: %s: %v", e.id, e.cause)
}

func (e modelLoadError) Unwrap() error { return e.cause }

// ErrModelLoadFailed constructs a modelLoadError.
func ErrModelLoadFailed(id string, cause error) error { return modelLoadError{id: id, cause: cause} }

// IsModelLoadFailed reports whether err indicates a missing/invalid artifact.
func IsModelLoadFailed(err error) bool {
	_, ok := err.(modelLoadError)
	return ok
}

// insufficientMemoryError signals that the cache budget cannot admit a
// handle even after evicting every idle entry.
type insufficientMemoryError struct {
	id         string
	requiredMB int
	budgetMB   int
}

func (e insufficientMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory: model %s needs %dMB against budget %dMB", e.id, e.requiredMB, e.budgetMB)
}

// IsInsufficientMemory reports whether err indicates the budget cannot fit
// the requested handle.
func IsInsufficientMemory(err error) bool {
	_, ok := err.(insufficientMemoryError)
	return ok
}
