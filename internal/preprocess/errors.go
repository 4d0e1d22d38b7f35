package preprocess

import "fmt"

// invalidInputError signals a malformed, corrupt, or undersized frame.
type invalidInputError struct{ msg string }

func (e invalidInputError) Error() string { return "invalid input: " + e.msg }

// ErrInvalidInput constructs an invalidInputError.
func ErrInvalidInput(format string, args ...any) error {
	return invalidInputError{msg: fmt.Sprintf(format, args...)}
}

// IsInvalidInput reports whether err indicates an unusable frame.
func IsInvalidInput(err error) bool {
	_, ok := err.(invalidInputError)
	return ok
}
