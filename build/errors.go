package build

import (
	"errors"
	"fmt"
)

// Sentinel errors for build failures.
var (
	// ErrInvalidSource is returned when the source directory does not
	// contain a recognized build descriptor. Fatal; never retried.
	ErrInvalidSource = errors.New("build: source directory has no build descriptor")

	// ErrBuildFailed is returned when the build command exits with an
	// error. Triggers the fallback strategy and, at the caller's
	// level, a single dependency-resolution retry.
	ErrBuildFailed = errors.New("build: build command failed")

	// ErrNoBuildOutput is returned when the build succeeds but does
	// not produce exactly one artifact file.
	ErrNoBuildOutput = errors.New("build: build produced no usable output")
)

// Error wraps a build failure together with the combined output of the
// build tool, so callers can show the user what actually went wrong.
type Error struct {
	Err    error
	Output string
}

func (e *Error) Error() string {
	if e.Output == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s\nbuild output:\n%s", e.Err, e.Output)
}

func (e *Error) Unwrap() error { return e.Err }
