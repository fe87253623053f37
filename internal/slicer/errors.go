package slicer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned when a slice job is already in flight
	ErrBusy = errors.New("a slice job is already running")
	// ErrCancelled is returned when the job was cancelled and the slicer killed
	ErrCancelled = errors.New("slice job cancelled")
)

// ValidationError is returned before any process is launched
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ProcessLaunchError is returned when the slicer executable cannot be spawned
type ProcessLaunchError struct {
	Executable string
	Err        error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("failed to launch slicer %s: %v", e.Executable, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error {
	return e.Err
}

// SliceFailure is returned when the slicer exits with a non-zero code
type SliceFailure struct {
	ExitCode int
	Stderr   string
}

func (e *SliceFailure) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("slicer exited with code %d", e.ExitCode)
	}

	return fmt.Sprintf("slicer exited with code %d: %s", e.ExitCode, e.Stderr)
}

// SliceTimeout is returned when the slicer went silent for too long and was killed
type SliceTimeout struct {
	After time.Duration
}

func (e *SliceTimeout) Error() string {
	return fmt.Sprintf("slicer produced no output for %s and was killed", e.After)
}
