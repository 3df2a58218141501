package testd

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-testd/exitcodes"
)

// RuntimeError is an operational failure: bad configuration, workers that
// cannot start, runs that time out or lose their worker.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// ExitCode implements cli.ExitCoder.
func (e *RuntimeError) ExitCode() int {
	return exitcodes.RuntimeErr
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError reports runs that settled with failed tests, or whose
// document the worker could not load.
type TestFailureError struct {
	Failed int
	Runs   int
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %d of %d runs failed", e.Failed, e.Runs)
}

// ExitCode implements cli.ExitCoder.
func (e *TestFailureError) ExitCode() int {
	return exitcodes.TestFailure
}

func NewTestFailureError(failed, runs int) *TestFailureError {
	return &TestFailureError{Failed: failed, Runs: runs}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
