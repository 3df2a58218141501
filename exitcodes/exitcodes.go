// Package exitcodes defines the exit codes op-testd terminates with.
package exitcodes

// A run-once invocation exits with:
//
// * Success (0): every run completed and no test failed
// * TestFailure (1): at least one test failed or a document reported a fatal error
// * RuntimeErr (2): configuration errors, worker startup failures, timeouts or other failures
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors or timeouts
)
