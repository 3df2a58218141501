package runner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testd/timeout"
	"github.com/ethereum-optimism/infra/op-testd/types"
)

var (
	// ErrTimeout is returned when the worker stays silent for the whole
	// keep-alive window.
	ErrTimeout = errors.New("run timed out waiting for the worker")

	// ErrCancelled is returned for runs stopped by Cancel.
	ErrCancelled = errors.New("run cancelled")

	// ErrNotCancellable is returned by Cancel for runs scoped to one test.
	ErrNotCancellable = errors.New("run is not cancellable")

	// ErrUnknownRun is returned by Cancel for IDs that are not in flight.
	ErrUnknownRun = errors.New("unknown run")

	// ErrUnknownDocument is returned by Close for documents without results.
	ErrUnknownDocument = errors.New("no results for document")

	// ErrDocumentBusy is returned by Close while a run of the document is in
	// flight.
	ErrDocumentBusy = errors.New("document has runs in flight")
)

// FatalRunError is a document-level failure reported by the worker in
// runComplete. It invalidates every result of the document.
type FatalRunError struct {
	Err *types.RemoteError
}

func (e *FatalRunError) Error() string {
	return fmt.Sprintf("fatal run error: %s", e.Err.Error())
}

func (e *FatalRunError) Unwrap() error {
	return e.Err
}

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunPending         RunState = "pending"
	RunAcquiringWorker RunState = "acquiring_worker"
	RunRunning         RunState = "running"
	RunCompleted       RunState = "completed"
	RunTimedOut        RunState = "timed_out"
	RunCancelled       RunState = "cancelled"
	RunErrored         RunState = "errored"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunTimedOut, RunCancelled, RunErrored:
		return true
	}
	return false
}

// stateFor maps a run's outcome onto its final state.
func stateFor(err error) RunState {
	switch {
	case err == nil:
		return RunCompleted
	case errors.Is(err, ErrTimeout):
		return RunTimedOut
	case errors.Is(err, ErrCancelled):
		return RunCancelled
	default:
		return RunErrored
	}
}

// RunInfo is a point-in-time view of a run.
type RunInfo struct {
	ID          string       `json:"id"`
	Document    string       `json:"document"`
	Title       string       `json:"title"`
	Requested   int          `json:"requestedLine"`
	Line        int          `json:"line"`
	Scope       Scope        `json:"scope"`
	Cancellable bool         `json:"cancellable"`
	State       RunState     `json:"state"`
	Worker      string       `json:"worker,omitempty"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished,omitempty"`
	Totals      types.Totals `json:"totals"`
	Error       string       `json:"error,omitempty"`
}

// Duration returns how long the run took, or has taken so far.
func (r RunInfo) Duration() time.Duration {
	if r.Finished.IsZero() {
		return time.Since(r.Started)
	}
	return r.Finished.Sub(r.Started)
}

// run is the mutable record of one in-flight run.
type run struct {
	canceller *timeout.Canceller

	mu       sync.Mutex
	info     RunInfo
	resolved bool
	// cancelHeld is a Cancel that arrived before the scope was resolved.
	cancelHeld bool
}

func (r *run) snapshot() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

func (r *run) update(fn func(*RunInfo)) RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.info)
	return r.info
}

// resolve applies the resolved scope and fires a held cancel if the run is
// cancellable.
func (r *run) resolve(fn func(*RunInfo)) RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.info)
	r.resolved = true
	if r.cancelHeld && r.info.Cancellable {
		r.canceller.Cancel()
	}
	return r.info
}

func (r *run) cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.resolved {
		r.cancelHeld = true
		return nil
	}
	if !r.info.Cancellable {
		return ErrNotCancellable
	}
	r.canceller.Cancel()
	return nil
}
