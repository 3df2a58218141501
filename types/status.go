package types

import "strings"

// Status represents the terminal outcome reported by a worker.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
	StatusSkip    Status = "skip"
)

// Normalize folds the spellings emitted by different worker versions
// ("pass", "passed", "failed", "skipped") onto the canonical statuses.
func (s Status) Normalize() Status {
	switch strings.ToLower(string(s)) {
	case "success", "pass", "passed":
		return StatusSuccess
	case "fail", "failed", "error":
		return StatusFail
	case "skip", "skipped":
		return StatusSkip
	default:
		return s
	}
}

// State is the live status of a tracked entity.
type State string

const (
	StateUnknown State = "unknown"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

// AllStates lists every state in presentation order.
var AllStates = []State{StateSuccess, StateFail, StateUnknown}

// StateOf maps a worker status onto an entity state. Skipped and
// unrecognised statuses are reported as unknown.
func StateOf(s Status) State {
	switch s.Normalize() {
	case StatusSuccess:
		return StateSuccess
	case StatusFail:
		return StateFail
	default:
		return StateUnknown
	}
}

// Totals aggregates test states for a document.
type Totals struct {
	Success int `json:"success"`
	Fail    int `json:"fail"`
	Unknown int `json:"unknown"`
	Total   int `json:"total"`
}

// Add counts one test in the given state.
func (t *Totals) Add(s State) {
	switch s {
	case StateSuccess:
		t.Success++
	case StateFail:
		t.Fail++
	default:
		t.Unknown++
	}
	t.Total++
}
