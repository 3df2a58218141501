package types

import "fmt"

// Phase marks whether an event opens or closes an entity.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// EventType identifies the entity an event describes.
type EventType string

const (
	EventSuite       EventType = "suite"
	EventTest        EventType = "test"
	EventAssertion   EventType = "assertion"
	EventRunComplete EventType = "runComplete"
)

// Lines is an inclusive, 1-based source line range.
type Lines struct {
	Start int `json:"start"`
	End   int `json:"end,omitempty"`
}

// Contains reports whether line falls inside the range.
// A zero End is treated as a single-line range.
func (l Lines) Contains(line int) bool {
	end := l.End
	if end == 0 {
		end = l.Start
	}
	return line >= l.Start && line <= end
}

// Suite carries a suite's identity and, for after-phase events, its results.
type Suite struct {
	ClassName string `json:"className"`
	Lines     Lines  `json:"lines"`

	// Result fields, only present on after-phase events.
	Status  Status `json:"status,omitempty"`
	Skip    int    `json:"skip,omitempty"`
	Fail    int    `json:"fail,omitempty"`
	Success int    `json:"success,omitempty"`
}

// Result derives the suite's terminal status. An explicit status wins,
// otherwise the counters decide: any skip means unknown, then any fail.
func (s *Suite) Result() Status {
	if s.Status != "" {
		return s.Status
	}
	switch {
	case s.Skip > 0:
		return StatusSkip
	case s.Fail > 0:
		return StatusFail
	default:
		return StatusSuccess
	}
}

// Test carries a test's identity and, for after-phase events, its result.
type Test struct {
	ClassName  string `json:"className"`
	MethodName string `json:"methodName"`
	Lines      Lines  `json:"lines"`

	Status     Status       `json:"status,omitempty"`
	Error      *RemoteError `json:"error,omitempty"`
	Assertions []Assertion  `json:"assertions,omitempty"`
}

// Key returns the store key for the test, "class:method".
func (t *Test) Key() string {
	return TestKey(t.ClassName, t.MethodName)
}

// TestKey builds the composite key used to index tests.
func TestKey(className, methodName string) string {
	return fmt.Sprintf("%s:%s", className, methodName)
}

// Assertion is a single check executed within a test.
type Assertion struct {
	ClassName  string       `json:"className"`
	MethodName string       `json:"methodName"`
	Status     Status       `json:"status,omitempty"`
	Line       int          `json:"line"`
	LineEnd    int          `json:"lineEnd,omitempty"`
	Error      *RemoteError `json:"error,omitempty"`
	Message    string       `json:"message,omitempty"`
	Operator   string       `json:"operator,omitempty"`
	Expected   string       `json:"expected,omitempty"`
	Actual     string       `json:"actual,omitempty"`
}

// Failed reports whether the assertion carries an error.
func (a *Assertion) Failed() bool {
	return a.Error != nil
}

// Event is a single lifecycle message emitted by a worker during a run.
// Exactly one of Suite, Test or Assertion is set for entity events;
// runComplete events carry only an optional Error.
type Event struct {
	Type      EventType    `json:"type"`
	Phase     Phase        `json:"phase,omitempty"`
	Suite     *Suite       `json:"suite,omitempty"`
	Test      *Test        `json:"test,omitempty"`
	Assertion *Assertion   `json:"assertion,omitempty"`
	Error     *RemoteError `json:"error,omitempty"`
}

// Validate checks the event carries the payload its type requires.
func (e *Event) Validate() error {
	switch e.Type {
	case EventSuite:
		if e.Suite == nil {
			return fmt.Errorf("%s/%s event without suite payload", e.Phase, e.Type)
		}
	case EventTest:
		if e.Test == nil {
			return fmt.Errorf("%s/%s event without test payload", e.Phase, e.Type)
		}
	case EventAssertion:
		if e.Assertion == nil {
			return fmt.Errorf("assertion event without assertion payload")
		}
	case EventRunComplete:
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Phase != PhaseBefore && e.Phase != PhaseAfter {
		return fmt.Errorf("unknown event phase %q", e.Phase)
	}
	return nil
}

// RunRequest targets a document, optionally narrowed to the suite or test
// enclosing Line. A zero Line selects the whole file.
type RunRequest struct {
	File string `json:"file" yaml:"file"`
	Line int    `json:"line,omitempty" yaml:"line,omitempty"`
}

// WholeFile reports whether the request targets the entire document.
func (r RunRequest) WholeFile() bool {
	return r.Line <= 0
}
