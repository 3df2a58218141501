// Package results materialises a run's event stream into per-document
// suite, test and assertion state.
package results

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

// SuiteLocator returns the 1-based line of the suite enclosing a test, or 0
// if it cannot be located.
type SuiteLocator func(document string, test *types.Test) int

type suiteNode struct {
	key        string
	state      types.State
	decoration Decoration
}

type testNode struct {
	key        string
	className  string
	state      types.State
	decoration Decoration
	assertions []AssertionResult
}

// AssertionResult is one assertion recorded against a test.
type AssertionResult struct {
	State      types.State `json:"state"`
	Decoration Decoration  `json:"decoration"`
}

// Store holds the live result state of one document.
type Store struct {
	document  string
	log       log.Logger
	presenter Presenter
	locator   SuiteLocator

	mu       sync.Mutex
	suites   map[string]*suiteNode
	tests    map[string]*testNode
	current  *types.Test
	totalErr error
}

// Option configures a Store.
type Option func(*Store)

// WithPresenter sets the presenter receiving render and release updates.
func WithPresenter(p Presenter) Option {
	return func(s *Store) { s.presenter = p }
}

// WithSuiteLocator sets how a suite's line is found when only one of its
// tests ran.
func WithSuiteLocator(l SuiteLocator) Option {
	return func(s *Store) { s.locator = l }
}

// WithLogger sets the store's logger.
func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates an empty store for document.
func NewStore(document string, opts ...Option) *Store {
	s := &Store{
		document:  document,
		log:       log.New(),
		presenter: NopPresenter,
		suites:    make(map[string]*suiteNode),
		tests:     make(map[string]*testNode),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.New("document", document)
	return s
}

// Document returns the document the store indexes.
func (s *Store) Document() string {
	return s.document
}

// OnEvent applies one worker event. selectedLine is the line a run was
// narrowed to, 0 for whole-file runs.
func (s *Store) OnEvent(ev *types.Event, selectedLine int) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case ev.Type == types.EventRunComplete:
		return nil
	case ev.Phase == types.PhaseBefore && ev.Type == types.EventSuite:
		key := ev.Suite.ClassName
		s.resetSuiteLocked(key)
		s.storeSuiteLocked(key, types.StateUnknown, suiteDecoration(ev.Suite.Lines.Start))
	case ev.Phase == types.PhaseBefore && ev.Type == types.EventTest:
		t := ev.Test
		s.resetTestLocked(t.Key())
		s.storeTestLocked(t.Key(), t.ClassName, types.StateUnknown, testDecoration(t))
		if selectedLine > 0 {
			s.setSuiteViaTestLocked(t, types.StateUnknown)
		}
		s.current = t
	case ev.Phase == types.PhaseAfter && ev.Type == types.EventSuite:
		state := types.StateOf(ev.Suite.Result())
		s.storeSuiteLocked(ev.Suite.ClassName, state, suiteDecoration(ev.Suite.Lines.Start))
	case ev.Phase == types.PhaseAfter && ev.Type == types.EventTest:
		s.onTestLocked(ev.Test, selectedLine)
	case ev.Type == types.EventAssertion:
		return s.onAssertionLocked(ev.Assertion)
	default:
		return fmt.Errorf("unexpected %s/%s event", ev.Phase, ev.Type)
	}
	return nil
}

func (s *Store) onTestLocked(t *types.Test, selectedLine int) {
	current := s.current
	if current == nil {
		current = t
	}
	s.current = nil

	key := types.TestKey(current.ClassName, t.MethodName)
	s.storeTestLocked(key, current.ClassName, types.StateOf(t.Status), testDecoration(t))

	// A single-test run also settles the suite it belongs to.
	if selectedLine > 0 && current.Lines.Contains(selectedLine) {
		state := types.StateSuccess
		for _, n := range s.tests {
			if n.className == t.ClassName && n.state == types.StateFail {
				state = types.StateFail
				break
			}
		}
		s.setSuiteViaTestLocked(t, state)
	}
}

func (s *Store) onAssertionLocked(a *types.Assertion) error {
	key := a.ClassName + ":" + a.MethodName
	if s.current != nil {
		key = s.current.Key()
	}
	n, ok := s.tests[key]
	if !ok {
		s.log.Warn("Dropping assertion for unknown test", "test", key, "line", a.Line)
		return fmt.Errorf("assertion for unknown test %q", key)
	}

	state := types.StateSuccess
	if a.Failed() {
		state = types.StateFail
	}
	n.assertions = append(n.assertions, AssertionResult{State: state, Decoration: assertionDecoration(a)})

	view := newView()
	for _, r := range n.assertions {
		view[r.State] = append(view[r.State], r.Decoration)
	}
	s.presenter.Render(s.document, EntityAssertion, key, view)
	return nil
}

func (s *Store) setSuiteViaTestLocked(t *types.Test, state types.State) {
	line := 0
	if n, ok := s.suites[t.ClassName]; ok {
		line = n.decoration.Line
	}
	if line == 0 && s.locator != nil {
		line = s.locator(s.document, t)
	}
	if line == 0 {
		line = t.Lines.Start
	}
	s.storeSuiteLocked(t.ClassName, state, suiteDecoration(line))
}

func (s *Store) storeSuiteLocked(key string, state types.State, d Decoration) {
	n, ok := s.suites[key]
	if !ok {
		n = &suiteNode{key: key}
		s.suites[key] = n
	}
	n.state = state
	n.decoration = d
	s.log.Trace("Suite state", "suite", key, "state", state)

	view := newView()
	view[state] = []Decoration{d}
	s.presenter.Render(s.document, EntitySuite, key, view)
}

func (s *Store) storeTestLocked(key, className string, state types.State, d Decoration) {
	n, ok := s.tests[key]
	if !ok {
		n = &testNode{key: key}
		s.tests[key] = n
	}
	n.className = className
	n.state = state
	n.decoration = d
	s.log.Trace("Test state", "test", key, "state", state)

	view := newView()
	view[state] = []Decoration{d}
	s.presenter.Render(s.document, EntityTest, key, view)
}

func (s *Store) resetSuiteLocked(key string) {
	if _, ok := s.suites[key]; ok {
		s.presenter.Release(s.document, EntitySuite, key)
	}
	s.suites[key] = &suiteNode{key: key, state: types.StateUnknown}
}

// resetTestLocked replaces the node for key, so no assertion of an earlier
// run survives into the next one.
func (s *Store) resetTestLocked(key string) {
	if _, ok := s.tests[key]; ok {
		s.presenter.Release(s.document, EntityTest, key)
		s.presenter.Release(s.document, EntityAssertion, key)
	}
	s.tests[key] = &testNode{key: key, state: types.StateUnknown}
}

// ResetAll releases every entity and empties the store. The document-level
// error is kept.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.suites {
		s.presenter.Release(s.document, EntitySuite, key)
	}
	for key := range s.tests {
		s.presenter.Release(s.document, EntityTest, key)
		s.presenter.Release(s.document, EntityAssertion, key)
	}
	s.suites = make(map[string]*suiteNode)
	s.tests = make(map[string]*testNode)
	s.current = nil
}

// Totals counts tests by state.
func (s *Store) Totals() types.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t types.Totals
	for _, n := range s.tests {
		t.Add(n.state)
	}
	return t
}

// SetTotalError records a document-level fatal error. While set, runs for
// the document are widened to the whole file.
func (s *Store) SetTotalError(err error) {
	if err == nil {
		err = errors.New("unknown fatal error")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalErr = err
}

// TotalError returns the document-level fatal error, if any.
func (s *Store) TotalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalErr
}

// HasTotalError reports whether a document-level fatal error is recorded.
func (s *Store) HasTotalError() bool {
	return s.TotalError() != nil
}

// ClearTotalError forgets the document-level fatal error.
func (s *Store) ClearTotalError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalErr = nil
}

// SuiteSnapshot is the exported state of a suite.
type SuiteSnapshot struct {
	Key        string      `json:"key"`
	State      types.State `json:"state"`
	Decoration Decoration  `json:"decoration"`
}

// TestSnapshot is the exported state of a test.
type TestSnapshot struct {
	Key        string            `json:"key"`
	ClassName  string            `json:"className"`
	State      types.State       `json:"state"`
	Decoration Decoration        `json:"decoration"`
	Assertions []AssertionResult `json:"assertions"`
}

// Snapshot is a copy of a store's state at one point in time.
type Snapshot struct {
	Document   string          `json:"document"`
	Suites     []SuiteSnapshot `json:"suites"`
	Tests      []TestSnapshot  `json:"tests"`
	Totals     types.Totals    `json:"totals"`
	TotalError string          `json:"totalError,omitempty"`
}

// Snapshot copies the store's state, with suites and tests sorted by key.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Document: s.document,
		Suites:   make([]SuiteSnapshot, 0, len(s.suites)),
		Tests:    make([]TestSnapshot, 0, len(s.tests)),
	}
	for _, n := range s.suites {
		snap.Suites = append(snap.Suites, SuiteSnapshot{Key: n.key, State: n.state, Decoration: n.decoration})
	}
	for _, n := range s.tests {
		snap.Tests = append(snap.Tests, TestSnapshot{
			Key:        n.key,
			ClassName:  n.className,
			State:      n.state,
			Decoration: n.decoration,
			Assertions: slices.Clone(n.assertions),
		})
		snap.Totals.Add(n.state)
	}
	slices.SortFunc(snap.Suites, func(a, b SuiteSnapshot) int { return strings.Compare(a.Key, b.Key) })
	slices.SortFunc(snap.Tests, func(a, b TestSnapshot) int { return strings.Compare(a.Key, b.Key) })
	if s.totalErr != nil {
		snap.TotalError = s.totalErr.Error()
	}
	return snap
}
