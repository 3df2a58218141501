// Package workertest provides a scripted test-runner process for exercising
// worker handles, pools and orchestrators over real pipes.
//
// The fake worker is the test binary itself: a package's TestMain calls Main
// first, and a handle configured with Command and Env re-executes the binary
// in worker mode. What a run does is selected by the file it is asked to run.
package workertest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum-optimism/infra/op-testd/ipc"
	"github.com/ethereum-optimism/infra/op-testd/types"
)

// ModeEnv selects worker mode in a re-executed test binary.
const ModeEnv = "OP_TESTD_FAKE_WORKER"

// Startup modes.
const (
	ModeServe     = "serve"
	ModeNoReady   = "noready"
	ModeNoInit    = "noinit"
	ModeCrashBoot = "crashboot"
)

// Run scenarios, selected by file name.
const (
	PassFile   = "pass.ts"
	FailFile   = "fail.ts"
	SkipFile   = "skip.ts"
	FatalFile  = "fatal.ts"
	SilentFile = "silent.ts"
	CrashFile  = "crash.ts"
	SlowFile   = "slow.ts"
)

// SlowInterval is the gap between messages of a SlowFile run.
const SlowInterval = 60 * time.Millisecond

// SlowMessages is the number of keep-alive messages a SlowFile run emits.
const SlowMessages = 6

// FixtureTest is one scripted test case.
type FixtureTest struct {
	Method string
	Lines  types.Lines
	Status types.Status
}

// Fixture is the scripted content of a file.
type Fixture struct {
	Suite string
	Lines types.Lines
	Tests []FixtureTest
}

// Fixtures maps the scripted files to their content.
var Fixtures = map[string]Fixture{
	PassFile: {
		Suite: "A",
		Lines: types.Lines{Start: 1, End: 12},
		Tests: []FixtureTest{
			{Method: "m1", Lines: types.Lines{Start: 2, End: 5}, Status: types.StatusSuccess},
			{Method: "m2", Lines: types.Lines{Start: 6, End: 10}, Status: types.StatusSuccess},
		},
	},
	FailFile: {
		Suite: "B",
		Lines: types.Lines{Start: 1, End: 12},
		Tests: []FixtureTest{
			{Method: "ok", Lines: types.Lines{Start: 2, End: 5}, Status: types.StatusSuccess},
			{Method: "broken", Lines: types.Lines{Start: 6, End: 10}, Status: types.StatusFail},
		},
	},
	SkipFile: {
		Suite: "C",
		Lines: types.Lines{Start: 1, End: 6},
		Tests: []FixtureTest{
			{Method: "later", Lines: types.Lines{Start: 2, End: 4}, Status: types.StatusSkip},
		},
	},
	SlowFile: {
		Suite: "S",
		Lines: types.Lines{Start: 1, End: 9},
		Tests: []FixtureTest{
			{Method: "long", Lines: types.Lines{Start: 2, End: 8}, Status: types.StatusSuccess},
		},
	},
}

// Command returns the program and arguments that start the fake worker.
func Command() (string, []string) {
	return os.Args[0], []string{"-test.run=^$"}
}

// Env returns the environment selecting the given startup mode.
func Env(mode string) []string {
	return []string{ModeEnv + "=" + mode}
}

// Main turns the process into a fake worker when ModeEnv is set. It must be
// called at the top of TestMain.
func Main() {
	mode := os.Getenv(ModeEnv)
	if mode == "" {
		return
	}
	os.Exit(Serve(mode, os.Stdin, os.Stdout, os.Stderr))
}

// Serve speaks the worker protocol on in/out until in is closed and returns
// the process exit code.
func Serve(mode string, in io.Reader, out, errOut io.Writer) int {
	if mode == ModeCrashBoot {
		fmt.Fprintln(errOut, "\x1b[31mfatal: cannot load test framework\x1b[0m")
		return 4
	}
	enc := ipc.NewEncoder(out)
	emit := func(v any) {
		if err := enc.Send(v); err != nil {
			fmt.Fprintln(errOut, "send:", err)
		}
	}
	if mode != ModeNoReady {
		emit(map[string]string{"type": ipc.TypeReady})
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		var cmd ipc.Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			fmt.Fprintln(errOut, "bad command:", err)
			continue
		}
		switch cmd.Type {
		case ipc.TypeInit:
			if mode != ModeNoInit {
				emit(map[string]string{"type": ipc.TypeInitComplete})
			}
		case ipc.TypeRun:
			if code, exit := run(cmd.File, cmd.Line(), emit, errOut); exit {
				return code
			}
		}
	}
	return 0
}

// run scripts a run of file. Scenarios match on the base name, so callers
// may pass resolved paths.
func run(file string, line int, emit func(any), errOut io.Writer) (int, bool) {
	name := filepath.Base(file)
	switch name {
	case SilentFile:
		return 0, false
	case CrashFile:
		emit(types.Event{Type: types.EventSuite, Phase: types.PhaseBefore, Suite: &types.Suite{ClassName: "X", Lines: types.Lines{Start: 1, End: 3}}})
		fmt.Fprintln(errOut, "segmentation fault")
		return 3, true
	case FatalFile:
		emit(types.Event{Type: types.EventRunComplete, Error: &types.RemoteError{
			Name:    "SyntaxError",
			Message: "Unexpected token",
			Stack:   "SyntaxError: Unexpected token\n    at fatal.ts:3:1",
			Marked:  true,
		}})
		return 0, false
	}

	fx, ok := Fixtures[name]
	if !ok {
		emit(types.Event{Type: types.EventRunComplete, Error: types.NewRemoteError(fmt.Errorf("no such file %s", file))})
		return 0, false
	}
	runFixture(name, fx, line, emit)
	emit(types.Event{Type: types.EventRunComplete})
	return 0, false
}

func runFixture(file string, fx Fixture, line int, emit func(any)) {
	tests := fx.Tests
	method := false
	if line > 0 {
		for _, t := range fx.Tests {
			if t.Lines.Contains(line) {
				tests, method = []FixtureTest{t}, true
				break
			}
		}
	}

	if !method {
		emit(types.Event{Type: types.EventSuite, Phase: types.PhaseBefore, Suite: &types.Suite{ClassName: fx.Suite, Lines: fx.Lines}})
	}
	var success, fail, skip int
	for _, t := range tests {
		emit(types.Event{Type: types.EventTest, Phase: types.PhaseBefore, Test: &types.Test{
			ClassName: fx.Suite, MethodName: t.Method, Lines: t.Lines,
		}})
		var testErr *types.RemoteError
		switch {
		case file == SlowFile:
			for i := 0; i < SlowMessages; i++ {
				time.Sleep(SlowInterval)
				emit(assertion(fx.Suite, t, t.Lines.Start+1, nil))
			}
			success++
		case t.Status == types.StatusFail:
			testErr = &types.RemoteError{
				Name:    "AssertionError",
				Message: "Expected values to be strictly equal",
				Stack:   "AssertionError: Expected values to be strictly equal\n    at " + file,
				Fields:  map[string]any{"operator": "strictEqual", "expected": 1, "actual": 2},
				Marked:  true,
			}
			emit(assertion(fx.Suite, t, t.Lines.Start+1, testErr))
			fail++
		case t.Status == types.StatusSkip:
			skip++
		default:
			emit(assertion(fx.Suite, t, t.Lines.Start+1, nil))
			success++
		}
		emit(types.Event{Type: types.EventTest, Phase: types.PhaseAfter, Test: &types.Test{
			ClassName: fx.Suite, MethodName: t.Method, Lines: t.Lines, Status: t.Status, Error: testErr,
		}})
	}
	if !method {
		emit(types.Event{Type: types.EventSuite, Phase: types.PhaseAfter, Suite: &types.Suite{
			ClassName: fx.Suite, Lines: fx.Lines, Success: success, Fail: fail, Skip: skip,
		}})
	}
}

func assertion(class string, t FixtureTest, line int, err *types.RemoteError) types.Event {
	a := &types.Assertion{
		ClassName:  class,
		MethodName: t.Method,
		Line:       line,
		Status:     types.StatusSuccess,
		Error:      err,
	}
	if err != nil {
		a.Status = types.StatusFail
		a.Message = "values differ"
		a.Operator = "strictEqual"
		a.Expected = "1"
		a.Actual = "2"
	}
	return types.Event{Type: types.EventAssertion, Phase: types.PhaseAfter, Assertion: a}
}
