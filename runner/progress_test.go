package runner

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
)

func TestFormatRunningRuns(t *testing.T) {
	now := time.Now()
	running := map[string]RunInfo{
		"a": {ID: "a", Title: "Running a.ts", Started: now.Add(-3 * time.Second)},
		"b": {ID: "b", Title: "Running b.ts", Started: now.Add(-5 * time.Second)},
		"c": {ID: "c", Title: "Running c.ts", Started: now.Add(-1 * time.Second)},
	}
	progress := map[string]string{"b": "Tests: Success 1, Failed 0"}

	out := formatRunningRuns(running, progress, 2)
	assert.Contains(t, out, "Running b.ts (5s) Tests: Success 1, Failed 0, Running a.ts (3s)")
	assert.Contains(t, out, "+1 more")
	assert.Empty(t, formatRunningRuns(nil, nil, 3))
}

func TestConsoleProgressIndicator(t *testing.T) {
	c := NewConsoleProgressIndicator(log.NewLogger(log.DiscardHandler()), time.Hour)
	defer c.Stop()

	run := RunInfo{ID: "r1", Title: "Running a.ts", Started: time.Now()}
	c.StartRun(run)
	c.ReportProgress(run, "Tests: Success 0, Failed 0")
	c.reportProgress()
	c.CompleteRun(run)
	c.SetStatus("Success 1, Failed 0", ColorSuccess)

	assert.Equal(t, "Success 1, Failed 0", c.Status())
	assert.Empty(t, c.running)
	assert.Equal(t, 1, c.completed)

	c.Stop()
}
