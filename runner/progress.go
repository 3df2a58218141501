package runner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Status colors.
const (
	ColorFail    = "#f33"
	ColorSuccess = "#8f8"
	ColorNeutral = "#fff"
)

// ProgressIndicator interface for UI updates
type ProgressIndicator interface {
	StartRun(run RunInfo)
	// ReportProgress is only called for runs that are not scoped to one test.
	ReportProgress(run RunInfo, message string)
	CompleteRun(run RunInfo)
	// SetStatus shows the outcome of the latest run. An empty message hides it.
	SetStatus(message, color string)
}

// noOpProgressIndicator provides a no-op implementation of ProgressIndicator
type noOpProgressIndicator struct{}

// NewNoOpProgressIndicator creates a progress indicator that does nothing
func NewNoOpProgressIndicator() ProgressIndicator {
	return &noOpProgressIndicator{}
}

func (n *noOpProgressIndicator) StartRun(run RunInfo)                       {}
func (n *noOpProgressIndicator) ReportProgress(run RunInfo, message string) {}
func (n *noOpProgressIndicator) CompleteRun(run RunInfo)                    {}
func (n *noOpProgressIndicator) SetStatus(message, color string)            {}

// ConsoleProgressIndicator logs run progress and periodically summarises the
// runs still in flight.
type ConsoleProgressIndicator struct {
	logger log.Logger
	ticker *time.Ticker
	stopCh chan struct{}
	once   sync.Once
	mu     sync.RWMutex

	running      map[string]RunInfo
	lastProgress map[string]string
	completed    int
	status       string
}

// NewConsoleProgressIndicator creates a progress indicator that shows updates in the console
func NewConsoleProgressIndicator(logger log.Logger, updateInterval time.Duration) *ConsoleProgressIndicator {
	if updateInterval == 0 {
		updateInterval = 30 * time.Second
	}

	indicator := &ConsoleProgressIndicator{
		logger:       logger,
		ticker:       time.NewTicker(updateInterval),
		stopCh:       make(chan struct{}),
		running:      make(map[string]RunInfo),
		lastProgress: make(map[string]string),
	}

	go indicator.progressReporter()

	return indicator
}

func (c *ConsoleProgressIndicator) StartRun(run RunInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running[run.ID] = run
	c.logger.Info(run.Title, "run", run.ID, "cancellable", run.Cancellable)
}

func (c *ConsoleProgressIndicator) ReportProgress(run RunInfo, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastProgress[run.ID] = message
	c.logger.Debug("Run progress", "run", run.ID, "progress", message)
}

func (c *ConsoleProgressIndicator) CompleteRun(run RunInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.running, run.ID)
	delete(c.lastProgress, run.ID)
	c.completed++
	c.logger.Info("Completed run", "run", run.ID, "document", run.Document, "state", run.State,
		"duration", run.Duration().Truncate(time.Millisecond))
}

func (c *ConsoleProgressIndicator) SetStatus(message, color string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status = message
	if message == "" {
		return
	}
	if color == ColorFail {
		c.logger.Warn(message)
		return
	}
	c.logger.Info(message)
}

// Status returns the last status message.
func (c *ConsoleProgressIndicator) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// progressReporter runs in a goroutine and periodically reports progress
func (c *ConsoleProgressIndicator) progressReporter() {
	for {
		select {
		case <-c.ticker.C:
			c.reportProgress()
		case <-c.stopCh:
			return
		}
	}
}

func (c *ConsoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.running) == 0 {
		return
	}
	c.logger.Info("Progress update",
		"numRunning", len(c.running),
		"completed", c.completed,
		"longestRunning", formatRunningRuns(c.running, c.lastProgress, 3),
	)
}

// Stop stops the progress indicator
func (c *ConsoleProgressIndicator) Stop() {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.stopCh)
	})
}

// Helper function that formats running runs into a display string
func formatRunningRuns(running map[string]RunInfo, progress map[string]string, maxShow int) string {
	if len(running) == 0 {
		return ""
	}

	runs := make([]RunInfo, 0, len(running))
	for _, r := range running {
		runs = append(runs, r)
	}

	// Sort by duration (longest running first)
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Started.Before(runs[j].Started)
	})

	var out []string
	for i, r := range runs {
		if i >= maxShow {
			break
		}
		s := fmt.Sprintf("%s (%v)", r.Title, r.Duration().Truncate(time.Second))
		if p := progress[r.ID]; p != "" {
			s += " " + p
		}
		out = append(out, s)
	}

	if len(runs) > maxShow {
		out = append(out, fmt.Sprintf("+%d more", len(runs)-maxShow))
	}

	return strings.Join(out, ", ")
}
