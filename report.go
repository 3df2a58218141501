package testd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-testd/runner"
)

// printResultsTable prints the settled runs to the console.
func (t *testd) printResultsTable(infos []runner.RunInfo) {
	t.log.Info("Printing results...")
	tw := table.NewWriter()
	tw.SetOutputMirror(t.out)

	var started, finished time.Time
	for _, info := range infos {
		if started.IsZero() || info.Started.Before(started) {
			started = info.Started
		}
		if info.Finished.After(finished) {
			finished = info.Finished
		}
	}
	tw.SetTitle(fmt.Sprintf("Test Results (%s)", formatDuration(finished.Sub(started))))

	tw.AppendHeader(table.Row{
		"Document", "Run", "Duration", "Tests", "Passed", "Failed", "Unknown", "Status", "Error",
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Document", AutoMerge: true},
		{Name: "Run", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Unknown", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	allPassed := true
	for _, info := range infos {
		if info.State != runner.RunCompleted || info.Totals.Fail > 0 {
			allPassed = false
		}
		tw.AppendRow(table.Row{
			filepath.Base(info.Document),
			info.Title,
			formatDuration(info.Duration()),
			info.Totals.Total,
			info.Totals.Success,
			info.Totals.Fail,
			info.Totals.Unknown,
			getResultString(info),
			info.Error,
		})
	}

	if allPassed {
		tw.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		tw.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	totals := documentTotals(infos)
	tw.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(finished.Sub(started)),
		totals.Total,
		totals.Success,
		totals.Fail,
		totals.Unknown,
		"",
		"",
	})

	tw.Render()
}

// getResultString returns a short marker for the run outcome
func getResultString(info runner.RunInfo) string {
	switch {
	case info.State == runner.RunCompleted && info.Totals.Fail == 0:
		return "✓ pass"
	case info.State == runner.RunCompleted:
		return "✗ fail"
	default:
		return "✗ " + string(info.State)
	}
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
