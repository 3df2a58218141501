package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateOf(t *testing.T) {
	tests := []struct {
		status Status
		want   State
	}{
		{StatusSuccess, StateSuccess},
		{"pass", StateSuccess},
		{"passed", StateSuccess},
		{StatusFail, StateFail},
		{"failed", StateFail},
		{StatusSkip, StateUnknown},
		{"skipped", StateUnknown},
		{"", StateUnknown},
		{"bogus", StateUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, StateOf(tt.status))
		})
	}
}

func TestTotalsAdd(t *testing.T) {
	var totals Totals
	for _, s := range []State{StateSuccess, StateFail, StateUnknown, StateSuccess, ""} {
		totals.Add(s)
	}
	assert.Equal(t, Totals{Success: 2, Fail: 1, Unknown: 2, Total: 5}, totals)
	assert.Equal(t, totals.Total, totals.Success+totals.Fail+totals.Unknown)
}

func TestSuiteResult(t *testing.T) {
	tests := []struct {
		name  string
		suite Suite
		want  Status
	}{
		{"explicit status wins", Suite{Status: StatusFail, Success: 3}, StatusFail},
		{"skip counter means unknown", Suite{Skip: 1, Fail: 2}, StatusSkip},
		{"fail counter", Suite{Fail: 1, Success: 4}, StatusFail},
		{"all passed", Suite{Success: 4}, StatusSuccess},
		{"empty suite", Suite{}, StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.suite.Result())
		})
	}
}

func TestLinesContains(t *testing.T) {
	l := Lines{Start: 10, End: 20}
	assert.True(t, l.Contains(10))
	assert.True(t, l.Contains(20))
	assert.False(t, l.Contains(9))
	assert.False(t, l.Contains(21))

	single := Lines{Start: 5}
	assert.True(t, single.Contains(5))
	assert.False(t, single.Contains(6))
}
