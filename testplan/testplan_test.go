package testplan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writePlan(t, `
runs:
  - file: test/a.test.ts
  - file: test/b.test.ts
    line: 12
`)
	runs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []types.RunRequest{
		{File: "test/a.test.ts"},
		{File: "test/b.test.ts", Line: 12},
	}, runs)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "empty", content: "", errMsg: "has no runs"},
		{name: "no runs", content: "runs: []\n", errMsg: "has no runs"},
		{name: "missing file", content: "runs:\n  - line: 3\n", errMsg: "run 0: file is required"},
		{name: "negative line", content: "runs:\n  - file: a.ts\n  - file: b.ts\n    line: -2\n", errMsg: "run 1: line must not be negative"},
		{name: "unknown field", content: "runs:\n  - file: a.ts\n    class: A\n", errMsg: "parsing plan file"},
		{name: "not yaml", content: "runs: [", errMsg: "parsing plan file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writePlan(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		target  string
		want    types.RunRequest
		wantErr bool
	}{
		{target: "a.test.ts", want: types.RunRequest{File: "a.test.ts"}},
		{target: "a.test.ts:14", want: types.RunRequest{File: "a.test.ts", Line: 14}},
		{target: "C:/src/a.test.ts", want: types.RunRequest{File: "C:/src/a.test.ts"}},
		{target: "C:/src/a.test.ts:3", want: types.RunRequest{File: "C:/src/a.test.ts", Line: 3}},
		{target: "", wantErr: true},
		{target: ":4", wantErr: true},
		{target: "a.ts:-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := ParseTarget(tt.target)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
