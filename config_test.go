package testd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testd/flags"
	"github.com/ethereum-optimism/infra/op-testd/types"
)

// parseConfig runs args through the real flag set and returns NewConfig's result.
func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error
	app := &cli.App{
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, cfgErr = NewConfig(ctx, log.NewLogger(log.DiscardHandler()))
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"op-testd"}, args...)))
	return cfg, cfgErr
}

func TestNewConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := parseConfig(t,
		"--worker.cmd", "node",
		"--worker.args", "out/worker.js",
		"--worker.env", "FOO=bar",
		"--workdir", dir,
		"--pool-size", "3",
		"a.test.ts", "sub/b.test.ts:12", "/abs/c.test.ts",
	)
	require.NoError(t, err)

	assert.Equal(t, "node", cfg.WorkerCmd)
	assert.Equal(t, []string{"out/worker.js"}, cfg.WorkerArgs)
	assert.Equal(t, dir, cfg.WorkDir)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, []types.RunRequest{
		{File: filepath.Join(dir, "a.test.ts")},
		{File: filepath.Join(dir, "sub/b.test.ts"), Line: 12},
		{File: "/abs/c.test.ts"},
	}, cfg.Targets)
	assert.Equal(t, fmt.Sprintf("test-%d", os.Getpid()), cfg.Namespace)
	assert.Equal(t, "DOCKER_NS", cfg.NamespaceEnv)
	assert.Equal(t, []string{"DOCKER_NS=" + cfg.Namespace, "FOO=bar"}, cfg.workerEnv())
	assert.False(t, cfg.Serve)
	assert.False(t, cfg.MetricsConfig.Enabled)
}

func TestNewConfigPlan(t *testing.T) {
	dir := t.TempDir()
	plan := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(plan, []byte("runs:\n  - file: a.ts\n  - file: b.ts\n    line: 4\n"), 0644))

	cfg, err := parseConfig(t, "--worker.cmd", "node", "--workdir", dir, "--plan", plan, "c.ts")
	require.NoError(t, err)
	assert.Equal(t, plan, cfg.PlanFile)
	assert.Equal(t, []types.RunRequest{
		{File: filepath.Join(dir, "a.ts")},
		{File: filepath.Join(dir, "b.ts"), Line: 4},
		{File: filepath.Join(dir, "c.ts")},
	}, cfg.Targets)
}

func TestNewConfigServeWithoutTargets(t *testing.T) {
	cfg, err := parseConfig(t, "--worker.cmd", "node", "--serve", "--namespace", "ci-42", "--namespace-env", "")
	require.NoError(t, err)
	assert.True(t, cfg.Serve)
	assert.Empty(t, cfg.Targets)
	assert.Equal(t, "ci-42", cfg.Namespace)
	assert.Empty(t, cfg.workerEnv())
}

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		errMsg string
	}{
		{name: "nothing to run", args: []string{"--worker.cmd", "node"}, errMsg: "nothing to run"},
		{name: "empty worker", args: []string{"--worker.cmd", "", "a.ts"}, errMsg: "worker command is required"},
		{name: "pool size", args: []string{"--worker.cmd", "node", "--pool-size", "0", "a.ts"}, errMsg: "pool size must be at least 1"},
		{name: "keepalive", args: []string{"--worker.cmd", "node", "--keepalive-timeout", "0s", "a.ts"}, errMsg: "keep-alive timeout must be positive"},
		{name: "handshake", args: []string{"--worker.cmd", "node", "--handshake-timeout", "-1s", "a.ts"}, errMsg: "handshake timeout must be positive"},
		{name: "spawn interval", args: []string{"--worker.cmd", "node", "--spawn-interval", "-1s", "a.ts"}, errMsg: "spawn interval must not be negative"},
		{name: "worker env", args: []string{"--worker.cmd", "node", "--worker.env", "NOVALUE", "a.ts"}, errMsg: "invalid worker environment entry"},
		{name: "bad target", args: []string{"--worker.cmd", "node", "a.ts:-3"}, errMsg: "invalid target"},
		{name: "missing plan", args: []string{"--worker.cmd", "node", "--plan", "/nonexistent/plan.yaml"}, errMsg: "failed to load plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
