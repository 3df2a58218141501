package testd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testd/results"
	"github.com/ethereum-optimism/infra/op-testd/types"
	"github.com/ethereum-optimism/infra/op-testd/worker/workertest"
)

func TestMain(m *testing.M) {
	workertest.Main()
	os.Exit(m.Run())
}

func testConfig(t *testing.T, targets ...string) *Config {
	t.Helper()
	command, args := workertest.Command()
	cfg := &Config{
		WorkerCmd:        command,
		WorkerArgs:       args,
		WorkerEnv:        workertest.Env(workertest.ModeServe),
		WorkDir:          t.TempDir(),
		PoolSize:         2,
		KeepAlive:        5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ProgressInterval: time.Hour,
		Namespace:        "test-ns",
		NamespaceEnv:     "TESTD_NS",
		Log:              log.NewLogger(log.DiscardHandler()),
	}
	for _, target := range targets {
		cfg.Targets = append(cfg.Targets, types.RunRequest{File: target})
	}
	return cfg
}

type testService struct {
	*testd
	out      *bytes.Buffer
	shutdown chan error
}

func newTestService(t *testing.T, cfg *Config) *testService {
	t.Helper()
	shutdown := make(chan error, 1)
	svc, err := New(context.Background(), cfg, "test", func(err error) { shutdown <- err })
	require.NoError(t, err)
	out := new(bytes.Buffer)
	svc.out = out
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &testService{testd: svc, out: out, shutdown: shutdown}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "test", nil)
	require.EqualError(t, err, "config is required")
}

func TestRunOncePass(t *testing.T) {
	svc := newTestService(t, testConfig(t, workertest.PassFile))

	require.NoError(t, svc.Start(context.Background()))
	select {
	case err := <-svc.shutdown:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run-once mode did not request shutdown")
	}

	require.Len(t, svc.results, 1)
	assert.Equal(t, types.Totals{Success: 2, Total: 2}, svc.results[0].Totals)
	assert.Contains(t, svc.out.String(), "Test Results")
	assert.Contains(t, svc.out.String(), "pass.ts")
	assert.Contains(t, svc.out.String(), "TOTAL")

	require.NoError(t, svc.Stop(context.Background()))
	assert.True(t, svc.Stopped())
}

func TestRunOnceOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		files       []string
		testFailure bool
		runtime     bool
		errMsg      string
	}{
		{name: "failing test", files: []string{workertest.PassFile, workertest.FailFile}, testFailure: true, errMsg: "1 of 2 runs failed"},
		{name: "fatal document", files: []string{workertest.FatalFile}, testFailure: true, errMsg: "1 of 1 runs failed"},
		{name: "crashed worker", files: []string{workertest.PassFile, workertest.CrashFile}, runtime: true, errMsg: "crash.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, testConfig(t, tt.files...))

			err := svc.Start(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.testFailure, IsTestFailureError(err))
			assert.Equal(t, tt.runtime, IsRuntimeError(err))
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Len(t, svc.results, len(tt.files))
			assert.Empty(t, svc.shutdown)
		})
	}
}

func TestRunOnceSameDocumentRunsInOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets = []types.RunRequest{
		{File: workertest.FailFile},
		{File: workertest.FailFile, Line: 3},
	}
	svc := newTestService(t, cfg)

	err := svc.Start(context.Background())
	require.True(t, IsTestFailureError(err))

	require.Len(t, svc.results, 2)
	assert.Equal(t, 0, svc.results[0].Line)
	assert.Equal(t, 3, svc.results[1].Line)
	assert.False(t, svc.results[1].Started.Before(svc.results[0].Finished))
	assert.Equal(t, types.Totals{Success: 1, Fail: 1, Total: 2}, svc.results[0].Totals)
	// Without a source mapper the narrowed run resets the document and only
	// "ok" runs again.
	assert.Equal(t, types.Totals{Success: 1, Total: 1}, svc.results[1].Totals)
	assert.Equal(t, "test failure: 1 of 2 runs failed", err.Error())
}

func TestCleanupCommand(t *testing.T) {
	cfg := testConfig(t, workertest.PassFile)
	cfg.CleanupCmd = `echo "$TESTD_NS" > cleanup.txt`
	svc := newTestService(t, cfg)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))

	data, err := os.ReadFile(filepath.Join(cfg.WorkDir, "cleanup.txt"))
	require.NoError(t, err)
	assert.Equal(t, "test-ns\n", string(data))
}

func TestCleanupCommandFailure(t *testing.T) {
	cfg := testConfig(t, workertest.PassFile)
	cfg.CleanupCmd = `echo nope; exit 3`
	svc := newTestService(t, cfg)

	require.NoError(t, svc.Start(context.Background()))
	err := svc.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup command failed")
	assert.Contains(t, err.Error(), "nope")

	// Stop is idempotent and keeps reporting the first result.
	assert.Equal(t, err, svc.Stop(context.Background()))
}

func TestServe(t *testing.T) {
	cfg := testConfig(t)
	cfg.Serve = true
	cfg.APIAddr = "127.0.0.1"
	cfg.APIPort = 0
	svc := newTestService(t, cfg)

	require.NoError(t, svc.Start(context.Background()))
	addr := svc.api.Addr()
	require.NotNil(t, addr)
	base := fmt.Sprintf("http://%s/api/v1", addr.String())

	resp, err := http.Post(base+"/runs", "application/json", strings.NewReader(`{"file":"pass.ts"}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/results?file=pass.ts")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var snap results.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return false
		}
		return snap.Totals.Success == 2
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(svc.orchestrator.Active()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, svc.shutdown)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Nil(t, svc.metricsServer)
}
