package testd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethereum-optimism/infra/op-testd/metrics"
	"github.com/ethereum-optimism/infra/op-testd/pool"
	"github.com/ethereum-optimism/infra/op-testd/runner"
	"github.com/ethereum-optimism/infra/op-testd/service"
	"github.com/ethereum-optimism/infra/op-testd/types"
	"github.com/ethereum-optimism/infra/op-testd/worker"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

// testd implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &testd{}

// testd drives test workers for the configured targets and, when serving,
// for runs requested over the HTTP API.
type testd struct {
	config  *Config
	version string
	log     log.Logger
	out     io.Writer

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *httputil.HTTPServer
	pool          *pool.Pool
	orchestrator  *runner.Orchestrator
	progress      *runner.ConsoleProgressIndicator
	stream        *service.Broadcaster
	api           *service.Service

	results []runner.RunInfo

	running  atomic.Bool
	stopOnce sync.Once
	stopErr  error

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*testd, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	config.Log.Debug("Creating op-testd with config",
		"worker", config.WorkerCmd,
		"args", config.WorkerArgs,
		"workDir", config.WorkDir,
		"poolSize", config.PoolSize,
		"targets", len(config.Targets),
		"serve", config.Serve)

	registry := opmetrics.NewRegistry()
	m := metrics.NewMetrics(registry)

	env := config.workerEnv()
	p, err := pool.New(pool.Config{
		Size:          config.PoolSize,
		SpawnInterval: config.SpawnInterval,
		NewHandle: func() *worker.Handle {
			return worker.New(worker.Config{
				Command:          config.WorkerCmd,
				Args:             config.WorkerArgs,
				Dir:              config.WorkDir,
				Env:              env,
				HandshakeTimeout: config.HandshakeTimeout,
				Log:              config.Log,
			})
		},
		Log:     config.Log,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	stream := service.NewBroadcaster(config.Log)
	progress := runner.NewConsoleProgressIndicator(config.Log, config.ProgressInterval)
	orchestrator, err := runner.New(runner.Config{
		Pool:         p,
		KeepAlive:    config.KeepAlive,
		MaxDocuments: config.MaxDocuments,
		Presenter:    stream,
		Progress:     progress,
		Log:          config.Log,
		Metrics:      m,
	})
	if err != nil {
		progress.Stop()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	config.Log.Info("testd.New: created pool and orchestrator")

	return &testd{
		config:           config,
		version:          version,
		log:              config.Log,
		out:              os.Stdout,
		registry:         registry,
		metrics:          m,
		pool:             p,
		orchestrator:     orchestrator,
		progress:         progress,
		stream:           stream,
		api:              service.New(config.Log),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the configured targets. In serve mode the API is started first
// and the targets run in the background; otherwise Start returns once every
// target has settled.
// Start implements the cliapp.Lifecycle interface.
func (t *testd) Start(ctx context.Context) error {
	t.running.Store(true)

	if err := t.startMetrics(); err != nil {
		return NewRuntimeError(err)
	}

	if t.config.Serve {
		return t.serve(ctx)
	}

	t.log.Info("Starting op-testd in run-once mode", "targets", len(t.config.Targets))
	if err := t.runTargets(ctx); err != nil {
		return err
	}
	t.log.Info("Runs completed, exiting (run-once mode)")
	go t.shutdownCallback(nil)
	return nil
}

func (t *testd) startMetrics() error {
	cfg := t.config.MetricsConfig
	if !cfg.Enabled {
		return nil
	}
	t.log.Info("Starting metrics server", "addr", cfg.ListenAddr, "port", cfg.ListenPort)
	server, err := opmetrics.StartServer(t.registry, cfg.ListenAddr, cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	t.log.Info("Started metrics server", "endpoint", server.Addr())
	t.metricsServer = server
	return nil
}

func (t *testd) serve(ctx context.Context) error {
	api := service.NewAPI(ctx, t.orchestrator, t.stream, t.log)
	if err := t.api.Start(api.Handler(), t.config.APIAddr, t.config.APIPort); err != nil {
		return NewRuntimeError(err)
	}
	if err := t.pool.Init(ctx); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to warm up pool: %w", err))
	}
	for _, req := range t.config.Targets {
		info := t.orchestrator.Start(ctx, req)
		t.log.Info("Started run", "run", info.ID, "document", req.File, "line", req.Line)
	}
	t.log.Info("op-testd serving", "endpoint", t.api.Addr())
	return nil
}

// runTargets runs every target and reports the outcome. Targets of one
// document run in order since they share its results; documents run in
// parallel, bounded by the pool.
func (t *testd) runTargets(ctx context.Context) error {
	targets := t.config.Targets
	infos := make([]runner.RunInfo, len(targets))
	errs := make([]error, len(targets))

	byDoc := make(map[string][]int)
	var docs []string
	for i, req := range targets {
		if _, ok := byDoc[req.File]; !ok {
			docs = append(docs, req.File)
		}
		byDoc[req.File] = append(byDoc[req.File], i)
	}

	var wg sync.WaitGroup
	for _, doc := range docs {
		wg.Add(1)
		go func(indices []int) {
			defer wg.Done()
			for _, i := range indices {
				infos[i], errs[i] = t.orchestrator.Run(ctx, targets[i])
			}
		}(byDoc[doc])
	}
	wg.Wait()

	t.results = infos
	t.printResultsTable(infos)
	return outcome(infos, errs)
}

// outcome maps the settled runs onto the process result. Runs that could not
// execute are runtime errors; runs with failed tests and fatal document
// errors are test failures.
func outcome(infos []runner.RunInfo, errs []error) error {
	var runtimeErrs []error
	failed := 0
	for i, err := range errs {
		var fatalErr *runner.FatalRunError
		switch {
		case err == nil:
			if infos[i].Totals.Fail > 0 {
				failed++
			}
		case errors.As(err, &fatalErr):
			failed++
		default:
			runtimeErrs = append(runtimeErrs, fmt.Errorf("%s: %w", infos[i].Document, err))
		}
	}
	if len(runtimeErrs) > 0 {
		return NewRuntimeError(errors.Join(runtimeErrs...))
	}
	if failed > 0 {
		return NewTestFailureError(failed, len(infos))
	}
	return nil
}

// documentTotals sums the final totals of each document. A document's store
// is shared by its runs, so only its last run counts.
func documentTotals(infos []runner.RunInfo) types.Totals {
	last := make(map[string]types.Totals)
	for _, info := range infos {
		last[info.Document] = info.Totals
	}
	var totals types.Totals
	for _, t := range last {
		totals.Success += t.Success
		totals.Fail += t.Fail
		totals.Unknown += t.Unknown
		totals.Total += t.Total
	}
	return totals
}

// Stop stops the op-testd service. Workers are shut down before the cleanup
// command runs so nothing recreates what it removes.
// Stop implements the cliapp.Lifecycle interface.
func (t *testd) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		t.log.Info("Stopping op-testd")
		t.running.Store(false)

		var result error
		if err := t.api.Stop(ctx); err != nil {
			result = errors.Join(result, err)
		}
		if err := t.orchestrator.Shutdown(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to shut down runs: %w", err))
		}
		t.stream.Close()
		t.progress.Stop()
		if err := t.cleanup(ctx); err != nil {
			result = errors.Join(result, err)
		}
		if t.metricsServer != nil {
			if err := t.metricsServer.Stop(ctx); err != nil {
				result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
			}
		}
		t.stopErr = result
		t.log.Info("op-testd stopped")
	})
	return t.stopErr
}

// cleanup runs the cleanup command with the namespace exported.
func (t *testd) cleanup(ctx context.Context) error {
	if t.config.CleanupCmd == "" {
		return nil
	}
	t.log.Info("Running cleanup command", "cmd", t.config.CleanupCmd, "namespace", t.config.Namespace)
	cmd := exec.CommandContext(ctx, "sh", "-c", t.config.CleanupCmd)
	cmd.Dir = t.config.WorkDir
	cmd.Env = append(os.Environ(), t.config.workerEnv()...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("cleanup command failed: %w: %s", err, out)
	}
	t.log.Debug("Cleanup command finished", "output", string(out))
	return nil
}

// Stopped returns true if the op-testd service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (t *testd) Stopped() bool {
	return !t.running.Load()
}
