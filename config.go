package testd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testd/flags"
	"github.com/ethereum-optimism/infra/op-testd/testplan"
	"github.com/ethereum-optimism/infra/op-testd/types"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

// Config holds the application configuration
type Config struct {
	WorkerCmd        string
	WorkerArgs       []string
	WorkerEnv        []string // Extra KEY=VALUE entries for every worker
	WorkDir          string   // Directory workers start in, targets resolve against it
	PoolSize         int
	KeepAlive        time.Duration // Longest silence tolerated during a run
	HandshakeTimeout time.Duration
	SpawnInterval    time.Duration
	ProgressInterval time.Duration
	Namespace        string // Isolation namespace exported to workers and cleanup
	NamespaceEnv     string // Variable the namespace is exported as, empty to skip
	CleanupCmd       string // Shell command run once the pool is shut down
	PlanFile         string
	Targets          []types.RunRequest // Runs executed at startup
	Serve            bool               // Keep running with the HTTP API after the targets
	APIAddr          string
	APIPort          int
	MaxDocuments     int
	MetricsConfig    opmetrics.CLIConfig
	Log              log.Logger
}

// NewConfig creates a new Config from cli context. Positional arguments are
// run targets of the form "file" or "file:line".
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	workerCmd := ctx.String(flags.WorkerCmd.Name)
	if workerCmd == "" {
		return nil, errors.New("worker command is required")
	}
	workDir, err := filepath.Abs(ctx.String(flags.WorkDir.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for work directory '%s': %w", ctx.String(flags.WorkDir.Name), err)
	}

	workerEnv := ctx.StringSlice(flags.WorkerEnv.Name)
	for _, kv := range workerEnv {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return nil, fmt.Errorf("invalid worker environment entry %q, expected KEY=VALUE", kv)
		}
	}

	var targets []types.RunRequest
	var planFile string
	if p := ctx.String(flags.Plan.Name); p != "" {
		planFile, err = filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for plan '%s': %w", p, err)
		}
		runs, err := testplan.Load(planFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan: %w", err)
		}
		targets = append(targets, runs...)
	}
	for _, arg := range ctx.Args().Slice() {
		req, err := testplan.ParseTarget(arg)
		if err != nil {
			return nil, err
		}
		targets = append(targets, req)
	}
	for i := range targets {
		if !filepath.IsAbs(targets[i].File) {
			targets[i].File = filepath.Join(workDir, targets[i].File)
		}
	}

	serve := ctx.Bool(flags.Serve.Name)
	if !serve && len(targets) == 0 {
		return nil, errors.New("nothing to run: pass targets, a plan or --serve")
	}

	poolSize := ctx.Int(flags.PoolSize.Name)
	if poolSize < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", poolSize)
	}
	keepAlive := ctx.Duration(flags.KeepAliveTimeout.Name)
	if keepAlive <= 0 {
		return nil, fmt.Errorf("keep-alive timeout must be positive, got %v", keepAlive)
	}
	handshake := ctx.Duration(flags.HandshakeTimeout.Name)
	if handshake <= 0 {
		return nil, fmt.Errorf("handshake timeout must be positive, got %v", handshake)
	}
	if ctx.Duration(flags.SpawnInterval.Name) < 0 {
		return nil, errors.New("spawn interval must not be negative")
	}

	namespace := ctx.String(flags.Namespace.Name)
	if namespace == "" {
		namespace = fmt.Sprintf("test-%d", os.Getpid())
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	return &Config{
		WorkerCmd:        workerCmd,
		WorkerArgs:       ctx.StringSlice(flags.WorkerArgs.Name),
		WorkerEnv:        workerEnv,
		WorkDir:          workDir,
		PoolSize:         poolSize,
		KeepAlive:        keepAlive,
		HandshakeTimeout: handshake,
		SpawnInterval:    ctx.Duration(flags.SpawnInterval.Name),
		ProgressInterval: ctx.Duration(flags.ProgressInterval.Name),
		Namespace:        namespace,
		NamespaceEnv:     ctx.String(flags.NamespaceEnv.Name),
		CleanupCmd:       ctx.String(flags.CleanupCmd.Name),
		PlanFile:         planFile,
		Targets:          targets,
		Serve:            serve,
		APIAddr:          ctx.String(flags.APIAddr.Name),
		APIPort:          ctx.Int(flags.APIPort.Name),
		MaxDocuments:     ctx.Int(flags.MaxDocuments.Name),
		MetricsConfig:    metricsCfg,
		Log:              log,
	}, nil
}

// workerEnv is the environment added to every worker on top of the base
// environment.
func (c *Config) workerEnv() []string {
	env := make([]string, 0, len(c.WorkerEnv)+1)
	if c.NamespaceEnv != "" {
		env = append(env, c.NamespaceEnv+"="+c.Namespace)
	}
	return append(env, c.WorkerEnv...)
}
