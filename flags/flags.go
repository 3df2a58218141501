package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_TESTD"

var (
	WorkerCmd = &cli.StringFlag{
		Name:     "worker.cmd",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "WORKER_CMD"),
		Usage:    "Command that starts a test worker (eg. 'node')",
	}
	WorkerArgs = &cli.StringSliceFlag{
		Name:    "worker.args",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKER_ARGS"),
		Usage:   "Arguments passed to the worker command (eg. 'out/worker.js')",
	}
	WorkerEnv = &cli.StringSliceFlag{
		Name:    "worker.env",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKER_ENV"),
		Usage:   "Extra KEY=VALUE entries added to the worker environment",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   ".",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKDIR"),
		Usage:   "Directory workers are started in and run targets are resolved against",
	}
	PoolSize = &cli.IntFlag{
		Name:    "pool-size",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POOL_SIZE"),
		Usage:   "Maximum number of live workers",
	}
	KeepAliveTimeout = &cli.DurationFlag{
		Name:    "keepalive-timeout",
		Value:   20 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "KEEPALIVE_TIMEOUT"),
		Usage:   "Longest a worker may stay silent during a run before it is killed",
	}
	HandshakeTimeout = &cli.DurationFlag{
		Name:    "handshake-timeout",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HANDSHAKE_TIMEOUT"),
		Usage:   "Longest a new worker may take to become ready",
	}
	SpawnInterval = &cli.DurationFlag{
		Name:    "spawn-interval",
		Value:   250 * time.Millisecond,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SPAWN_INTERVAL"),
		Usage:   "Minimum gap between worker spawns. Set to 0 to disable.",
	}
	Namespace = &cli.StringFlag{
		Name:    "namespace",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NAMESPACE"),
		Usage:   "Isolation namespace handed to workers and the cleanup command (default 'test-<pid>')",
	}
	NamespaceEnv = &cli.StringFlag{
		Name:    "namespace-env",
		Value:   "DOCKER_NS",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NAMESPACE_ENV"),
		Usage:   "Environment variable the namespace is exported as",
	}
	CleanupCmd = &cli.StringFlag{
		Name:    "cleanup.cmd",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CLEANUP_CMD"),
		Usage:   "Command run at shutdown to release resources created under the namespace",
	}
	Plan = &cli.StringFlag{
		Name:    "plan",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PLAN"),
		Usage:   "Path to a YAML run plan (eg. 'plan.yaml')",
	}
	Serve = &cli.BoolFlag{
		Name:    "serve",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SERVE"),
		Usage:   "Keep running and accept runs over the HTTP API",
	}
	APIAddr = &cli.StringFlag{
		Name:    "api.addr",
		Value:   "0.0.0.0",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_ADDR"),
		Usage:   "HTTP API listening address",
	}
	APIPort = &cli.IntFlag{
		Name:    "api.port",
		Value:   8080,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_PORT"),
		Usage:   "HTTP API listening port",
	}
	MaxDocuments = &cli.IntFlag{
		Name:    "max-documents",
		Value:   64,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_DOCUMENTS"),
		Usage:   "Number of documents whose results are kept before the least recently used is dropped",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress summaries of in-flight runs",
	}
)

var requiredFlags = []cli.Flag{
	WorkerCmd,
}

var optionalFlags = []cli.Flag{
	WorkerArgs,
	WorkerEnv,
	WorkDir,
	PoolSize,
	KeepAliveTimeout,
	HandshakeTimeout,
	SpawnInterval,
	Namespace,
	NamespaceEnv,
	CleanupCmd,
	Plan,
	Serve,
	APIAddr,
	APIPort,
	MaxDocuments,
	ProgressInterval,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
