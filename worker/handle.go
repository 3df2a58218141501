// Package worker owns a single external test-runner process: it performs the
// ready/init handshake, dispatches run commands and forwards every message
// the process emits to the subscriber of the current run.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-testd/ipc"
	"github.com/ethereum-optimism/infra/op-testd/types"
)

const (
	// DefaultHandshakeTimeout bounds the ready/initComplete exchange.
	DefaultHandshakeTimeout = 30 * time.Second

	// ExecutionEnvVar tells the worker it is driven by a host.
	ExecutionEnvVar = "EXECUTION"
)

// Config describes how to launch a worker process.
type Config struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the base environment (EXECUTION, PATH).
	Env []string

	HandshakeTimeout time.Duration
	StderrTailBytes  int
	Log              log.Logger

	// CommandBuilder creates the process command; defaults to exec.Command.
	CommandBuilder func(name string, arg ...string) *exec.Cmd

	// OnStateChange observes every transition. It is called with the handle
	// lock held and must not call back into the handle.
	OnStateChange func(h *Handle, from, to State)
}

// Handle is one spawned worker process. A handle is used by at most one run
// at a time and is never reused after it dies.
type Handle struct {
	id  string
	cfg Config
	log log.Logger

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	enc       *ipc.Encoder
	handshake *flight
	sub       *subscription
	runs      int
	deathErr  error

	ready        chan struct{}
	initComplete chan struct{}
	dead         chan struct{}
	stderr       *tailBuffer
}

// flight is a single in-flight handshake shared by every Init caller.
type flight struct {
	done chan struct{}
	err  error
}

// New creates a handle in the spawning state. The process is started by the
// first Init call.
func New(cfg Config) *Handle {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.CommandBuilder == nil {
		cfg.CommandBuilder = exec.Command
	}
	id := uuid.NewString()[:8]
	return &Handle{
		id:           id,
		cfg:          cfg,
		log:          cfg.Log.New("worker", id),
		state:        StateSpawning,
		ready:        make(chan struct{}),
		initComplete: make(chan struct{}),
		dead:         make(chan struct{}),
		stderr:       newTailBuffer(cfg.StderrTailBytes),
	}
}

// ID returns the handle's short identifier.
func (h *Handle) ID() string {
	return h.id
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Alive reports whether the handle has not died.
func (h *Handle) Alive() bool {
	return h.State() != StateDead
}

// Runs returns the number of runs dispatched to this handle.
func (h *Handle) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// Done is closed when the handle dies.
func (h *Handle) Done() <-chan struct{} {
	return h.dead
}

// Err returns the cause of death, or nil while the handle is alive.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deathErr
}

// Stderr returns the retained tail of the worker's stderr.
func (h *Handle) Stderr() string {
	return h.stderr.String()
}

// PID returns the process id, or 0 if the process has not been started.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) setState(to State) {
	from := h.state
	if from == to {
		return
	}
	h.state = to
	h.log.Trace("Worker state change", "from", from, "to", to)
	if h.cfg.OnStateChange != nil {
		h.cfg.OnStateChange(h, from, to)
	}
}

// Init spawns the process and completes the handshake. Concurrent callers
// share a single attempt and all observe its outcome. A failed handshake
// kills the handle; callers must provision a new one to retry.
func (h *Handle) Init(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateDead {
		err := h.deathErr
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrDead, err)
	}
	f := h.handshake
	if f == nil {
		f = &flight{done: make(chan struct{})}
		h.handshake = f
		// The handshake outlives any single waiter.
		go h.runHandshake(context.WithoutCancel(ctx), f)
	}
	h.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (h *Handle) runHandshake(ctx context.Context, f *flight) {
	ctx, cancel := context.WithTimeoutCause(ctx, h.cfg.HandshakeTimeout,
		fmt.Errorf("%w: no handshake within %v", context.DeadlineExceeded, h.cfg.HandshakeTimeout))
	defer cancel()

	err := h.spawn(ctx)
	if err == nil {
		err = h.awaitHandshake(ctx)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrHandshake, err)
		h.log.Error("Worker initialization failed", "err", err, "stderr", h.stderr.Snippet(2048))
		h.kill(err)
	}
	f.err = err
	close(f.done)
}

func (h *Handle) spawn(ctx context.Context) error {
	env := append([]string{
		fmt.Sprintf("%s=true", ExecutionEnvVar),
		"PATH=" + os.Getenv("PATH"),
	}, h.cfg.Env...)

	cmd := h.cfg.CommandBuilder(h.cfg.Command, h.cfg.Args...)
	if h.cfg.Dir != "" {
		cmd.Dir = h.cfg.Dir
	}
	cmd.Env = telemetry.InstrumentEnvironment(ctx, env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	h.mu.Lock()
	if h.state == StateDead {
		h.mu.Unlock()
		return ErrDead
	}
	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", h.cfg.Command, err)
	}
	h.cmd = cmd
	h.stdin = stdin
	h.enc = ipc.NewEncoder(stdin)
	h.mu.Unlock()

	h.log.Debug("Worker spawned", "command", h.cfg.Command, "pid", cmd.Process.Pid, "dir", cmd.Dir)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.readMessages(stdout)
	}()
	go func() {
		defer readers.Done()
		h.drainStderr(stderr)
	}()
	go h.wait(cmd, &readers)
	return nil
}

func (h *Handle) awaitHandshake(ctx context.Context) error {
	select {
	case <-h.ready:
	case <-h.dead:
		return h.Err()
	case <-ctx.Done():
		return fmt.Errorf("waiting for ready: %w", context.Cause(ctx))
	}
	h.log.Debug("Worker ready, initializing")

	h.mu.Lock()
	if h.state != StateReady {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("unexpected state %s after ready", state)
	}
	h.setState(StateInitializing)
	enc := h.enc
	h.mu.Unlock()

	if err := enc.Send(ipc.InitCommand()); err != nil {
		return err
	}

	select {
	case <-h.initComplete:
	case <-h.dead:
		return h.Err()
	case <-ctx.Done():
		return fmt.Errorf("waiting for initComplete: %w", context.Cause(ctx))
	}
	h.log.Debug("Worker init complete")
	return nil
}

// Run dispatches a run for file, narrowed to line when non-zero, and
// forwards every message of that run to onEvent, in emission order, until
// runComplete is observed or the process dies. onEvent is never called
// after Run returns.
//
// If ctx ends first the handle is killed, since a worker abandoned mid-run
// cannot be handed to another run.
func (h *Handle) Run(ctx context.Context, file string, line int, onEvent func(*types.Event)) error {
	if err := h.Init(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	switch h.state {
	case StateIdle:
	case StateRunning:
		h.mu.Unlock()
		return ErrBusy
	case StateDead:
		err := h.deathErr
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrDead, err)
	default:
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("worker %s not ready to run in state %s", h.id, state)
	}
	sub := newSubscription(onEvent)
	h.sub = sub
	h.runs++
	h.setState(StateRunning)
	enc := h.enc
	h.mu.Unlock()

	h.log.Info("Running", "file", file, "line", line)
	if err := enc.Send(ipc.RunCommand(file, line)); err != nil {
		h.detach(sub)
		h.kill(err)
		return fmt.Errorf("%w: %w", ErrExited, err)
	}

	select {
	case <-sub.complete:
		h.log.Info("Run complete", "file", file)
		return nil
	case <-h.dead:
		h.detach(sub)
		if sub.Completed() {
			return nil
		}
		h.log.Debug("Worker exited mid-run", "file", file, "err", h.Err())
		return ErrExited
	case <-ctx.Done():
		h.detach(sub)
		h.kill(fmt.Errorf("%w: run abandoned: %w", ErrKilled, context.Cause(ctx)))
		return context.Cause(ctx)
	}
}

func (h *Handle) detach(sub *subscription) {
	h.mu.Lock()
	if h.sub == sub {
		h.sub = nil
	}
	h.mu.Unlock()
	sub.cancel()
}

// Kill terminates the process and marks the handle dead. It is safe to call
// in any state and more than once.
func (h *Handle) Kill() {
	h.kill(ErrKilled)
}

func (h *Handle) kill(cause error) {
	h.mu.Lock()
	cmd := h.cmd
	dead := h.state == StateDead
	h.mu.Unlock()
	if dead {
		return
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.log.Debug("Failed to kill worker", "err", err)
		}
	}
	h.markDead(cause)
}

func (h *Handle) markDead(cause error) {
	h.mu.Lock()
	if h.state == StateDead {
		h.mu.Unlock()
		return
	}
	from := h.state
	h.deathErr = cause
	h.setState(StateDead)
	sub := h.sub
	h.sub = nil
	stdin := h.stdin
	close(h.dead)
	h.mu.Unlock()

	if sub != nil {
		sub.cancel()
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	if errors.Is(cause, ErrKilled) {
		h.log.Debug("Worker killed", "from", from, "cause", cause)
	} else {
		h.log.Warn("Worker died", "from", from, "cause", cause, "stderr", h.stderr.Snippet(2048))
	}
}

func (h *Handle) wait(cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()
	if err == nil {
		h.markDead(fmt.Errorf("%w: exit status 0", ErrExited))
		return
	}
	h.markDead(fmt.Errorf("%w: %w", ErrExited, err))
}

func (h *Handle) readMessages(r io.Reader) {
	dec := ipc.NewDecoder(r)
	for {
		ev, err := dec.Next()
		if errors.Is(err, ipc.ErrMalformed) {
			h.log.Warn("Ignoring malformed worker message", "err", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.Debug("Worker stdout closed", "err", err)
			}
			return
		}
		h.dispatch(ev)
	}
}

func (h *Handle) dispatch(ev *types.Event) {
	if ipc.IsControl(ev.Type) {
		h.handshakeMessage(ev.Type)
		return
	}

	h.mu.Lock()
	sub := h.sub
	h.mu.Unlock()
	if sub == nil {
		h.log.Warn("Dropping message outside of a run", "type", ev.Type, "phase", ev.Phase)
		return
	}

	sub.deliver(ev)

	if ev.Type == types.EventRunComplete {
		h.mu.Lock()
		if h.sub == sub {
			h.sub = nil
			if h.state == StateRunning {
				h.setState(StateIdle)
			}
		}
		h.mu.Unlock()
		sub.finish()
	}
}

func (h *Handle) handshakeMessage(msgType types.EventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case msgType == ipc.TypeReady && h.state == StateSpawning:
		h.setState(StateReady)
		close(h.ready)
	case msgType == ipc.TypeInitComplete && h.state == StateInitializing:
		h.setState(StateIdle)
		close(h.initComplete)
	}
}

func (h *Handle) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), ipc.MaxMessageSize)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = h.stderr.Write([]byte(line + "\n"))
		h.log.Debug("worker stderr", "line", stripansi.Strip(line))
	}
}
