// Package pool hands out worker handles to runs. At most Size handles exist
// per generation, each serving one run at a time; callers beyond capacity
// wait in FIFO order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/infra/op-testd/metrics"
	"github.com/ethereum-optimism/infra/op-testd/worker"
)

// ErrShutdown is returned to callers queued or arriving after Shutdown.
var ErrShutdown = errors.New("pool is shut down")

// Task runs against an exclusively held, initialized handle.
type Task func(ctx context.Context, h *worker.Handle) error

// Config configures a Pool.
type Config struct {
	// Size is the maximum number of live handles.
	Size int
	// SpawnInterval is the minimum gap between spawns; zero disables limiting.
	SpawnInterval time.Duration
	// NewHandle creates an unstarted handle.
	NewHandle func() *worker.Handle

	Log     log.Logger
	Metrics metrics.Metricer
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity   int    `json:"capacity"`
	Idle       int    `json:"idle"`
	Busy       int    `json:"busy"`
	Waiting    int    `json:"waiting"`
	Generation uint64 `json:"generation"`
}

// generation is one Init..Shutdown cycle of the pool.
type generation struct {
	id     uint64
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type Pool struct {
	cfg     Config
	log     log.Logger
	metrics metrics.Metricer
	limiter *rate.Limiter

	mu      sync.Mutex
	gen     *generation
	closed  bool
	idle    []*worker.Handle
	busy    map[*worker.Handle]struct{}
	waiting int
}

// New creates a pool. No handles are spawned until the first Run or Init.
func New(cfg Config) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}
	if cfg.NewHandle == nil {
		return nil, errors.New("pool requires a handle factory")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopMetrics
	}
	limit := rate.Inf
	if cfg.SpawnInterval > 0 {
		limit = rate.Every(cfg.SpawnInterval)
	}
	p := &Pool{
		cfg:     cfg,
		log:     cfg.Log.New("component", "pool"),
		metrics: cfg.Metrics,
		limiter: rate.NewLimiter(limit, 1),
		busy:    make(map[*worker.Handle]struct{}),
	}
	p.gen = p.newGeneration(1)
	return p, nil
}

func (p *Pool) newGeneration(id uint64) *generation {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &generation{
		id:     id,
		sem:    semaphore.NewWeighted(int64(p.cfg.Size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run executes task on an idle handle, spawning one if none is idle and
// capacity allows, otherwise waiting for one to free up. The handle is
// returned to the idle set afterwards unless it died or the pool was shut
// down in the meantime.
func (p *Pool) Run(ctx context.Context, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	gen := p.gen
	p.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(gen.ctx, func() { cancel(ErrShutdown) })
	defer stop()

	p.adjustWaiting(1)
	err := gen.sem.Acquire(ctx, 1)
	p.adjustWaiting(-1)
	if err != nil {
		return context.Cause(ctx)
	}
	defer gen.sem.Release(1)

	h, err := p.checkout(ctx, gen)
	if err != nil {
		return err
	}
	defer p.checkin(h, gen)

	if err := h.Init(ctx); err != nil {
		if errors.Is(err, worker.ErrHandshake) {
			p.metrics.RecordHandshakeFailure()
		}
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("failed to initialize worker %s: %w", h.ID(), err)
	}
	return task(ctx, h)
}

func (p *Pool) checkout(ctx context.Context, gen *generation) (*worker.Handle, error) {
	for {
		p.mu.Lock()
		if h := p.takeIdleLocked(); h != nil {
			p.mu.Unlock()
			return h, nil
		}
		p.mu.Unlock()

		if err := p.limiter.Wait(ctx); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return nil, cause
			}
			return nil, err
		}

		h := p.cfg.NewHandle()
		p.metrics.RecordWorkerSpawn()

		p.mu.Lock()
		if p.closed || p.gen != gen {
			p.mu.Unlock()
			h.Kill()
			return nil, ErrShutdown
		}
		if p.liveLocked() >= p.cfg.Size {
			// An Init top-up filled the slot while we waited to spawn.
			p.mu.Unlock()
			h.Kill()
			continue
		}
		p.busy[h] = struct{}{}
		p.recordLocked()
		p.mu.Unlock()
		p.log.Debug("Spawned worker", "worker", h.ID(), "generation", gen.id)
		return h, nil
	}
}

// takeIdleLocked moves the first live idle handle to the busy set.
func (p *Pool) takeIdleLocked() *worker.Handle {
	for len(p.idle) > 0 {
		h := p.idle[0]
		p.idle = p.idle[1:]
		if !h.Alive() {
			p.dropLocked(h)
			continue
		}
		p.busy[h] = struct{}{}
		p.recordLocked()
		return h
	}
	return nil
}

func (p *Pool) liveLocked() int {
	return len(p.idle) + len(p.busy)
}

func (p *Pool) checkin(h *worker.Handle, gen *generation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[h]; !ok {
		// Checked out before a shutdown that already killed it.
		h.Kill()
		return
	}
	delete(p.busy, h)
	if h.State() == worker.StateIdle && !p.closed && p.gen == gen && p.liveLocked() < p.cfg.Size {
		p.idle = append(p.idle, h)
		p.recordLocked()
		return
	}
	// A handle left in any other state cannot be trusted with another run,
	// and one beyond capacity is surplus.
	h.Kill()
	p.dropLocked(h)
}

func (p *Pool) dropLocked(h *worker.Handle) {
	reason := "killed"
	switch err := h.Err(); {
	case errors.Is(err, worker.ErrHandshake):
		reason = "handshake"
	case errors.Is(err, worker.ErrExited):
		reason = "exited"
	}
	p.metrics.RecordWorkerDeath(reason)
	p.recordLocked()
	p.log.Debug("Dropped worker", "worker", h.ID(), "reason", reason, "runs", h.Runs())
}

func (p *Pool) adjustWaiting(n int) {
	p.mu.Lock()
	p.waiting += n
	p.recordLocked()
	p.mu.Unlock()
}

func (p *Pool) recordLocked() {
	p.metrics.RecordPool(len(p.idle), len(p.busy), p.waiting)
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:   p.cfg.Size,
		Idle:       len(p.idle),
		Busy:       len(p.busy),
		Waiting:    p.waiting,
		Generation: p.gen.id,
	}
}

// Shutdown kills every handle and fails every queued and future Run with
// ErrShutdown until Init is called.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	gen := p.gen
	handles := make([]*worker.Handle, 0, len(p.idle)+len(p.busy))
	handles = append(handles, p.idle...)
	for h := range p.busy {
		handles = append(handles, h)
	}
	p.idle = nil
	p.busy = make(map[*worker.Handle]struct{})
	p.recordLocked()
	p.mu.Unlock()

	gen.cancel(ErrShutdown)
	for _, h := range handles {
		h.Kill()
	}
	p.log.Info("Pool shut down", "generation", gen.id, "killed", len(handles))
}

// Init opens the pool for runs and eagerly provisions Size handles, starting
// their handshakes in the background. Calling Init on an open pool only tops
// the idle set up to Size.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.gen = p.newGeneration(p.gen.id + 1)
		p.closed = false
	}
	gen := p.gen
	missing := p.cfg.Size - p.liveLocked()
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		h := p.cfg.NewHandle()
		p.metrics.RecordWorkerSpawn()

		p.mu.Lock()
		if p.closed || p.gen != gen || p.liveLocked() >= p.cfg.Size {
			p.mu.Unlock()
			h.Kill()
			return nil
		}
		p.idle = append(p.idle, h)
		p.recordLocked()
		p.mu.Unlock()

		go func() {
			if err := h.Init(gen.ctx); err != nil {
				p.log.Warn("Eager worker initialization failed", "worker", h.ID(), "err", err)
			}
		}()
	}
	p.log.Info("Pool initialized", "generation", gen.id, "size", p.cfg.Size, "spawned", max(missing, 0))
	return nil
}

// Reinit shuts the pool down and provisions a fresh generation.
func (p *Pool) Reinit(ctx context.Context) error {
	p.Shutdown()
	return p.Init(ctx)
}
