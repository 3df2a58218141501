// Package runner drives runs: it resolves what a request targets, borrows a
// worker from the pool, races the run against its keep-alive timeout and
// cancellation, and feeds the event stream into the document's result store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testd/metrics"
	"github.com/ethereum-optimism/infra/op-testd/pool"
	"github.com/ethereum-optimism/infra/op-testd/results"
	"github.com/ethereum-optimism/infra/op-testd/timeout"
	"github.com/ethereum-optimism/infra/op-testd/types"
	"github.com/ethereum-optimism/infra/op-testd/worker"
)

const (
	// DefaultKeepAlive is the longest a worker may stay silent during a run.
	DefaultKeepAlive = 20 * time.Second

	DefaultMaxDocuments = 64
)

// Executor runs tasks on pooled worker handles.
type Executor interface {
	Run(ctx context.Context, task pool.Task) error
	Init(ctx context.Context) error
	Reinit(ctx context.Context) error
	Shutdown()
	Stats() pool.Stats
}

var _ Executor = (*pool.Pool)(nil)

// Config configures an Orchestrator.
type Config struct {
	Pool         Executor
	KeepAlive    time.Duration
	MaxDocuments int
	Source       SourceMapper
	Presenter    results.Presenter
	Progress     ProgressIndicator
	Log          log.Logger
	Metrics      metrics.Metricer
}

type Orchestrator struct {
	pool      Executor
	keepAlive time.Duration
	source    SourceMapper
	presenter results.Presenter
	progress  ProgressIndicator
	log       log.Logger
	metrics   metrics.Metricer
	tracer    trace.Tracer

	// docsMu guards docs and pinned. Every docs call that can evict runs
	// under it, so the eviction callback reads pinned without locking.
	docsMu sync.Mutex
	docs   *lru.Cache[string, *results.Store]
	pinned map[string]*pinnedStore

	runsMu sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Pool == nil {
		return nil, errors.New("orchestrator requires a pool")
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = DefaultMaxDocuments
	}
	if cfg.Source == nil {
		cfg.Source = NopSourceMapper
	}
	if cfg.Presenter == nil {
		cfg.Presenter = results.NopPresenter
	}
	if cfg.Progress == nil {
		cfg.Progress = NewNoOpProgressIndicator()
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopMetrics
	}

	o := &Orchestrator{
		pool:      cfg.Pool,
		keepAlive: cfg.KeepAlive,
		source:    cfg.Source,
		presenter: cfg.Presenter,
		progress:  cfg.Progress,
		log:       cfg.Log.New("component", "runner"),
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer("test runner"),
		pinned:    make(map[string]*pinnedStore),
		runs:      make(map[string]*run),
	}
	docs, err := lru.NewWithEvict(cfg.MaxDocuments, func(document string, store *results.Store) {
		if _, ok := o.pinned[document]; ok {
			// Released by the last run to unpin it.
			return
		}
		o.log.Debug("Releasing document results", "document", document)
		store.ResetAll()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document cache: %w", err)
	}
	o.docs = docs
	return o, nil
}

// pinnedStore is a store with runs in flight.
type pinnedStore struct {
	store *results.Store
	runs  int
}

// Results returns the store for document, creating it on first use. Every
// run of a document shares the same store.
func (o *Orchestrator) Results(document string) *results.Store {
	o.docsMu.Lock()
	defer o.docsMu.Unlock()
	return o.resultsLocked(document)
}

func (o *Orchestrator) resultsLocked(document string) *results.Store {
	if s, ok := o.docs.Get(document); ok {
		return s
	}
	if p, ok := o.pinned[document]; ok {
		// Evicted while a run holds it.
		o.docs.Add(document, p.store)
		return p.store
	}
	s := results.NewStore(document,
		results.WithPresenter(o.presenter),
		results.WithSuiteLocator(suiteLocator(o.source)),
		results.WithLogger(o.log),
	)
	o.docs.Add(document, s)
	return s
}

// pin returns the store for document and keeps it from being closed or
// released until unpin is called.
func (o *Orchestrator) pin(document string) (*results.Store, func()) {
	o.docsMu.Lock()
	defer o.docsMu.Unlock()
	s := o.resultsLocked(document)
	p, ok := o.pinned[document]
	if !ok {
		p = &pinnedStore{store: s}
		o.pinned[document] = p
	}
	p.runs++
	return s, func() {
		o.docsMu.Lock()
		defer o.docsMu.Unlock()
		p.runs--
		if p.runs > 0 {
			return
		}
		delete(o.pinned, document)
		if cached, ok := o.docs.Peek(document); !ok || cached != p.store {
			o.log.Debug("Releasing document results", "document", document)
			p.store.ResetAll()
		}
	}
}

// Lookup returns the store for document if one exists.
func (o *Orchestrator) Lookup(document string) (*results.Store, bool) {
	return o.docs.Peek(document)
}

// Documents lists the documents with results, most recently used last.
func (o *Orchestrator) Documents() []string {
	return o.docs.Keys()
}

// Close releases everything held for document. Documents with runs in
// flight cannot be closed.
func (o *Orchestrator) Close(document string) error {
	o.docsMu.Lock()
	defer o.docsMu.Unlock()
	if _, ok := o.pinned[document]; ok {
		return fmt.Errorf("%w: %s", ErrDocumentBusy, document)
	}
	if !o.docs.Remove(document) {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, document)
	}
	return nil
}

// Run executes req and waits for it to settle.
func (o *Orchestrator) Run(ctx context.Context, req types.RunRequest) (RunInfo, error) {
	r := o.register(req)
	err := o.execute(ctx, r, req)
	return r.snapshot(), err
}

// Start executes req in the background and returns as soon as the run is
// registered. The run is bound to ctx.
func (o *Orchestrator) Start(ctx context.Context, req types.RunRequest) RunInfo {
	r := o.register(req)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.execute(ctx, r, req)
	}()
	return r.snapshot()
}

// Wait blocks until every run started with Start has settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) register(req types.RunRequest) *run {
	r := &run{
		canceller: timeout.NewCanceller(),
		info: RunInfo{
			ID:          uuid.NewString(),
			Document:    req.File,
			Title:       Title(req.File, Scope{}),
			Requested:   req.Line,
			Line:        max(req.Line, 0),
			State:       RunPending,
			Started:     time.Now(),
		},
	}
	o.runsMu.Lock()
	o.runs[r.info.ID] = r
	o.runsMu.Unlock()
	return r
}

func (o *Orchestrator) execute(ctx context.Context, r *run, req types.RunRequest) error {
	defer func() {
		o.runsMu.Lock()
		delete(o.runs, r.info.ID)
		o.runsMu.Unlock()
	}()

	store, unpin := o.pin(req.File)
	defer unpin()

	line := max(req.Line, 0)
	if req.WholeFile() || store.HasTotalError() {
		// Nothing recorded for the document can be trusted, rerun all of it.
		line = 0
	}

	scope, err := o.source.Lookup(req.File, line)
	if err != nil {
		o.log.Warn("Failed to resolve run scope", "document", req.File, "line", line, "err", err)
		scope = Scope{}
	}
	if scope.Suite == nil {
		store.ResetAll()
	}
	methodScoped := scope.Method != nil

	info := r.resolve(func(i *RunInfo) {
		i.Line = line
		i.Scope = scope
		i.Title = Title(req.File, scope)
		i.Cancellable = !methodScoped
		i.State = RunAcquiringWorker
	})

	ctx, span := o.tracer.Start(ctx, fmt.Sprintf("run %s", info.Title))
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", info.ID),
		attribute.String("run.document", req.File),
		attribute.Int("run.line", line),
	)

	o.progress.StartRun(info)
	o.log.Info("Starting run", "run", info.ID, "document", req.File, "line", line, "requested", req.Line, "title", info.Title)

	// Cancel ends the wait for a worker. Once the task holds one, race
	// settles the run instead.
	waitCtx, abortWait := context.WithCancelCause(ctx)
	defer abortWait(nil)
	acquired := make(chan struct{})
	go func() {
		select {
		case <-r.canceller.Done():
			abortWait(ErrCancelled)
		case <-acquired:
		case <-waitCtx.Done():
		}
	}()

	err = o.pool.Run(waitCtx, func(ctx context.Context, h *worker.Handle) error {
		close(acquired)
		if r.canceller.Cancelled() {
			// The handle is untouched and goes back to the pool.
			return ErrCancelled
		}
		running := r.update(func(i *RunInfo) {
			i.State = RunRunning
			i.Worker = h.ID()
		})
		span.SetAttributes(attribute.String("run.worker", h.ID()))
		return o.race(ctx, r, running, h, store, line, methodScoped)
	})

	totals := store.Totals()
	final := r.update(func(i *RunInfo) {
		i.State = stateFor(err)
		i.Finished = time.Now()
		i.Totals = totals
		if err != nil {
			i.Error = err.Error()
		}
	})
	o.metrics.RecordRun(string(final.State), final.Duration())
	o.metrics.RecordTotals(req.File, totals)
	o.progress.CompleteRun(final)

	switch {
	case err == nil:
		color := ColorSuccess
		if totals.Fail > 0 {
			color = ColorFail
		}
		o.progress.SetStatus(fmt.Sprintf("Success %d, Failed %d", totals.Success, totals.Fail), color)
	case errors.Is(err, ErrCancelled):
		o.progress.SetStatus("Cancelled", ColorNeutral)
		o.log.Info("Run cancelled", "run", final.ID, "document", req.File)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordError("run", err)
		o.progress.SetStatus(fmt.Sprintf("Error has occurred: %s", errorMessage(err)), ColorFail)
		if errors.Is(err, worker.ErrExited) {
			o.log.Debug("Run incomplete, worker exited", "run", final.ID, "document", req.File, "err", err)
		} else {
			o.log.Error("Run failed", "run", final.ID, "document", req.File, "state", final.State, "err", err)
		}
	}
	return err
}

// race waits for the run on h to finish, for the worker to go silent for the
// keep-alive window, for cancellation, or for ctx, whichever comes first.
// Once settled no further event reaches the store.
func (o *Orchestrator) race(ctx context.Context, r *run, info RunInfo, h *worker.Handle, store *results.Store, line int, methodScoped bool) error {
	keepAlive := timeout.NewExtendable(o.keepAlive)
	defer keepAlive.Stop()

	var (
		mu      sync.Mutex
		settled bool
		fatal   error
	)
	settle := func() {
		mu.Lock()
		settled = true
		mu.Unlock()
	}

	onEvent := func(ev *types.Event) {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return
		}
		keepAlive.Extend()
		o.metrics.RecordEvent(ev.Type)

		if ev.Type == types.EventRunComplete {
			switch {
			case ev.Error != nil:
				store.ResetAll()
				store.SetTotalError(ev.Error)
				fatal = &FatalRunError{Err: ev.Error}
			case line == 0:
				store.ClearTotalError()
			}
		} else if err := store.OnEvent(ev, line); err != nil {
			o.log.Warn("Ignoring event", "run", info.ID, "type", ev.Type, "phase", ev.Phase, "err", err)
		}

		if !methodScoped {
			totals := store.Totals()
			o.progress.ReportProgress(info, fmt.Sprintf("Tests: Success %d, Failed %d", totals.Success, totals.Fail))
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx, info.Document, line, onEvent)
	}()

	select {
	case err := <-done:
		settle()
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return fatal
	case <-keepAlive.Done():
		settle()
		h.Kill()
		return fmt.Errorf("%w: no message for %v", ErrTimeout, o.keepAlive)
	case <-r.canceller.Done():
		settle()
		h.Kill()
		return ErrCancelled
	case <-ctx.Done():
		settle()
		h.Kill()
		return context.Cause(ctx)
	}
}

// Active lists the runs that have not settled, oldest first.
func (o *Orchestrator) Active() []RunInfo {
	o.runsMu.Lock()
	out := make([]RunInfo, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.snapshot())
	}
	o.runsMu.Unlock()
	slices.SortFunc(out, func(a, b RunInfo) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Cancel stops an in-flight run. Runs scoped to a single test cannot be
// cancelled. A run whose scope is not resolved yet is cancelled once it is,
// if it turns out to be cancellable.
func (o *Orchestrator) Cancel(id string) error {
	o.runsMu.Lock()
	r, ok := o.runs[id]
	o.runsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return r.cancel()
}

// Stats returns the pool's occupancy.
func (o *Orchestrator) Stats() pool.Stats {
	return o.pool.Stats()
}

// ReinitPool replaces every worker with a fresh, pre-warmed set.
func (o *Orchestrator) ReinitPool(ctx context.Context) error {
	o.log.Info("Reinitializing worker pool")
	return o.pool.Reinit(ctx)
}

// Shutdown stops the pool, which fails every in-flight and queued run, and
// waits for background runs to settle or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.log.Debug("Shutting down")
	o.pool.Shutdown()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorMessage(err error) string {
	var remote *types.RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		return remote.Message
	}
	return err.Error()
}
