package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testd/pool"
	"github.com/ethereum-optimism/infra/op-testd/results"
	"github.com/ethereum-optimism/infra/op-testd/runner"
	"github.com/ethereum-optimism/infra/op-testd/types"
)

type fakeRunner struct {
	mu        sync.Mutex
	started   []types.RunRequest
	active    []runner.RunInfo
	cancelErr error
	cancelled []string
	stores    map[string]*results.Store
	closed    []string
	busy      map[string]bool
	reinits   int
	reinitErr error
}

func (f *fakeRunner) Start(_ context.Context, req types.RunRequest) runner.RunInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return runner.RunInfo{ID: "run-1", Document: req.File, Line: req.Line, State: runner.RunPending}
}

func (f *fakeRunner) Active() []runner.RunInfo {
	return f.active
}

func (f *fakeRunner) Cancel(id string) error {
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

func (f *fakeRunner) Lookup(document string) (*results.Store, bool) {
	s, ok := f.stores[document]
	return s, ok
}

func (f *fakeRunner) Documents() []string {
	out := make([]string, 0, len(f.stores))
	for k := range f.stores {
		out = append(out, k)
	}
	return out
}

func (f *fakeRunner) Close(document string) error {
	if f.busy[document] {
		return fmt.Errorf("%w: %s", runner.ErrDocumentBusy, document)
	}
	_, ok := f.stores[document]
	delete(f.stores, document)
	f.closed = append(f.closed, document)
	if !ok {
		return fmt.Errorf("%w: %s", runner.ErrUnknownDocument, document)
	}
	return nil
}

func (f *fakeRunner) Stats() pool.Stats {
	return pool.Stats{Capacity: 2, Idle: 1, Busy: 1, Generation: 3}
}

func (f *fakeRunner) ReinitPool(context.Context) error {
	f.reinits++
	return f.reinitErr
}

func newTestAPI(t *testing.T) (*fakeRunner, http.Handler) {
	t.Helper()
	store := results.NewStore("a.ts")
	require.NoError(t, store.OnEvent(&types.Event{
		Type: types.EventTest, Phase: types.PhaseBefore,
		Test: &types.Test{ClassName: "A", MethodName: "m1", Lines: types.Lines{Start: 2, End: 4}},
	}, 0))
	f := &fakeRunner{stores: map[string]*results.Store{"a.ts": store}}
	api := NewAPI(context.Background(), f, nil, log.NewLogger(log.DiscardHandler()))
	return f, api.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, h := newTestAPI(t)
	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestPoolStats(t *testing.T) {
	_, h := newTestAPI(t)
	rec := do(t, h, http.MethodGet, "/api/v1/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats pool.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, pool.Stats{Capacity: 2, Idle: 1, Busy: 1, Generation: 3}, stats)
}

func TestReinitPool(t *testing.T) {
	f, h := newTestAPI(t)
	rec := do(t, h, http.MethodPost, "/api/v1/pool/reinit", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.reinits)

	f.reinitErr = errors.New("spawn failed")
	rec = do(t, h, http.MethodPost, "/api/v1/pool/reinit", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "spawn failed")
}

func TestStartRun(t *testing.T) {
	f, h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/v1/runs", `{"file":"a.ts","line":3}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var info runner.RunInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "run-1", info.ID)
	assert.Equal(t, []types.RunRequest{{File: "a.ts", Line: 3}}, f.started)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing file", body: `{"line":3}`},
		{name: "negative line", body: `{"file":"a.ts","line":-1}`},
		{name: "unknown field", body: `{"file":"a.ts","class":3}`},
		{name: "not json", body: `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Len(t, f.started, 1)
}

func TestListRuns(t *testing.T) {
	f, h := newTestAPI(t)
	f.active = []runner.RunInfo{{ID: "r1", State: runner.RunRunning}}

	rec := do(t, h, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []runner.RunInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runner.RunRunning, runs[0].State)
}

func TestCancelRun(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "ok", status: http.StatusOK},
		{name: "unknown", err: runner.ErrUnknownRun, status: http.StatusNotFound},
		{name: "not cancellable", err: runner.ErrNotCancellable, status: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, h := newTestAPI(t)
			f.cancelErr = tt.err
			rec := do(t, h, http.MethodDelete, "/api/v1/runs/r1", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, []string{"r1"}, f.cancelled)
		})
	}
}

func TestResults(t *testing.T) {
	f, h := newTestAPI(t)

	rec := do(t, h, http.MethodGet, "/api/v1/results?file=a.ts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap results.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "a.ts", snap.Document)
	assert.Equal(t, types.Totals{Unknown: 1, Total: 1}, snap.Totals)
	require.Len(t, snap.Tests, 1)
	assert.Equal(t, "A:m1", snap.Tests[0].Key)

	rec = do(t, h, http.MethodGet, "/api/v1/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documents":["a.ts"]}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/results?file=b.ts", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.busy = map[string]bool{"a.ts": true}
	rec = do(t, h, http.MethodDelete, "/api/v1/results?file=a.ts", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "document has runs in flight")
	f.busy = nil

	rec = do(t, h, http.MethodDelete, "/api/v1/results?file=a.ts", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"a.ts"}, f.closed)

	rec = do(t, h, http.MethodDelete, "/api/v1/results?file=a.ts", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/results", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := newTestAPI(t)
	rec := do(t, h, http.MethodPut, "/api/v1/runs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
