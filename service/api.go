package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-testd/pool"
	"github.com/ethereum-optimism/infra/op-testd/results"
	"github.com/ethereum-optimism/infra/op-testd/runner"
	"github.com/ethereum-optimism/infra/op-testd/types"
)

const maxRequestBytes = 1 << 20

// Runner is the part of the orchestrator the API exposes.
type Runner interface {
	Start(ctx context.Context, req types.RunRequest) runner.RunInfo
	Active() []runner.RunInfo
	Cancel(id string) error
	Lookup(document string) (*results.Store, bool)
	Documents() []string
	Close(document string) error
	Stats() pool.Stats
	ReinitPool(ctx context.Context) error
}

var _ Runner = (*runner.Orchestrator)(nil)

type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Details    string `json:"details"`
}

// API serves the run and result endpoints.
type API struct {
	ctx    context.Context
	runner Runner
	stream http.Handler
	log    log.Logger
}

// NewAPI creates the API. Runs started over HTTP are bound to ctx rather than
// to the request that started them.
func NewAPI(ctx context.Context, r Runner, stream http.Handler, logger log.Logger) *API {
	return &API{ctx: ctx, runner: r, stream: stream, log: logger.New("component", "api")}
}

// Handler returns the routed, CORS-wrapped handler.
func (a *API) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/pool", a.handlePool).Methods(http.MethodGet)
	v1.HandleFunc("/pool/reinit", a.handleReinitPool).Methods(http.MethodPost)
	v1.HandleFunc("/runs", a.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs", a.handleStartRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}", a.handleCancelRun).Methods(http.MethodDelete)
	v1.HandleFunc("/results", a.handleGetResults).Methods(http.MethodGet)
	v1.HandleFunc("/results", a.handleCloseResults).Methods(http.MethodDelete)
	if a.stream != nil {
		v1.Handle("/stream", a.stream).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	})
	return c.Handler(router)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		a.log.Error("failed to marshal response", "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"statusCode":500,"details":"internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		a.log.Debug("failed to write response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, details string) {
	a.writeJSON(w, status, errorResponse{StatusCode: status, Details: details})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK")) //nolint:errcheck
}

func (a *API) handlePool(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.runner.Stats())
}

func (a *API) handleReinitPool(w http.ResponseWriter, r *http.Request) {
	if err := a.runner.ReinitPool(r.Context()); err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to reinitialize pool: "+err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, a.runner.Stats())
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.runner.Active())
}

func (a *API) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid run request: "+err.Error())
		return
	}
	if req.File == "" {
		a.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	if req.Line < 0 {
		a.writeError(w, http.StatusBadRequest, "line must not be negative")
		return
	}
	info := a.runner.Start(a.ctx, req)
	a.log.Info("Run requested", "run", info.ID, "file", req.File, "line", req.Line)
	a.writeJSON(w, http.StatusAccepted, info)
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	switch err := a.runner.Cancel(id); {
	case err == nil:
		a.writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "cancelling"})
	case errors.Is(err, runner.ErrUnknownRun):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runner.ErrNotCancellable):
		a.writeError(w, http.StatusConflict, err.Error())
	default:
		a.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) handleGetResults(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		a.writeJSON(w, http.StatusOK, map[string][]string{"documents": a.runner.Documents()})
		return
	}
	store, ok := a.runner.Lookup(file)
	if !ok {
		a.writeError(w, http.StatusNotFound, "no results for "+file)
		return
	}
	a.writeJSON(w, http.StatusOK, store.Snapshot())
}

func (a *API) handleCloseResults(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		a.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	switch err := a.runner.Close(file); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, runner.ErrUnknownDocument):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runner.ErrDocumentBusy):
		a.writeError(w, http.StatusConflict, err.Error())
	default:
		a.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
