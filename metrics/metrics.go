package metrics

import (
	"regexp"
	"strings"
	"time"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

const (
	MetricsNamespace = "op_testd"
)

var nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

// Metricer records the runtime metrics of the pool and the orchestrator.
type Metricer interface {
	RecordRun(outcome string, duration time.Duration)
	RecordEvent(eventType types.EventType)
	RecordWorkerSpawn()
	RecordWorkerDeath(reason string)
	RecordHandshakeFailure()
	RecordPool(idle, busy, waiting int)
	RecordTotals(document string, totals types.Totals)
	RecordError(label string, err error)
}

// Metrics is the prometheus-backed Metricer.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	eventsTotal       *prometheus.CounterVec
	workerSpawns      prometheus.Counter
	workerDeaths      *prometheus.CounterVec
	handshakeFailures prometheus.Counter
	poolWorkers       *prometheus.GaugeVec
	documentTests     *prometheus.GaugeVec
	errorsTotal       *prometheus.CounterVec
}

var _ Metricer = (*Metrics)(nil)

// NewMetrics registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := opmetrics.With(registry)
	return &Metrics{
		registry: registry,
		runsTotal: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "runs_total",
			Help:      "Count of finished runs by outcome",
		}, []string{"outcome"}),
		runDuration: m.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of runs by outcome",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"outcome"}),
		eventsTotal: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "events_total",
			Help:      "Count of worker events by type",
		}, []string{"type"}),
		workerSpawns: m.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "worker_spawns_total",
			Help:      "Count of worker processes spawned",
		}),
		workerDeaths: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "worker_deaths_total",
			Help:      "Count of worker processes that died, by reason",
		}, []string{"reason"}),
		handshakeFailures: m.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "handshake_failures_total",
			Help:      "Count of failed worker handshakes",
		}),
		poolWorkers: m.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "pool_workers",
			Help:      "Workers and waiters in the pool by state",
		}, []string{"state"}),
		documentTests: m.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "document_tests",
			Help:      "Tests tracked per document by state",
		}, []string{"document", "state"}),
		errorsTotal: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "errors_total",
			Help:      "Count of errors",
		}, []string{"error"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordEvent(eventType types.EventType) {
	m.eventsTotal.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) RecordWorkerSpawn() {
	m.workerSpawns.Inc()
}

func (m *Metrics) RecordWorkerDeath(reason string) {
	m.workerDeaths.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHandshakeFailure() {
	m.handshakeFailures.Inc()
}

func (m *Metrics) RecordPool(idle, busy, waiting int) {
	m.poolWorkers.WithLabelValues("idle").Set(float64(idle))
	m.poolWorkers.WithLabelValues("busy").Set(float64(busy))
	m.poolWorkers.WithLabelValues("waiting").Set(float64(waiting))
}

func (m *Metrics) RecordTotals(document string, totals types.Totals) {
	m.documentTests.WithLabelValues(document, string(types.StateSuccess)).Set(float64(totals.Success))
	m.documentTests.WithLabelValues(document, string(types.StateFail)).Set(float64(totals.Fail))
	m.documentTests.WithLabelValues(document, string(types.StateUnknown)).Set(float64(totals.Unknown))
}

// RecordError concats the error message to the label and cleans the result
// into a valid Prometheus label.
func (m *Metrics) RecordError(label string, err error) {
	if err == nil {
		return
	}
	m.errorsTotal.WithLabelValues(label + "." + errToLabel(err)).Inc()
}

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

type noopMetrics struct{}

// NoopMetrics discards everything.
var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordRun(string, time.Duration)   {}
func (noopMetrics) RecordEvent(types.EventType)       {}
func (noopMetrics) RecordWorkerSpawn()                {}
func (noopMetrics) RecordWorkerDeath(string)          {}
func (noopMetrics) RecordHandshakeFailure()           {}
func (noopMetrics) RecordPool(int, int, int)          {}
func (noopMetrics) RecordTotals(string, types.Totals) {}
func (noopMetrics) RecordError(string, error)         {}
