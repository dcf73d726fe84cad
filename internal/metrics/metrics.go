// Package metrics exposes Prometheus instruments for the repair pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "patchpilot"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	runsStarted       prometheus.Counter
	runsFinished      *prometheus.CounterVec
	runsSuperseded    prometheus.Counter
	activeRuns        prometheus.Gauge
	attempts          *prometheus.CounterVec
	repairs           *prometheus.CounterVec
	signatures        *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	executionDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the instruments with reg. A nil reg uses a fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)
	return &Metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Pipeline runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Pipeline runs finished by terminal state and failure kind.",
		}, []string{"state", "failure_kind"}),
		runsSuperseded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_superseded_total",
			Help:      "In-flight runs cancelled by a newer submission for the same task.",
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Pipeline runs currently in flight.",
		}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Executed attempts by classification.",
		}, []string{"classification"}),
		repairs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repairs_requested_total",
			Help:      "Repair requests sent to the generator, by whether the returned artifacts changed.",
		}, []string{"changed"}),
		signatures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_matches_total",
			Help:      "Failure signature matches.",
		}, []string{"signature"}),
		provisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Environment provisioning latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"outcome"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Entry process wall-clock duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"outcome"}),
		gatherer: gatherer,
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished(state string, failureKind string) {
	if m == nil {
		return
	}
	if failureKind == "" {
		failureKind = "none"
	}
	m.runsFinished.WithLabelValues(state, failureKind).Inc()
	m.activeRuns.Dec()
}

func (m *Metrics) RunSuperseded() {
	if m == nil {
		return
	}
	m.runsSuperseded.Inc()
}

func (m *Metrics) Attempt(classification string, signatures []string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(classification).Inc()
	for _, name := range signatures {
		m.signatures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) RepairRequested(changed bool) {
	if m == nil {
		return
	}
	label := "true"
	if !changed {
		label = "false"
	}
	m.repairs.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveProvision(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.provisionDuration.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

func (m *Metrics) ObserveExecution(d time.Duration, timedOut bool, exitCode int) {
	if m == nil {
		return
	}
	label := "exit_zero"
	switch {
	case timedOut:
		label = "timeout"
	case exitCode != 0:
		label = "exit_nonzero"
	}
	m.executionDuration.WithLabelValues(label).Observe(d.Seconds())
}

// Handler serves the registry this Metrics was registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
