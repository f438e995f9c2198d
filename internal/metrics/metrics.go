// Package metrics exposes the pipeline orchestrator's per-stage counts and
// durations as Prometheus metrics, scraped from /metrics. The rest of the
// pack converges on prometheus/client_golang for exactly this job
// (marcus-qen-legator's controller-runtime-style reconcile-loop metrics);
// this package gives the orchestrator's totalDurationMs the same
// testable, scrapeable surface rather than stopping at a struct field the
// caller has to read and discard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the process's collectors. One Registry is shared across
// every Pipeline/Executor/ActionRun service in a node process.
type Registry struct {
	ObservationsProcessed *prometheus.CounterVec
	ObservationDuration   *prometheus.HistogramVec
	EffectsExecuted       *prometheus.CounterVec
	ActionRunsByStatus    *prometheus.CounterVec
	ReplayDivergences     prometheus.Counter
}

// New registers every collector against reg (pass prometheus.NewRegistry()
// for test isolation, or prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ObservationsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canon",
			Name:      "observations_processed_total",
			Help:      "Observations processed by processObservation, labeled by outcome.",
		}, []string{"outcome"}),
		ObservationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canon",
			Name:      "observation_duration_seconds",
			Help:      "processObservation wall-clock duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		EffectsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canon",
			Name:      "effects_executed_total",
			Help:      "Effects executed by the executor, labeled by effect type and result.",
		}, []string{"effect_type", "result"}),
		ActionRunsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canon",
			Name:      "action_runs_total",
			Help:      "Action runs created, labeled by the status they reached.",
		}, []string{"status"}),
		ReplayDivergences: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "canon",
			Name:      "replay_entity_divergences_total",
			Help:      "Entities whose replayed state diverged from stored state across all replay.Driver.Run calls.",
		}),
	}
}

// ObserveObservation records one processObservation call's outcome and
// duration.
func (r *Registry) ObserveObservation(outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.ObservationsProcessed.WithLabelValues(outcome).Inc()
	r.ObservationDuration.WithLabelValues(outcome).Observe(seconds)
}

// ObserveEffect records one effect execution result.
func (r *Registry) ObserveEffect(effectType, result string) {
	if r == nil {
		return
	}
	r.EffectsExecuted.WithLabelValues(effectType, result).Inc()
}

// ObserveActionRun records the status an action run reached.
func (r *Registry) ObserveActionRun(status string) {
	if r == nil {
		return
	}
	r.ActionRunsByStatus.WithLabelValues(status).Inc()
}

// ObserveReplayDivergences adds n to the replay divergence counter.
func (r *Registry) ObserveReplayDivergences(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.ReplayDivergences.Add(float64(n))
}
