// Package metrics exposes the prometheus counters and gauges the
// testable properties of the pipeline are measured against: dropped
// ticks, dropped intents, strategy-side backpressure awaits, risk
// rejections, and execution outcomes. Uses a once-initialized,
// package-scoped registry, the same shape as a component metrics
// registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every counter and gauge the pipeline emits. It is
// constructed once per process and handed by reference to each
// component that needs to record an observation.
type Registry struct {
	TicksDropped        prometheus.Counter
	IntentsDropped      prometheus.Counter
	StrategyAwaits      prometheus.Counter
	RiskRejections      prometheus.Counter
	RoutingFallbacks    prometheus.Counter
	RoutingFailures     prometheus.Counter
	ExecutionConfirmed  prometheus.Counter
	ExecutionFailed     prometheus.Counter
	ExecutionSkipped    prometheus.Counter
	InferenceFallbacks  prometheus.Counter
	EmergencyHalts      prometheus.Counter
	QueueOccupancy      *prometheus.GaugeVec
	EndToEndLatencySecs prometheus.Histogram
}

var (
	once     sync.Once
	registry *Registry
)

// Default returns the process-wide Registry, constructing and
// registering it with the default prometheus registerer on first call.
func Default() *Registry {
	once.Do(func() {
		registry = &Registry{
			TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "ingest",
				Name:      "ticks_dropped_total",
				Help:      "Total market ticks dropped because the ingest-to-strategy queue was full.",
			}),
			IntentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "pipeline",
				Name:      "intents_dropped_total",
				Help:      "Total intents dropped anywhere downstream of strategy evaluation. Should remain zero under normal backpressure.",
			}),
			StrategyAwaits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "strategy",
				Name:      "queue_awaits_total",
				Help:      "Total times a strategy blocked waiting for room in the strategy-to-risk queue.",
			}),
			RiskRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "risk",
				Name:      "rejections_total",
				Help:      "Total intents rejected by the risk gate.",
			}),
			RoutingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "router",
				Name:      "fallbacks_total",
				Help:      "Total routes resolved via the fallback wallet instead of scored selection.",
			}),
			RoutingFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "router",
				Name:      "no_suitable_wallet_total",
				Help:      "Total routing attempts that found no suitable wallet and no fallback.",
			}),
			ExecutionConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "executor",
				Name:      "results_confirmed_total",
				Help:      "Total ExecutionResults with status Confirmed.",
			}),
			ExecutionFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "executor",
				Name:      "results_failed_total",
				Help:      "Total ExecutionResults with status Failed.",
			}),
			ExecutionSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "executor",
				Name:      "results_skipped_total",
				Help:      "Total ExecutionResults with status Skipped.",
			}),
			InferenceFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "executor",
				Name:      "inference_fallbacks_total",
				Help:      "Total executions that fell back to a non-AI mode after an inference timeout, error, or malformed response.",
			}),
			EmergencyHalts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overmind",
				Subsystem: "envelope",
				Name:      "emergency_halts_total",
				Help:      "Total times a wallet transitioned into Emergency status.",
			}),
			QueueOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "overmind",
				Subsystem: "pipeline",
				Name:      "queue_occupancy",
				Help:      "Point-in-time occupancy of a named pipeline stage queue.",
			}, []string{"stage"}),
			EndToEndLatencySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "overmind",
				Subsystem: "pipeline",
				Name:      "end_to_end_latency_seconds",
				Help:      "Latency from ApprovedIntent enqueue to ExecutionResult emit.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			}),
		}
		prometheus.MustRegister(
			registry.TicksDropped,
			registry.IntentsDropped,
			registry.StrategyAwaits,
			registry.RiskRejections,
			registry.RoutingFallbacks,
			registry.RoutingFailures,
			registry.ExecutionConfirmed,
			registry.ExecutionFailed,
			registry.ExecutionSkipped,
			registry.InferenceFallbacks,
			registry.EmergencyHalts,
			registry.QueueOccupancy,
			registry.EndToEndLatencySecs,
		)
	})
	return registry
}

// RecordExecutionResult increments the execution-outcome counter
// matching status. Unknown statuses are silently ignored; the executor
// only ever emits the three tracked here.
func (r *Registry) RecordExecutionResult(status string) {
	switch status {
	case "confirmed":
		r.ExecutionConfirmed.Inc()
	case "failed":
		r.ExecutionFailed.Inc()
	case "skipped":
		r.ExecutionSkipped.Inc()
	}
}
