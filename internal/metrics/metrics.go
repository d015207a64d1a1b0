package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the generation core.
type Metrics struct {
	// Execution metrics
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionsInFlight prometheus.Gauge
	ExecutionDuration  *prometheus.HistogramVec
	StageDuration      *prometheus.HistogramVec
	RetriesTotal       prometheus.Counter
	SafetyVetoes       prometheus.Counter

	// Quality metrics
	QualityScore *prometheus.HistogramVec
	AutoFixes    prometheus.Counter

	// Swarm metrics
	PoolWorkers      prometheus.Gauge
	PoolCheckedOut   prometheus.Gauge
	TasksDispatched  *prometheus.CounterVec
	ConsensusRounds  *prometheus.CounterVec
	WorkerRedispatch prometheus.Counter

	// Progress metrics
	EventsPublished  prometheus.Counter
	TransportErrors  prometheus.Counter
	ReplayRequests   prometheus.Counter

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderTokens   prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration is
// process-wide, so repeated calls return the same set.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "edforge_executions_total",
					Help: "Total pipeline executions by terminal state",
				},
				[]string{"state"},
			),
			ExecutionsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "edforge_executions_in_flight",
					Help: "Executions currently between submit and terminal state",
				},
			),
			ExecutionDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "edforge_execution_duration_seconds",
					Help:    "End-to-end execution duration",
					Buckets: prometheus.ExponentialBuckets(1, 2, 10),
				},
				[]string{"state"},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "edforge_stage_duration_seconds",
					Help:    "Duration of individual pipeline stages",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
				[]string{"stage"},
			),
			RetriesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "edforge_remediation_retries_total",
					Help: "Remediation attempts consumed across executions",
				},
			),
			SafetyVetoes: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "edforge_safety_vetoes_total",
					Help: "Executions failed by the safety hard veto",
				},
			),
			QualityScore: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "edforge_quality_score",
					Help:    "Quality scores per dimension",
					Buckets: prometheus.LinearBuckets(0, 0.1, 11),
				},
				[]string{"dimension"},
			),
			AutoFixes: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "edforge_auto_fixes_total",
					Help: "Auto-fix transformations applied",
				},
			),
			PoolWorkers: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "edforge_pool_workers",
					Help: "Fixed worker pool size",
				},
			),
			PoolCheckedOut: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "edforge_pool_checked_out",
					Help: "Workers currently checked out",
				},
			),
			TasksDispatched: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "edforge_tasks_dispatched_total",
					Help: "Swarm sub-tasks dispatched by capability",
				},
				[]string{"capability", "result"},
			),
			ConsensusRounds: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "edforge_consensus_rounds_total",
					Help: "Consensus rounds by outcome",
				},
				[]string{"outcome"},
			),
			WorkerRedispatch: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "edforge_worker_redispatch_total",
					Help: "Sub-tasks redispatched after worker failure or timeout",
				},
			),
			EventsPublished: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "edforge_progress_events_total",
					Help: "Progress events published",
				},
			),
			TransportErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "edforge_progress_transport_errors_total",
					Help: "Progress transport publish failures",
				},
			),
			ReplayRequests: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "edforge_progress_replay_requests_total",
					Help: "Event replay requests from reconnecting subscribers",
				},
			),
			ProviderRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "edforge_provider_requests_total",
					Help: "Generation capability calls by result",
				},
				[]string{"result"},
			),
			ProviderTokens: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "edforge_provider_tokens_total",
					Help: "Tokens consumed by generation calls",
				},
			),
		}
	})
	return sharedMetrics
}
