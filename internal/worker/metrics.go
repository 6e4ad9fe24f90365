package worker

import (
	"net/http"

	"github.com/dunamismax/mediaflow/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry      *prometheus.Registry
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge
	queuedJobs    prometheus.Gauge
	outputsTotal  *prometheus.CounterVec
	outputBytes   prometheus.Counter
	mediaSeconds  prometheus.Counter
	mirrorErrors  prometheus.Counter
	webhookErrors prometheus.Counter
}

// NewMetrics registers worker collectors into registry, or into a fresh
// registry when it is nil.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = telemetry.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaflow_worker_jobs_total",
			Help: "Total executed jobs by provider, task and final status.",
		}, []string{"provider", "task", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaflow_worker_job_duration_seconds",
			Help:    "Wall time from claim to terminal state for each job.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"provider", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediaflow_worker_active_jobs",
			Help: "Current number of jobs being executed.",
		}),
		queuedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediaflow_worker_pool_queued_jobs",
			Help: "Jobs dispatched to the local pool and waiting for a worker.",
		}),
		outputsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaflow_worker_outputs_total",
			Help: "Total published artifacts by role.",
		}, []string{"role"}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_worker_output_bytes_total",
			Help: "Total bytes of published artifacts.",
		}),
		mediaSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_worker_media_seconds_total",
			Help: "Total duration in seconds of produced audio and video.",
		}),
		mirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_worker_mirror_errors_total",
			Help: "Artifact uploads to object storage that failed.",
		}),
		webhookErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_worker_webhook_errors_total",
			Help: "Completion webhooks that could not be delivered.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.queuedJobs,
		m.outputsTotal,
		m.outputBytes,
		m.mediaSeconds,
		m.mirrorErrors,
		m.webhookErrors,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
