// Package metrics captures engine health signals: how many bill runs and
// licences are processed, how long they take, and how the scheduler jobs
// behave.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config labels every series with the deployment it came from.
type Config struct {
	ServiceName string
	Environment string
}

// EngineMetrics holds the engine's prometheus instruments. It is injected
// rather than reached through a package global so tests can use their own
// registry.
type EngineMetrics struct {
	registry *prometheus.Registry

	billRunsStarted   *prometheus.CounterVec
	billRunsFinished  *prometheus.CounterVec
	licencesProcessed *prometheus.CounterVec
	licenceDuration   prometheus.Histogram
	jobRuns           *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
}

// New registers the engine instruments on a fresh registry.
func New(cfg Config) *EngineMetrics {
	registry := prometheus.NewRegistry()
	return NewWithRegistry(cfg, registry)
}

// NewWithRegistry registers the engine instruments on the given registry.
func NewWithRegistry(cfg Config, registry *prometheus.Registry) *EngineMetrics {
	constLabels := prometheus.Labels{
		"service": cfg.ServiceName,
		"env":     cfg.Environment,
	}

	m := &EngineMetrics{
		registry: registry,
		billRunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tariff_bill_runs_started_total",
			Help:        "Bill runs that began processing.",
			ConstLabels: constLabels,
		}, []string{"batch_type"}),
		billRunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tariff_bill_runs_finished_total",
			Help:        "Bill runs that finished processing, by resulting status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		licencesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tariff_licences_processed_total",
			Help:        "Licences processed within bill runs, by review outcome.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		licenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tariff_licence_processing_seconds",
			Help:        "Wall time spent matching and allocating one licence.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tariff_scheduler_job_runs_total",
			Help:        "Scheduler job invocations.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tariff_scheduler_job_errors_total",
			Help:        "Scheduler job failures.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tariff_scheduler_job_seconds",
			Help:        "Scheduler job duration.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"job"}),
	}

	registry.MustRegister(
		m.billRunsStarted,
		m.billRunsFinished,
		m.licencesProcessed,
		m.licenceDuration,
		m.jobRuns,
		m.jobErrors,
		m.jobDuration,
	)
	return m
}

func (m *EngineMetrics) IncBillRunStarted(batchType string) {
	m.billRunsStarted.WithLabelValues(batchType).Inc()
}

func (m *EngineMetrics) IncBillRunFinished(status string) {
	m.billRunsFinished.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) IncLicenceProcessed(result string) {
	m.licencesProcessed.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) ObserveLicenceDuration(d time.Duration) {
	m.licenceDuration.Observe(d.Seconds())
}

func (m *EngineMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// Handler exposes the engine registry plus the default gatherer, which
// carries the gorm pool stats, for the /metrics endpoint.
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{m.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	)
}
