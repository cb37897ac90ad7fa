package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal outcome.",
		},
		[]string{"outcome"},
	)
	pipelineRunDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askmesh_pipeline_run_duration_ms",
			Help:    "End-to-end pipeline run latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
	)
	pipelineStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askmesh_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage latency by stage.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	pipelineRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_pipeline_retries_total",
			Help: "Total number of loop-backs to the drafter by failure reason.",
		},
		[]string{"reason"},
	)
	accessDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askmesh_access_denied_total",
			Help: "Total number of statements rejected by the tenant access policy.",
		},
	)
	generationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_generation_failures_total",
			Help: "Total number of failed text-generation calls by call site.",
		},
		[]string{"call_site"},
	)
	correctionMemoryAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askmesh_correction_memory_appends_total",
			Help: "Total number of corrections appended to correction memory.",
		},
	)
	correctionMemoryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "askmesh_correction_memory_entries",
			Help: "Current number of corrections held in memory.",
		},
	)
	askRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askmesh_ask_rejected_total",
			Help: "Total number of questions rejected because every pipeline slot was busy.",
		},
	)
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_auth_failures_total",
			Help: "Total number of rejected requests by authentication failure reason.",
		},
		[]string{"reason"},
	)
	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_exports_total",
			Help: "Total number of result exports by destination.",
		},
		[]string{"destination"},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRunsTotal,
		pipelineRunDurationMs,
		pipelineStageDurationSeconds,
		pipelineRetriesTotal,
		accessDeniedTotal,
		generationFailuresTotal,
		correctionMemoryAppendsTotal,
		correctionMemoryEntries,
		askRejectedTotal,
		authFailuresTotal,
		exportsTotal,
	)
}

func ObservePipelineRun(outcome string, elapsed time.Duration) {
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
	pipelineRunDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveStage(stage string, elapsed time.Duration) {
	pipelineStageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func IncrementRetry(reason string) {
	pipelineRetriesTotal.WithLabelValues(reason).Inc()
}

func IncrementAccessDenied() {
	accessDeniedTotal.Inc()
}

func IncrementGenerationFailure(callSite string) {
	generationFailuresTotal.WithLabelValues(callSite).Inc()
}

func ObserveCorrectionAppend(entries int) {
	correctionMemoryAppendsTotal.Inc()
	SetCorrectionMemoryEntries(entries)
}

func SetCorrectionMemoryEntries(entries int) {
	if entries < 0 {
		entries = 0
	}
	correctionMemoryEntries.Set(float64(entries))
}

func IncrementAskRejected() {
	askRejectedTotal.Inc()
}

func IncrementAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}

func IncrementExport(destination string) {
	exportsTotal.WithLabelValues(destination).Inc()
}
