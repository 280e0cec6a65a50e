package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus metrics for stagehand.
// Using promauto for automatic registration with default registry.
var (
	// --- Step Metrics ---

	// StepsTotal counts step invocations by outcome.
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "steps",
			Name:      "total",
			Help:      "Total number of step invocations by attempt and status",
		},
		[]string{"step", "attempt", "status"},
	)

	// StepDuration tracks how long each invocation took.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stagehand",
			Subsystem: "steps",
			Name:      "duration_seconds",
			Help:      "Duration of step invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
		},
		[]string{"step", "status"},
	)

	// FallbacksTotal counts fallback paths taken by outcome.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "steps",
			Name:      "fallbacks_total",
			Help:      "Total number of fallback paths taken by outcome",
		},
		[]string{"step", "outcome"},
	)

	// --- Run Metrics ---

	// RunsTotal counts finished pipeline runs.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total number of pipeline runs by variant and final state",
		},
		[]string{"variant", "state", "degraded"},
	)

	// RunDuration tracks full pipeline duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stagehand",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
		},
		[]string{"variant"},
	)

	// LastRunTimestamp is the unix time of the last finished run.
	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stagehand",
			Subsystem: "runs",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix timestamp of the last finished run",
		},
		[]string{"variant", "state"},
	)

	// --- Sink Metrics ---

	// SinkErrors counts failures publishing a run to history, archive or pushgateway.
	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "sinks",
			Name:      "errors_total",
			Help:      "Total number of failures publishing run results",
		},
		[]string{"sink"},
	)

	// --- API Metrics ---

	// BreakerState is 0 closed, 1 open, 2 half-open per guarded dependency.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stagehand",
			Subsystem: "api",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		},
		[]string{"dependency"},
	)
)

// RecordStep records metrics for a finished step invocation.
func RecordStep(step, attempt, status string, durationSeconds float64) {
	StepsTotal.WithLabelValues(step, attempt, status).Inc()
	if status != "skipped" {
		StepDuration.WithLabelValues(step, status).Observe(durationSeconds)
	}
}

// RecordFallback records which way a fallback path went.
func RecordFallback(step, outcome string) {
	FallbacksTotal.WithLabelValues(step, outcome).Inc()
}

// RecordRun records a finished pipeline run.
func RecordRun(variant, state string, degraded bool, durationSeconds float64) {
	RunsTotal.WithLabelValues(variant, state, fmt.Sprintf("%t", degraded)).Inc()
	RunDuration.WithLabelValues(variant).Observe(durationSeconds)
	LastRunTimestamp.WithLabelValues(variant, state).SetToCurrentTime()
}

// Push sends everything in the default registry to a Pushgateway.
// A one-shot deploy process is gone before any scrape could happen.
func Push(ctx context.Context, url, job string, grouping map[string]string) error {
	p := push.New(url, job).Gatherer(prometheus.DefaultGatherer)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
