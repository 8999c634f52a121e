// Package telemetry holds the Prometheus metrics and trace bootstrap for
// the formatting pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FormatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "burnish",
			Subsystem: "formatter",
			Name:      "requests_total",
			Help:      "Total number of formatting requests",
		},
		[]string{"category", "style"},
	)

	FormatFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "burnish",
			Subsystem: "formatter",
			Name:      "fallbacks_total",
			Help:      "Formatting requests that fell back to the original content",
		},
		[]string{"reason"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "burnish",
			Subsystem: "formatter",
			Name:      "generation_duration_seconds",
			Help:      "Latency of the external generation call",
			Buckets:   prometheus.DefBuckets,
		},
	)

	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "burnish",
			Subsystem: "quality",
			Name:      "overall_score",
			Help:      "Distribution of overall quality scores",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	TemplateCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "burnish",
			Subsystem: "template",
			Name:      "cache_lookups_total",
			Help:      "Template cache lookups by result",
		},
		[]string{"result"},
	)

	ExperimentAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "burnish",
			Subsystem: "experiment",
			Name:      "assignments_total",
			Help:      "Total variant assignments",
		},
		[]string{"experiment", "variant"},
	)

	ExperimentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "burnish",
			Subsystem: "experiment",
			Name:      "outcomes_total",
			Help:      "Total recorded experiment outcomes",
		},
		[]string{"experiment", "variant"},
	)

	ActiveExperiments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "burnish",
			Subsystem: "experiment",
			Name:      "active_total",
			Help:      "Number of currently active experiments",
		},
	)
)
