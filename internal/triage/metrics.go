package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	IngestsTotal        *prometheus.CounterVec
	RunsTotal           *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	RunAttempts         prometheus.Histogram
	GenerationFailovers prometheus.Counter
	EvidenceScore       prometheus.Histogram
	EvidenceArtifacts   prometheus.Histogram
	DecisionsTotal      *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_ingests_total",
			Help: "Total alert ingestions by source and result.",
		}, []string{"source", "result"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_pipeline_runs_total",
			Help: "Total triage pipeline runs by final outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_pipeline_run_duration_seconds",
			Help:    "Duration of triage pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"outcome", "backend"}),
		RunAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_pipeline_run_attempts",
			Help:    "Attempts consumed per triage job.",
			Buckets: prometheus.LinearBuckets(1, 1, 6), // 1 .. 6
		}),
		GenerationFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_generation_failovers_total",
			Help: "Total single-retry failovers to an alternate generation endpoint.",
		}),
		EvidenceScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_evidence_confidence_score",
			Help:    "Evidence-confidence score per collection run.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		EvidenceArtifacts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_evidence_artifacts",
			Help:    "Artifacts per evidence pack.",
			Buckets: prometheus.LinearBuckets(0, 2, 12), // 0 .. 22
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_review_decisions_total",
			Help: "Total human-review decisions by verdict.",
		}, []string{"decision"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inquest_triage_queue_depth",
			Help: "Jobs waiting in the triage queue.",
		}),
	}

	reg.MustRegister(
		m.IngestsTotal,
		m.RunsTotal,
		m.RunDuration,
		m.RunAttempts,
		m.GenerationFailovers,
		m.EvidenceScore,
		m.EvidenceArtifacts,
		m.DecisionsTotal,
		m.QueueDepth,
	)

	return m
}
