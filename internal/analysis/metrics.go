package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionlens_jobs_submitted_total",
		Help: "Analysis jobs accepted for processing.",
	})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionlens_jobs_finished_total",
		Help: "Analysis jobs that reached a terminal status.",
	}, []string{"status"})
	summariesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionlens_summaries_finished_total",
		Help: "Map-stage summaries that reached a terminal status.",
	}, []string{"status"})
	tokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionlens_llm_tokens_total",
		Help: "Tokens consumed by model calls, by direction.",
	}, []string{"direction"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessionlens_stage_duration_seconds",
		Help:    "Wall-clock duration of pipeline stages.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})
)

func recordUsageTokens(prompt, completion int64) {
	tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	tokensUsed.WithLabelValues("completion").Add(float64(completion))
}
