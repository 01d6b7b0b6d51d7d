package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energyqa_pipeline_turns_total",
			Help: "Total number of conversation turns by terminal stage.",
		},
		[]string{"terminal"},
	)
	pipelineStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "energyqa_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage latency by stage and outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage", "outcome"},
	)
	sqlExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energyqa_sql_executions_total",
			Help: "Total number of generated SQL executions by result kind.",
		},
		[]string{"outcome"},
	)
	groundingMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energyqa_grounding_matches_total",
			Help: "Total number of grounding candidates returned per category.",
		},
		[]string{"category"},
	)
	stageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energyqa_stage_retries_total",
			Help: "Total number of pipeline stage retries.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineTurnsTotal,
		pipelineStageDurationSeconds,
		sqlExecutionsTotal,
		groundingMatchesTotal,
		stageRetriesTotal,
	)
}

func ObserveTurn(terminal string) {
	pipelineTurnsTotal.WithLabelValues(terminal).Inc()
}

func ObserveStage(stage, outcome string, elapsed time.Duration) {
	pipelineStageDurationSeconds.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

func ObserveSQLExecution(outcome string) {
	sqlExecutionsTotal.WithLabelValues(outcome).Inc()
}

func ObserveGroundingMatches(category string, matches int) {
	if matches <= 0 {
		return
	}
	groundingMatchesTotal.WithLabelValues(category).Add(float64(matches))
}

func IncrementStageRetry(stage string) {
	stageRetriesTotal.WithLabelValues(stage).Inc()
}
