package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StageExtract labels the extraction run. Other users of the scheduler and
// drain pass their own stage so their outcomes are counted apart.
const StageExtract = "extract"

// Prometheus metrics for scheduler and drain runs, labelled by stage.
var (
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_items_total",
		Help: "Work item outcomes by stage and kind (success, skipped, failed)",
	}, []string{"stage", "outcome"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_batch_duration_seconds",
		Help:    "Time to settle one batch, excluding the inter-batch delay",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"stage"})

	failureSetSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_failure_set_size",
		Help: "Items currently waiting in failure sets by stage",
	}, []string{"stage"})

	retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_retry_attempts_total",
		Help: "Attempts made by the retry drain by stage",
	}, []string{"stage"})

	permanentlyFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_permanently_failed_total",
		Help: "Items given up after reaching the attempt limit by stage",
	}, []string{"stage"})

	reconciliationMismatch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extract_reconciliation_mismatch",
		Help: "Remote total minus persisted record count at the end of the last run",
	})
)

func stageOrDefault(stage string) string {
	if stage == "" {
		return StageExtract
	}
	return stage
}

func itemFieldOrDefault(field string) string {
	if field == "" {
		return "index"
	}
	return field
}
