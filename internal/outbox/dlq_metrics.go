package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DLQ entry outcomes.
const (
	dlqOutcomeProcessed   = "processed"
	dlqOutcomeRequeued    = "requeued"
	dlqOutcomeQuarantined = "quarantined"
	dlqOutcomeRetry       = "retry_scheduled"
)

var (
	dlqEntriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cragfeed",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled by the manager, by outcome.",
	}, []string{"outcome", "topic", "event_type"})

	dlqBacklogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cragfeed",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "Entries currently in the DLQ table, split into pending and quarantined.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(dlqEntriesCounter, dlqBacklogGauge)
}

func recordDLQ(outcome string, entry dlqEntry) {
	dlqEntriesCounter.WithLabelValues(outcome, entry.Topic, entry.EventType).Inc()
}

func recordDLQProcessed(entry dlqEntry)   { recordDLQ(dlqOutcomeProcessed, entry) }
func recordDLQRequeued(entry dlqEntry)    { recordDLQ(dlqOutcomeRequeued, entry) }
func recordDLQQuarantined(entry dlqEntry) { recordDLQ(dlqOutcomeQuarantined, entry) }
func recordDLQRetry(entry dlqEntry)       { recordDLQ(dlqOutcomeRetry, entry) }

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	var pending, quarantined int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE quarantined_at IS NULL), COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL) FROM outbox_dlq`,
	).Scan(&pending, &quarantined)
	if err != nil {
		return
	}
	dlqBacklogGauge.WithLabelValues("pending").Set(float64(pending))
	dlqBacklogGauge.WithLabelValues("quarantined").Set(float64(quarantined))
}
