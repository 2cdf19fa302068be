//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/persistence/postgres"
	"example.com/cragfeed/internal/pgtest"
	platformevents "example.com/cragfeed/pkg/events"
)

func TestDispatcherPublishesRepositoryEvents(t *testing.T) {
	ctx := context.Background()
	pool, _ := pgtest.Start(t, ctx)

	repo := postgres.NewRepository(pool)
	require.NoError(t, repo.UpsertRoute(ctx, domain.Route{ID: "r1", Name: "Arete", Grade: "V2", Color: "red", SetAt: time.Now().UTC()}))
	activity := domain.Activity{
		ID: uuid.NewString(), UserID: "u1", UserName: "Ada", ActionType: domain.ActionSend,
		RouteID: "r1", RouteGrade: "V2", RouteColor: "red", CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, repo.Create(ctx, activity, ""))
	_, changed, err := repo.SetReaction(ctx, "u2", activity.ID, domain.ReactionFire, true, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, changed)

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter.WithLabelValues(platformevents.TypeActivityCreated))
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 2)
	require.Equal(t, "activity_events", producer.writes[0].topic)
	require.Equal(t, "reaction_events", producer.writes[1].topic)

	schemaID, payload, err := DecodeWireFormat(producer.writes[0].messages[0].Value)
	require.NoError(t, err)
	require.Equal(t, 42, schemaID)
	var created platformevents.ActivityCreated
	require.NoError(t, json.Unmarshal(payload, &created))
	require.Equal(t, activity.ID, created.ActivityID)
	require.Equal(t, "SEND", created.ActionType)

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter.WithLabelValues(platformevents.TypeActivityCreated)), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Zero(t, pending)
}

func TestDispatcherRoutesMessagesToDLQOnFailure(t *testing.T) {
	ctx := context.Background()
	pool, _ := pgtest.Start(t, ctx)
	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), platformevents.TypeActivityCreated))

	producer := &stubProducer{err: errors.New("kafka write failed")}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 7}, 10*time.Millisecond, 5)

	beforeFailed := testutil.ToFloat64(failedCounter)
	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues("activity_events"))

	require.NoError(t, dispatcher.processBatch(ctx))

	require.InDelta(t, beforeFailed+1, testutil.ToFloat64(failedCounter), 0.0001)
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues("activity_events")), 0.0001)

	var dlqCount, published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount))
	require.Equal(t, 1, dlqCount)
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDLQManagerRequeuesThenQuarantines(t *testing.T) {
	ctx := context.Background()
	pool, _ := pgtest.Start(t, ctx)
	seedOutbox(t, ctx, pool, uuid.NewString(), platformevents.TypeActivityCreated)

	failing := NewDispatcher(pool, &stubProducer{err: errors.New("broker down")}, &stubRegistry{id: 3}, time.Millisecond, 10)
	require.NoError(t, failing.processBatch(ctx))

	manager := NewDLQManager(pool, 1, time.Second)
	requeued, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Equal(t, 1, pending)

	producer := &stubProducer{}
	require.NoError(t, NewDispatcher(pool, producer, &stubRegistry{id: 3}, time.Millisecond, 10).processBatch(ctx))
	require.Len(t, producer.writes, 1)

	// An entry that already used its retries is quarantined rather than requeued.
	_, err = pool.Exec(ctx, `INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count)
		VALUES (99, 'activity.created', 'activity_events', '{}', 'boom', 'activity', 'a', 'activity_events-value', 'k', 1)`)
	require.NoError(t, err)
	quarantinedBefore := testutil.ToFloat64(dlqEntriesCounter.WithLabelValues(dlqOutcomeQuarantined, "activity_events", platformevents.TypeActivityCreated))
	requeued, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.InDelta(t, quarantinedBefore+1, testutil.ToFloat64(dlqEntriesCounter.WithLabelValues(dlqOutcomeQuarantined, "activity_events", platformevents.TypeActivityCreated)), 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(dlqBacklogGauge.WithLabelValues("quarantined")), 0.0001)

	var quarantined int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`).Scan(&quarantined))
	require.Equal(t, 1, quarantined)
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, aggregateID, eventType string) int64 {
	t.Helper()

	payloadBytes, err := json.Marshal(platformevents.ActivityCreated{
		ActivityID: aggregateID,
		UserID:     "u1",
		UserName:   "Ada",
		ActionType: "SEND",
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	var eventID int64
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)
         RETURNING event_id`,
		"activity", aggregateID, eventType, "activity_events", "activity_events-value", "u1", payloadBytes,
	).Scan(&eventID))
	return eventID
}
