package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/observability"
	platformevents "example.com/cragfeed/pkg/events"
)

// PersistenceHandler writes consumed events into Postgres for auditing.
type PersistenceHandler struct {
	pool *pgxpool.Pool
}

// NewPersistenceHandler constructs a handler backed by the provided pool.
func NewPersistenceHandler(pool *pgxpool.Pool) *PersistenceHandler {
	return &PersistenceHandler{pool: pool}
}

// Handle stores the event payload in the activity_event_log table. Redelivered
// offsets are ignored.
func (h *PersistenceHandler) Handle(ctx context.Context, msg Message) error {
	_, err := h.pool.Exec(ctx,
		`INSERT INTO activity_event_log (event_type, schema_id, schema_subject, topic, partition, record_offset, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         ON CONFLICT (topic, partition, record_offset) DO NOTHING`,
		msg.EventType,
		msg.SchemaID,
		msg.SchemaSubject,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Payload,
		msg.Timestamp,
	)
	return err
}

// MilestoneRecorder awards tick milestone achievements.
type MilestoneRecorder interface {
	RecordTickMilestone(ctx context.Context, userID, userName string) ([]domain.Activity, error)
}

// AchievementHandler turns SEND and FLASH events into milestone achievements.
type AchievementHandler struct {
	recorder MilestoneRecorder
	logger   zerolog.Logger
}

// NewAchievementHandler constructs an AchievementHandler.
func NewAchievementHandler(recorder MilestoneRecorder) *AchievementHandler {
	return &AchievementHandler{recorder: recorder, logger: observability.Component("achievements")}
}

// Handle ignores everything but activity.created ticks.
func (h *AchievementHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != platformevents.TypeActivityCreated {
		return nil
	}

	var event platformevents.ActivityCreated
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.EventType, err)
	}
	switch domain.ActionType(event.ActionType) {
	case domain.ActionSend, domain.ActionFlash:
	default:
		return nil
	}

	awarded, err := h.recorder.RecordTickMilestone(ctx, event.UserID, event.UserName)
	if err != nil {
		return err
	}
	for _, a := range awarded {
		achievementsCounter.Inc()
		h.logger.Info().Str("user_id", a.UserID).Str("activity_id", a.ID).Str("content", a.Content).Msg("achievement awarded")
	}
	return nil
}

// MultiHandler runs handlers in order and stops at the first error.
type MultiHandler []Handler

// Handle implements Handler.
func (m MultiHandler) Handle(ctx context.Context, msg Message) error {
	for _, h := range m {
		if err := h.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
