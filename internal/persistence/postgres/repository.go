package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/observability"
	platformevents "example.com/cragfeed/pkg/events"
)

// Repository provides Postgres-backed persistence for the feed, reactions,
// ratings and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const activityColumns = `a.activity_id, a.user_id, a.user_name, a.action_type, COALESCE(a.route_id, ''), a.route_grade, a.route_color, a.content, a.created_at`

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var a domain.Activity
	var action string
	err := row.Scan(&a.ID, &a.UserID, &a.UserName, &action, &a.RouteID, &a.RouteGrade, &a.RouteColor, &a.Content, &a.CreatedAt)
	a.ActionType = domain.ActionType(action)
	return a, err
}

// ListFeed returns activities ordered by (created_at, activity_id) descending.
func (r *Repository) ListFeed(ctx context.Context, filters []domain.ActionType, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	args := []interface{}{limit}
	query := `SELECT ` + activityColumns + `
        FROM activities a
        WHERE (a.action_type NOT IN ('RATING', 'VOTE') OR NOT EXISTS (
            SELECT 1 FROM activities newer
             WHERE newer.user_id = a.user_id
               AND newer.route_id = a.route_id
               AND newer.action_type = a.action_type
               AND (newer.created_at, newer.activity_id) > (a.created_at, a.activity_id)))`

	if len(filters) > 0 {
		types := make([]string, 0, len(filters))
		for _, f := range filters {
			types = append(types, string(f))
		}
		args = append(args, types)
		query += fmt.Sprintf(` AND a.action_type = ANY($%d)`, len(args))
	}

	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (a.created_at, a.activity_id) < ($%d, $%d)`, len(args)-1, len(args))
	}

	query += ` ORDER BY a.created_at DESC, a.activity_id DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0, limit)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Get retrieves an activity by ID.
func (r *Repository) Get(ctx context.Context, activityID string) (*domain.Activity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities a WHERE a.activity_id = $1`, activityID)
	a, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// FindByIdempotency checks if an activity already exists for the supplied idempotency key.
func (r *Repository) FindByIdempotency(ctx context.Context, userID, idempotencyKey string) (*domain.Activity, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	row := r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities a WHERE a.user_id = $1 AND a.idempotency_key = $2`, userID, idempotencyKey)
	a, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// Create persists the activity and records its outbox event inside a single transaction.
func (r *Repository) Create(ctx context.Context, activity domain.Activity, idempotencyKey string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertActivity(ctx, tx, activity, idempotencyKey); err != nil {
		if isUniqueViolation(err, idempotencyIndex) {
			return fmt.Errorf("%w: %s", domain.ErrIdempotencyConflict, idempotencyKey)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordActivityPersisted(activity.CreatedAt)
	return nil
}

const idempotencyIndex = "activities_idempotency_idx"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func insertActivity(ctx context.Context, tx pgx.Tx, activity domain.Activity, idempotencyKey string) error {
	const stmt = `INSERT INTO activities (activity_id, user_id, user_name, action_type, route_id, route_grade, route_color, content, idempotency_key, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	if _, err := tx.Exec(ctx, stmt,
		activity.ID,
		activity.UserID,
		activity.UserName,
		string(activity.ActionType),
		nullIfEmpty(activity.RouteID),
		activity.RouteGrade,
		activity.RouteColor,
		activity.Content,
		nullIfEmpty(idempotencyKey),
		activity.CreatedAt,
	); err != nil {
		return err
	}

	return insertOutbox(ctx, tx, "activity", activity.ID, platformevents.TypeActivityCreated, activity.UserID, activity.ID+":"+platformevents.TypeActivityCreated, platformevents.ActivityCreated{
		ActivityID: activity.ID,
		UserID:     activity.UserID,
		UserName:   activity.UserName,
		ActionType: string(activity.ActionType),
		RouteID:    activity.RouteID,
		RouteGrade: activity.RouteGrade,
		Content:    activity.Content,
		CreatedAt:  activity.CreatedAt,
	})
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType, partitionKey, dedupeKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		aggregateType,
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		dedupeKey,
	)
	return err
}

// CountTicks counts the distinct routes a climber has sent or flashed.
func (r *Repository) CountTicks(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT route_id) FROM activities WHERE user_id = $1 AND action_type IN ('SEND', 'FLASH')`,
		userID,
	).Scan(&n)
	return n, err
}

// Leaderboard ranks climbers by distinct ticks in [from, to).
func (r *Repository) Leaderboard(ctx context.Context, from, to time.Time, limit int) ([]domain.LeaderboardEntry, error) {
	const query = `SELECT user_id,
            (ARRAY_AGG(user_name ORDER BY created_at DESC))[1],
            COUNT(DISTINCT route_id),
            COUNT(DISTINCT route_id) FILTER (WHERE action_type = 'FLASH')
        FROM activities
        WHERE action_type IN ('SEND', 'FLASH') AND created_at >= $1 AND created_at < $2
        GROUP BY user_id
        ORDER BY 3 DESC, 4 DESC, user_id ASC
        LIMIT $3`

	rows, err := r.pool.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LeaderboardEntry, 0, limit)
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.UserName, &e.Ticks, &e.Flashes); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReactionStates loads counts and the viewer's membership for each activity.
func (r *Repository) ReactionStates(ctx context.Context, viewerID string, activityIDs []string) (map[string]domain.ReactionState, error) {
	out := make(map[string]domain.ReactionState, len(activityIDs))
	if len(activityIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, reactionStateQuery+` WHERE activity_id = ANY($1) GROUP BY activity_id`, activityIDs, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		state, err := scanReactionState(rows)
		if err != nil {
			return nil, err
		}
		out[state.ActivityID] = state
	}
	return out, rows.Err()
}

const reactionStateQuery = `SELECT activity_id,
        COUNT(*) FILTER (WHERE kind = 'LIKE'),
        COUNT(*) FILTER (WHERE kind = 'FIRE'),
        COUNT(*) FILTER (WHERE kind = 'CELEBRATE'),
        COALESCE(ARRAY_AGG(kind) FILTER (WHERE user_id = $2 AND $2 <> ''), '{}')
    FROM activity_reactions`

func scanReactionState(row pgx.Row) (domain.ReactionState, error) {
	var state domain.ReactionState
	var kinds []string
	if err := row.Scan(&state.ActivityID, &state.Counts.Likes, &state.Counts.Fires, &state.Counts.Celebrates, &kinds); err != nil {
		return domain.ReactionState{}, err
	}
	held := make(map[domain.ReactionKind]struct{}, len(kinds))
	for _, k := range kinds {
		held[domain.ReactionKind(k)] = struct{}{}
	}
	state.Viewer = make([]domain.ReactionKind, 0, len(kinds))
	for _, k := range domain.ReactionKinds {
		if _, ok := held[k]; ok {
			state.Viewer = append(state.Viewer, k)
		}
	}
	return state, nil
}

// SetReaction applies or removes a reaction row and returns the resulting state.
func (r *Repository) SetReaction(ctx context.Context, viewerID, activityID string, kind domain.ReactionKind, present bool, at time.Time) (domain.ReactionState, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ReactionState{}, false, err
	}
	defer tx.Rollback(ctx)

	var affected int64
	if present {
		tag, err := tx.Exec(ctx,
			`INSERT INTO activity_reactions (activity_id, user_id, kind, created_at) VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`,
			activityID, viewerID, string(kind), at)
		if err != nil {
			return domain.ReactionState{}, false, err
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := tx.Exec(ctx,
			`DELETE FROM activity_reactions WHERE activity_id = $1 AND user_id = $2 AND kind = $3`,
			activityID, viewerID, string(kind))
		if err != nil {
			return domain.ReactionState{}, false, err
		}
		affected = tag.RowsAffected()
	}

	changed := affected > 0
	if changed {
		if err := insertOutbox(ctx, tx, "reaction", activityID, platformevents.TypeReactionChanged, activityID, uuid.NewString(), platformevents.ReactionChanged{
			ActivityID: activityID,
			UserID:     viewerID,
			Kind:       string(kind),
			Present:    present,
			OccurredAt: at,
		}); err != nil {
			return domain.ReactionState{}, false, err
		}
	}

	state := domain.ReactionState{ActivityID: activityID, Viewer: []domain.ReactionKind{}}
	row := tx.QueryRow(ctx, reactionStateQuery+` WHERE activity_id = $1 GROUP BY activity_id`, activityID, viewerID)
	scanned, err := scanReactionState(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return domain.ReactionState{}, false, err
	default:
		state = scanned
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ReactionState{}, false, err
	}
	return state, changed, nil
}

// SetRating upserts the viewer's rating (last write wins by rating time) and
// appends the RATING activity record.
func (r *Repository) SetRating(ctx context.Context, record domain.Activity, stars int) (domain.RatingState, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.RatingState{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO route_ratings (route_id, user_id, stars, rated_at) VALUES ($1,$2,$3,$4)
         ON CONFLICT (route_id, user_id) DO UPDATE SET stars = EXCLUDED.stars, rated_at = EXCLUDED.rated_at
         WHERE route_ratings.rated_at <= EXCLUDED.rated_at`,
		record.RouteID, record.UserID, stars, record.CreatedAt,
	)
	if err != nil {
		return domain.RatingState{}, err
	}

	// An older write lost to a newer rating; the feed keeps showing the newer one.
	applied := tag.RowsAffected() > 0
	if applied {
		if err := insertActivity(ctx, tx, record, ""); err != nil {
			return domain.RatingState{}, err
		}
		if err := insertOutbox(ctx, tx, "route", record.RouteID, platformevents.TypeRatingChanged, record.RouteID, record.ID+":"+platformevents.TypeRatingChanged, platformevents.RatingChanged{
			RouteID:    record.RouteID,
			UserID:     record.UserID,
			Stars:      stars,
			OccurredAt: record.CreatedAt,
		}); err != nil {
			return domain.RatingState{}, err
		}
	}

	state, err := ratingState(ctx, tx, record.UserID, record.RouteID)
	if err != nil {
		return domain.RatingState{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.RatingState{}, err
	}
	if applied {
		observability.RecordActivityPersisted(record.CreatedAt)
	}
	return state, nil
}

// RatingState returns the rating summary of a route for a viewer.
func (r *Repository) RatingState(ctx context.Context, viewerID, routeID string) (domain.RatingState, error) {
	return ratingState(ctx, r.pool, viewerID, routeID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func ratingState(ctx context.Context, q queryRower, viewerID, routeID string) (domain.RatingState, error) {
	state := domain.RatingState{RouteID: routeID}
	err := q.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(stars), 0), COALESCE(MAX(stars) FILTER (WHERE user_id = $2 AND $2 <> ''), 0)
         FROM route_ratings WHERE route_id = $1`,
		routeID, viewerID,
	).Scan(&state.Count, &state.Total, &state.ViewerStars)
	return state, err
}

// GetRoute retrieves a route by ID.
func (r *Repository) GetRoute(ctx context.Context, routeID string) (*domain.Route, error) {
	var route domain.Route
	err := r.pool.QueryRow(ctx,
		`SELECT route_id, name, grade, color, set_at, retired_at FROM routes WHERE route_id = $1`,
		routeID,
	).Scan(&route.ID, &route.Name, &route.Grade, &route.Color, &route.SetAt, &route.RetiredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &route, nil
}

// UpsertRoute creates or replaces a route definition.
func (r *Repository) UpsertRoute(ctx context.Context, route domain.Route) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO routes (route_id, name, grade, color, set_at, retired_at) VALUES ($1,$2,$3,$4,$5,$6)
         ON CONFLICT (route_id) DO UPDATE SET name = EXCLUDED.name, grade = EXCLUDED.grade, color = EXCLUDED.color,
             set_at = EXCLUDED.set_at, retired_at = EXCLUDED.retired_at`,
		route.ID, route.Name, route.Grade, route.Color, route.SetAt, route.RetiredAt,
	)
	return err
}

// GradeDistribution tallies each climber's latest VOTE on a route.
func (r *Repository) GradeDistribution(ctx context.Context, routeID string) ([]domain.GradeBucket, error) {
	const query = `SELECT content, COUNT(*) FROM (
            SELECT DISTINCT ON (user_id) user_id, content
              FROM activities
             WHERE route_id = $1 AND action_type = 'VOTE'
             ORDER BY user_id, created_at DESC, activity_id DESC
        ) latest
        GROUP BY content
        ORDER BY COUNT(*) DESC, content ASC`

	rows, err := r.pool.Query(ctx, query, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]domain.GradeBucket, 0)
	for rows.Next() {
		var b domain.GradeBucket
		if err := rows.Scan(&b.Grade, &b.Votes); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	platformevents.TypeActivityCreated: {
		Topic:         "activity_events",
		SchemaSubject: "activity_events-value",
	},
	platformevents.TypeReactionChanged: {
		Topic:         "reaction_events",
		SchemaSubject: "reaction_events-value",
	},
	platformevents.TypeRatingChanged: {
		Topic:         "rating_events",
		SchemaSubject: "rating_events-value",
	},
}
