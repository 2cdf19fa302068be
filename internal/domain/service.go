// Package domain defines the business logic for the climbing gym feed.
package domain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"example.com/cragfeed/internal/observability"
)

// ActivityRepository captures persistence of feed records.
type ActivityRepository interface {
	// ListFeed returns up to limit activities that sort strictly after cursor,
	// newest first, hiding superseded RATING and VOTE records.
	ListFeed(ctx context.Context, filters []ActionType, cursor *Cursor, limit int) ([]Activity, error)
	Get(ctx context.Context, activityID string) (*Activity, error)
	FindByIdempotency(ctx context.Context, userID, idempotencyKey string) (*Activity, error)
	Create(ctx context.Context, activity Activity, idempotencyKey string) error
	CountTicks(ctx context.Context, userID string) (int, error)
	Leaderboard(ctx context.Context, from, to time.Time, limit int) ([]LeaderboardEntry, error)
}

// ReactionRepository captures persistence of reactions and route ratings.
type ReactionRepository interface {
	ReactionStates(ctx context.Context, viewerID string, activityIDs []string) (map[string]ReactionState, error)
	// SetReaction applies or removes the viewer's reaction and returns the
	// resulting state plus whether a row changed.
	SetReaction(ctx context.Context, viewerID, activityID string, kind ReactionKind, present bool, at time.Time) (ReactionState, bool, error)
	// SetRating replaces the viewer's rating and appends record in the same
	// transaction.
	SetRating(ctx context.Context, record Activity, stars int) (RatingState, error)
	RatingState(ctx context.Context, viewerID, routeID string) (RatingState, error)
}

// RouteRepository captures persistence of gym routes.
type RouteRepository interface {
	GetRoute(ctx context.Context, routeID string) (*Route, error)
	UpsertRoute(ctx context.Context, route Route) error
	GradeDistribution(ctx context.Context, routeID string) ([]GradeBucket, error)
}

// Repository is the full store contract used by Service.
type Repository interface {
	ActivityRepository
	ReactionRepository
	RouteRepository
}

// PageCache stores raw feed rows per generation. Any activity write bumps the
// generation, which retires every cached page at once.
type PageCache interface {
	Generation(ctx context.Context) (int64, error)
	Load(ctx context.Context, generation int64, key string) ([]Activity, bool, error)
	Store(ctx context.Context, generation int64, key string, rows []Activity) error
	Invalidate(ctx context.Context) error
}

// Option configures optional collaborators of Service.
type Option func(*Service)

// WithPageCache enables caching of feed pages.
func WithPageCache(cache PageCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// sharedLoadTimeout bounds a cache-miss load that several requests wait on.
const sharedLoadTimeout = 10 * time.Second

// Service orchestrates feed, reaction and route workflows.
type Service struct {
	repo  Repository
	cache PageCache
	now   func() time.Time
	loads singleflight.Group
}

// NewService constructs a Service.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPage returns one page of the feed for viewer.
func (s *Service) GetPage(ctx context.Context, viewer Viewer, query PageQuery) (Page, error) {
	start := time.Now()
	q, err := query.normalize()
	if err != nil {
		return Page{}, err
	}

	rows, err := s.loadRows(ctx, q)
	if err != nil {
		observability.RecordFeedError()
		return Page{}, dataAccess(err)
	}

	hasMore := len(rows) > q.Limit
	if hasMore {
		rows = rows[:q.Limit]
	}

	items, err := s.hydrate(ctx, viewer, rows)
	if err != nil {
		observability.RecordFeedError()
		return Page{}, err
	}

	page := Page{Items: items, HasMore: hasMore}
	if hasMore {
		next := CursorAt(rows[len(rows)-1])
		page.Next = &next
	}
	observability.ObserveFeedPage(len(items), time.Since(start))
	return page, nil
}

func (s *Service) loadRows(ctx context.Context, q PageQuery) ([]Activity, error) {
	// One extra row tells us whether another page exists.
	probe := q.Limit + 1
	if s.cache == nil {
		return s.repo.ListFeed(ctx, q.Filters, q.Cursor, probe)
	}

	generation, err := s.cache.Generation(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("feed cache unavailable")
		return s.repo.ListFeed(ctx, q.Filters, q.Cursor, probe)
	}

	key := q.cacheKey()
	rows, ok, err := s.cache.Load(ctx, generation, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("feed cache load failed")
	} else if ok {
		observability.RecordFeedCache(true)
		return rows, nil
	}
	observability.RecordFeedCache(false)

	// The shared load is detached from whichever caller started it. Each
	// caller stops waiting when its own context ends.
	shared := s.loads.DoChan(strconv.FormatInt(generation, 10)+"/"+key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		rows, err := s.repo.ListFeed(loadCtx, q.Filters, q.Cursor, probe)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Store(loadCtx, generation, key, rows); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("feed cache store failed")
		}
		return rows, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-shared:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Activity), nil
	}
}

func (s *Service) hydrate(ctx context.Context, viewer Viewer, rows []Activity) ([]FeedItem, error) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	states, err := s.repo.ReactionStates(ctx, viewer.ID, ids)
	if err != nil {
		return nil, dataAccess(err)
	}

	items := make([]FeedItem, 0, len(rows))
	for _, row := range rows {
		state, ok := states[row.ID]
		if !ok {
			state = ReactionState{ActivityID: row.ID, Viewer: []ReactionKind{}}
		}
		items = append(items, FeedItem{Activity: row, Reactions: state})
	}
	return items, nil
}

// GetActivity fetches a single record with the viewer's reaction state.
func (s *Service) GetActivity(ctx context.Context, viewer Viewer, activityID string) (FeedItem, error) {
	activity, err := s.repo.Get(ctx, activityID)
	if err != nil {
		return FeedItem{}, dataAccess(err)
	}
	if activity == nil {
		return FeedItem{}, ErrActivityNotFound
	}
	items, err := s.hydrate(ctx, viewer, []Activity{*activity})
	if err != nil {
		return FeedItem{}, err
	}
	return items[0], nil
}

// CreateActivityInput captures a user-logged activity.
type CreateActivityInput struct {
	ActionType     ActionType
	RouteID        string
	Content        string
	IdempotencyKey string
}

const maxCommentLength = 500

var gradePattern = regexp.MustCompile(`^V(B|[0-9]{1,2})[+-]?$`)

// CreateActivity records a SEND, FLASH, COMMENT or VOTE by viewer. The bool
// result reports an idempotent replay of an earlier request.
func (s *Service) CreateActivity(ctx context.Context, viewer Viewer, input CreateActivityInput) (*Activity, bool, error) {
	if viewer.Anonymous() {
		return nil, false, ErrUnauthenticated
	}

	content := strings.TrimSpace(input.Content)
	switch input.ActionType {
	case ActionSend, ActionFlash:
	case ActionComment:
		if content == "" {
			return nil, false, fmt.Errorf("%w: comment content is required", ErrValidation)
		}
		if len([]rune(content)) > maxCommentLength {
			return nil, false, fmt.Errorf("%w: comment exceeds %d characters", ErrValidation, maxCommentLength)
		}
	case ActionVote:
		content = strings.ToUpper(content)
		if !gradePattern.MatchString(content) {
			return nil, false, fmt.Errorf("%w: vote must be a grade like V4", ErrValidation)
		}
	case ActionRating:
		return nil, false, fmt.Errorf("%w: ratings are set through the rating endpoint", ErrValidation)
	default:
		return nil, false, fmt.Errorf("%w: action type %q cannot be logged by users", ErrValidation, input.ActionType)
	}

	if strings.TrimSpace(input.RouteID) == "" {
		return nil, false, fmt.Errorf("%w: route_id is required", ErrValidation)
	}
	route, err := s.route(ctx, input.RouteID)
	if err != nil {
		return nil, false, err
	}

	return s.record(ctx, Activity{
		UserID:     viewer.ID,
		UserName:   viewer.Name,
		ActionType: input.ActionType,
		RouteID:    route.ID,
		RouteGrade: route.Grade,
		RouteColor: route.Color,
		Content:    content,
	}, input.IdempotencyKey)
}

func (s *Service) record(ctx context.Context, activity Activity, idempotencyKey string) (*Activity, bool, error) {
	if idempotencyKey != "" {
		existing, err := s.repo.FindByIdempotency(ctx, activity.UserID, idempotencyKey)
		if err != nil {
			return nil, false, dataAccess(err)
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	activity.ID = uuid.NewString()
	activity.CreatedAt = s.timestamp()
	if err := s.repo.Create(ctx, activity, idempotencyKey); err != nil {
		if idempotencyKey != "" && errors.Is(err, ErrIdempotencyConflict) {
			// A concurrent request with the same key committed first.
			existing, findErr := s.repo.FindByIdempotency(ctx, activity.UserID, idempotencyKey)
			if findErr != nil {
				return nil, false, dataAccess(findErr)
			}
			if existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, dataAccess(err)
	}
	s.invalidate(ctx)
	return &activity, false, nil
}

// timestamp truncates to the precision Postgres stores so cursors built from
// freshly written records match the persisted rows.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		log.Error().Err(err).Msg("feed cache invalidation failed")
	}
}

func (s *Service) route(ctx context.Context, routeID string) (*Route, error) {
	route, err := s.repo.GetRoute(ctx, routeID)
	if err != nil {
		return nil, dataAccess(err)
	}
	if route == nil {
		return nil, ErrRouteNotFound
	}
	return route, nil
}

// Reactions returns the reaction state of one activity for viewer.
func (s *Service) Reactions(ctx context.Context, viewer Viewer, activityID string) (ReactionState, error) {
	item, err := s.GetActivity(ctx, viewer, activityID)
	if err != nil {
		return ReactionState{}, err
	}
	return item.Reactions, nil
}

// SetReaction applies (present) or removes the viewer's reaction of kind and
// returns the authoritative state. Repeating a call is a no-op.
func (s *Service) SetReaction(ctx context.Context, viewer Viewer, activityID string, kind ReactionKind, present bool) (ReactionState, error) {
	if viewer.Anonymous() {
		return ReactionState{}, ErrUnauthenticated
	}
	if !kind.Valid() {
		return ReactionState{}, fmt.Errorf("%w: unknown reaction kind %q", ErrValidation, kind)
	}

	activity, err := s.repo.Get(ctx, activityID)
	if err != nil {
		return ReactionState{}, dataAccess(err)
	}
	if activity == nil {
		return ReactionState{}, ErrActivityNotFound
	}

	state, changed, err := s.repo.SetReaction(ctx, viewer.ID, activityID, kind, present, s.now().UTC())
	if err != nil {
		observability.RecordMutation("reaction", "error")
		return ReactionState{}, dataAccess(err)
	}
	if changed {
		observability.RecordMutation("reaction", "applied")
	} else {
		observability.RecordMutation("reaction", "noop")
	}
	return state, nil
}

// SetRating replaces the viewer's star rating of a route. A RATING activity
// record is appended and supersedes the viewer's earlier one in the feed.
func (s *Service) SetRating(ctx context.Context, viewer Viewer, routeID string, stars int) (RatingState, error) {
	if viewer.Anonymous() {
		return RatingState{}, ErrUnauthenticated
	}
	if stars < MinStars || stars > MaxStars {
		return RatingState{}, fmt.Errorf("%w: stars must be between %d and %d", ErrValidation, MinStars, MaxStars)
	}
	route, err := s.route(ctx, routeID)
	if err != nil {
		return RatingState{}, err
	}

	record := Activity{
		ID:         uuid.NewString(),
		UserID:     viewer.ID,
		UserName:   viewer.Name,
		ActionType: ActionRating,
		RouteID:    route.ID,
		RouteGrade: route.Grade,
		RouteColor: route.Color,
		Content:    strconv.Itoa(stars),
		CreatedAt:  s.timestamp(),
	}
	state, err := s.repo.SetRating(ctx, record, stars)
	if err != nil {
		observability.RecordMutation("rating", "error")
		return RatingState{}, dataAccess(err)
	}
	observability.RecordMutation("rating", "applied")
	s.invalidate(ctx)
	return state, nil
}

// RouteRating returns the rating summary of a route for viewer.
func (s *Service) RouteRating(ctx context.Context, viewer Viewer, routeID string) (RatingState, error) {
	if _, err := s.route(ctx, routeID); err != nil {
		return RatingState{}, err
	}
	state, err := s.repo.RatingState(ctx, viewer.ID, routeID)
	if err != nil {
		return RatingState{}, dataAccess(err)
	}
	return state, nil
}

// UpsertRoute creates or updates a route definition.
func (s *Service) UpsertRoute(ctx context.Context, route Route) (Route, error) {
	route.ID = strings.TrimSpace(route.ID)
	route.Name = strings.TrimSpace(route.Name)
	route.Grade = strings.ToUpper(strings.TrimSpace(route.Grade))
	route.Color = strings.ToLower(strings.TrimSpace(route.Color))
	switch {
	case route.ID == "":
		return Route{}, fmt.Errorf("%w: route id is required", ErrValidation)
	case route.Name == "":
		return Route{}, fmt.Errorf("%w: route name is required", ErrValidation)
	case !gradePattern.MatchString(route.Grade):
		return Route{}, fmt.Errorf("%w: grade must look like V4", ErrValidation)
	case route.Color == "":
		return Route{}, fmt.Errorf("%w: route color is required", ErrValidation)
	}
	if route.SetAt.IsZero() {
		route.SetAt = s.now().UTC()
	}
	if err := s.repo.UpsertRoute(ctx, route); err != nil {
		return Route{}, dataAccess(err)
	}
	return route, nil
}

// GradeDistribution tallies each climber's latest grade vote for a route.
func (s *Service) GradeDistribution(ctx context.Context, routeID string) ([]GradeBucket, error) {
	if _, err := s.route(ctx, routeID); err != nil {
		return nil, err
	}
	buckets, err := s.repo.GradeDistribution(ctx, routeID)
	if err != nil {
		return nil, dataAccess(err)
	}
	return buckets, nil
}

// SeasonStart returns the first instant of the calendar quarter containing t.
func SeasonStart(t time.Time) time.Time {
	t = t.UTC()
	month := time.Month((int(t.Month())-1)/3*3 + 1)
	return time.Date(t.Year(), month, 1, 0, 0, 0, 0, time.UTC)
}

// Leaderboard ranks climbers by distinct routes ticked in [from, to). Zero
// bounds default to the current season.
func (s *Service) Leaderboard(ctx context.Context, from, to time.Time, limit int) ([]LeaderboardEntry, error) {
	if to.IsZero() {
		to = s.now().UTC()
	}
	if from.IsZero() {
		from = SeasonStart(to)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	entries, err := s.repo.Leaderboard(ctx, from, to, limit)
	if err != nil {
		return nil, dataAccess(err)
	}
	return entries, nil
}

// TickMilestones are the distinct-route counts that earn an achievement.
var TickMilestones = []int{1, 10, 25, 50, 100}

// RecordTickMilestone awards every milestone the climber has reached but not
// yet been credited with. It is safe to call repeatedly for the same event.
func (s *Service) RecordTickMilestone(ctx context.Context, userID, userName string) ([]Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	ticks, err := s.repo.CountTicks(ctx, userID)
	if err != nil {
		return nil, dataAccess(err)
	}

	var awarded []Activity
	for _, milestone := range TickMilestones {
		if ticks < milestone {
			break
		}
		record, replay, err := s.record(ctx, Activity{
			UserID:     userID,
			UserName:   userName,
			ActionType: ActionAchievement,
			Content:    milestoneContent(milestone),
		}, fmt.Sprintf("achievement:ticks:%d", milestone))
		if err != nil {
			return awarded, err
		}
		if !replay {
			awarded = append(awarded, *record)
		}
	}
	return awarded, nil
}

func milestoneContent(n int) string {
	if n == 1 {
		return "First route ticked"
	}
	return fmt.Sprintf("%d routes ticked", n)
}

func dataAccess(err error) error {
	if errors.Is(err, ErrDataAccess) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDataAccess, err)
}
