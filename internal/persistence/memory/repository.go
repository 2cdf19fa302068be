// Package memory provides an in-process implementation of the domain
// repositories for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/cragfeed/internal/domain"
)

type rating struct {
	stars   int
	ratedAt time.Time
}

// Repository stores feed data in memory. It is safe for concurrent use.
type Repository struct {
	mu          sync.RWMutex
	activities  map[string]domain.Activity
	idempotency map[string]string
	routes      map[string]domain.Route
	reactions   map[string]map[string]map[domain.ReactionKind]time.Time
	ratings     map[string]map[string]rating
	failure     error
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{
		activities:  make(map[string]domain.Activity),
		idempotency: make(map[string]string),
		routes:      make(map[string]domain.Route),
		reactions:   make(map[string]map[string]map[domain.ReactionKind]time.Time),
		ratings:     make(map[string]map[string]rating),
	}
}

// SetFailure makes every subsequent call return err until cleared with nil.
func (r *Repository) SetFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

// Insert stores activities verbatim, bypassing validation. Useful for seeding.
func (r *Repository) Insert(activities ...domain.Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range activities {
		r.activities[a.ID] = a
	}
}

// ListFeed implements domain.ActivityRepository.
func (r *Repository) ListFeed(ctx context.Context, filters []domain.ActionType, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}

	allowed := make(map[domain.ActionType]struct{}, len(filters))
	for _, f := range filters {
		allowed[f] = struct{}{}
	}
	latest := r.latestSupersedable()

	results := make([]domain.Activity, 0, limit)
	for _, a := range r.activities {
		if len(allowed) > 0 {
			if _, ok := allowed[a.ActionType]; !ok {
				continue
			}
		}
		if cursor != nil && !cursor.Precedes(a) {
			continue
		}
		if a.ActionType.Supersedable() && latest[supersedeKey(a)] != a.ID {
			continue
		}
		results = append(results, a)
	}
	sort.Slice(results, func(i, j int) bool { return domain.FeedBefore(results[i], results[j]) })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func supersedeKey(a domain.Activity) string {
	return string(a.ActionType) + "|" + a.UserID + "|" + a.RouteID
}

func (r *Repository) latestSupersedable() map[string]string {
	latest := make(map[string]string)
	for _, a := range r.activities {
		if !a.ActionType.Supersedable() {
			continue
		}
		key := supersedeKey(a)
		current, ok := latest[key]
		if !ok || domain.FeedBefore(a, r.activities[current]) {
			latest[key] = a.ID
		}
	}
	return latest
}

// Get implements domain.ActivityRepository.
func (r *Repository) Get(ctx context.Context, activityID string) (*domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}
	a, ok := r.activities[activityID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// FindByIdempotency implements domain.ActivityRepository.
func (r *Repository) FindByIdempotency(ctx context.Context, userID, idempotencyKey string) (*domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}
	id, ok := r.idempotency[userID+"|"+idempotencyKey]
	if !ok {
		return nil, nil
	}
	a := r.activities[id]
	return &a, nil
}

// Create implements domain.ActivityRepository.
func (r *Repository) Create(ctx context.Context, activity domain.Activity, idempotencyKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	if idempotencyKey != "" {
		key := activity.UserID + "|" + idempotencyKey
		if _, taken := r.idempotency[key]; taken {
			return domain.ErrIdempotencyConflict
		}
		r.idempotency[key] = activity.ID
	}
	r.activities[activity.ID] = activity
	return nil
}

// CountTicks implements domain.ActivityRepository.
func (r *Repository) CountTicks(ctx context.Context, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return 0, r.failure
	}
	routes := make(map[string]struct{})
	for _, a := range r.activities {
		if a.UserID == userID && isTick(a.ActionType) {
			routes[a.RouteID] = struct{}{}
		}
	}
	return len(routes), nil
}

func isTick(a domain.ActionType) bool {
	return a == domain.ActionSend || a == domain.ActionFlash
}

// Leaderboard implements domain.ActivityRepository.
func (r *Repository) Leaderboard(ctx context.Context, from, to time.Time, limit int) ([]domain.LeaderboardEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}

	type tally struct {
		name    string
		nameAt  time.Time
		ticked  map[string]struct{}
		flashed map[string]struct{}
	}
	byUser := make(map[string]*tally)
	for _, a := range r.activities {
		if !isTick(a.ActionType) || a.CreatedAt.Before(from) || !a.CreatedAt.Before(to) {
			continue
		}
		t, ok := byUser[a.UserID]
		if !ok {
			t = &tally{ticked: map[string]struct{}{}, flashed: map[string]struct{}{}}
			byUser[a.UserID] = t
		}
		if a.CreatedAt.After(t.nameAt) || t.name == "" {
			t.name, t.nameAt = a.UserName, a.CreatedAt
		}
		t.ticked[a.RouteID] = struct{}{}
		if a.ActionType == domain.ActionFlash {
			t.flashed[a.RouteID] = struct{}{}
		}
	}

	entries := make([]domain.LeaderboardEntry, 0, len(byUser))
	for userID, t := range byUser {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:   userID,
			UserName: t.name,
			Ticks:    len(t.ticked),
			Flashes:  len(t.flashed),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Ticks != entries[j].Ticks {
			return entries[i].Ticks > entries[j].Ticks
		}
		if entries[i].Flashes != entries[j].Flashes {
			return entries[i].Flashes > entries[j].Flashes
		}
		return entries[i].UserID < entries[j].UserID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ReactionStates implements domain.ReactionRepository.
func (r *Repository) ReactionStates(ctx context.Context, viewerID string, activityIDs []string) (map[string]domain.ReactionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}
	out := make(map[string]domain.ReactionState, len(activityIDs))
	for _, id := range activityIDs {
		out[id] = r.reactionState(viewerID, id)
	}
	return out, nil
}

func (r *Repository) reactionState(viewerID, activityID string) domain.ReactionState {
	state := domain.ReactionState{ActivityID: activityID, Viewer: []domain.ReactionKind{}}
	for userID, kinds := range r.reactions[activityID] {
		for kind := range kinds {
			state.Counts.Add(kind, 1)
		}
		if userID != viewerID || viewerID == "" {
			continue
		}
		for _, kind := range domain.ReactionKinds {
			if _, ok := kinds[kind]; ok {
				state.Viewer = append(state.Viewer, kind)
			}
		}
	}
	return state
}

// SetReaction implements domain.ReactionRepository.
func (r *Repository) SetReaction(ctx context.Context, viewerID, activityID string, kind domain.ReactionKind, present bool, at time.Time) (domain.ReactionState, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return domain.ReactionState{}, false, r.failure
	}

	byUser, ok := r.reactions[activityID]
	if !ok {
		byUser = make(map[string]map[domain.ReactionKind]time.Time)
		r.reactions[activityID] = byUser
	}
	kinds, ok := byUser[viewerID]
	if !ok {
		kinds = make(map[domain.ReactionKind]time.Time)
		byUser[viewerID] = kinds
	}
	_, had := kinds[kind]
	changed := had != present
	if present && !had {
		kinds[kind] = at
	}
	if !present && had {
		delete(kinds, kind)
	}
	return r.reactionState(viewerID, activityID), changed, nil
}

// SetRating implements domain.ReactionRepository.
func (r *Repository) SetRating(ctx context.Context, record domain.Activity, stars int) (domain.RatingState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return domain.RatingState{}, r.failure
	}

	byUser, ok := r.ratings[record.RouteID]
	if !ok {
		byUser = make(map[string]rating)
		r.ratings[record.RouteID] = byUser
	}
	if existing, ok := byUser[record.UserID]; !ok || !record.CreatedAt.Before(existing.ratedAt) {
		byUser[record.UserID] = rating{stars: stars, ratedAt: record.CreatedAt}
		r.activities[record.ID] = record
	}
	return r.ratingState(record.UserID, record.RouteID), nil
}

// RatingState implements domain.ReactionRepository.
func (r *Repository) RatingState(ctx context.Context, viewerID, routeID string) (domain.RatingState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return domain.RatingState{}, r.failure
	}
	return r.ratingState(viewerID, routeID), nil
}

func (r *Repository) ratingState(viewerID, routeID string) domain.RatingState {
	state := domain.RatingState{RouteID: routeID}
	for userID, rt := range r.ratings[routeID] {
		state.Count++
		state.Total += rt.stars
		if viewerID != "" && userID == viewerID {
			state.ViewerStars = rt.stars
		}
	}
	return state
}

// GetRoute implements domain.RouteRepository.
func (r *Repository) GetRoute(ctx context.Context, routeID string) (*domain.Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}
	route, ok := r.routes[routeID]
	if !ok {
		return nil, nil
	}
	return &route, nil
}

// UpsertRoute implements domain.RouteRepository.
func (r *Repository) UpsertRoute(ctx context.Context, route domain.Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	r.routes[route.ID] = route
	return nil
}

// GradeDistribution implements domain.RouteRepository.
func (r *Repository) GradeDistribution(ctx context.Context, routeID string) ([]domain.GradeBucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure != nil {
		return nil, r.failure
	}

	votes := make(map[string]int)
	for _, id := range r.latestSupersedable() {
		a := r.activities[id]
		if a.ActionType != domain.ActionVote || a.RouteID != routeID {
			continue
		}
		votes[a.Content]++
	}

	buckets := make([]domain.GradeBucket, 0, len(votes))
	for grade, n := range votes {
		buckets = append(buckets, domain.GradeBucket{Grade: grade, Votes: n})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Votes != buckets[j].Votes {
			return buckets[i].Votes > buckets[j].Votes
		}
		return buckets[i].Grade < buckets[j].Grade
	})
	return buckets, nil
}
