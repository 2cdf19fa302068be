// Package reaction implements the client-side optimistic reaction and rating
// state for one viewer session.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/cragfeed/internal/domain"
)

// ErrInFlight is returned when a mutation for the same key has not resolved
// yet. Callers should treat the control as disabled.
var ErrInFlight = errors.New("reaction: mutation already in flight")

// API is the server side of the mutator.
type API interface {
	SetReaction(ctx context.Context, activityID string, kind domain.ReactionKind, present bool) (domain.ReactionState, error)
	SetRating(ctx context.Context, routeID string, stars int) (domain.RatingState, error)
}

// MutationError reports a failed server write. The optimistic change has
// already been rolled back when it is returned.
type MutationError struct {
	Op  string
	Key string
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

type toggleKey struct {
	activityID string
	kind       domain.ReactionKind
}

// Mutator keeps confirmed server state apart from pending writes and derives
// the displayed state from both. A pending write only adjusts the view when the
// confirmed state differs from its target, so reconciling another key on the
// same activity never counts a change twice.
type Mutator struct {
	api API

	mu             sync.Mutex
	reactions      map[string]domain.ReactionState
	pending        map[toggleKey]bool
	ratings        map[string]domain.RatingState
	pendingRatings map[string]int
}

// NewMutator returns an empty mutator backed by api.
func NewMutator(api API) *Mutator {
	return &Mutator{
		api:            api,
		reactions:      make(map[string]domain.ReactionState),
		pending:        make(map[toggleKey]bool),
		ratings:        make(map[string]domain.RatingState),
		pendingRatings: make(map[string]int),
	}
}

// Seed installs server truth, for example the reaction states of a feed page.
// Pending writes keep applying on top.
func (m *Mutator) Seed(states ...domain.ReactionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		m.reactions[s.ActivityID] = s
	}
}

// SeedRatings installs server truth for route ratings.
func (m *Mutator) SeedRatings(states ...domain.RatingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		m.ratings[s.RouteID] = s
	}
}

// Reactions returns the displayed reaction state of an activity.
func (m *Mutator) Reactions(activityID string) domain.ReactionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reactionViewLocked(activityID)
}

// Rating returns the displayed rating state of a route.
func (m *Mutator) Rating(routeID string) domain.RatingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ratingViewLocked(routeID)
}

// InFlight reports whether a toggle for (activityID, kind) is unresolved.
func (m *Mutator) InFlight(activityID string, kind domain.ReactionKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[toggleKey{activityID, kind}]
	return ok
}

// Toggle flips the viewer's reaction. The flipped state is visible through
// Reactions as soon as Toggle starts; Toggle returns once the server answered,
// with the reconciled state on success or the rolled back state and a
// *MutationError on failure.
func (m *Mutator) Toggle(ctx context.Context, activityID string, kind domain.ReactionKind) (domain.ReactionState, error) {
	if !kind.Valid() {
		return domain.ReactionState{}, fmt.Errorf("%w: unknown reaction kind %q", domain.ErrValidation, kind)
	}
	key := toggleKey{activityID, kind}

	m.mu.Lock()
	if _, busy := m.pending[key]; busy {
		view := m.reactionViewLocked(activityID)
		m.mu.Unlock()
		return view, ErrInFlight
	}
	target := !m.reactionViewLocked(activityID).Has(kind)
	m.pending[key] = target
	m.mu.Unlock()

	state, err := m.api.SetReaction(ctx, activityID, kind, target)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key)
	if err != nil {
		return m.reactionViewLocked(activityID), &MutationError{Op: "toggle", Key: activityID + "/" + string(kind), Err: err}
	}
	state.ActivityID = activityID
	m.reactions[activityID] = state
	return m.reactionViewLocked(activityID), nil
}

// SetRating replaces the viewer's rating of a route with stars, following the
// same optimistic shape as Toggle. Only one rating write per route may be
// outstanding.
func (m *Mutator) SetRating(ctx context.Context, routeID string, stars int) (domain.RatingState, error) {
	if stars < domain.MinStars || stars > domain.MaxStars {
		return domain.RatingState{}, fmt.Errorf("%w: stars must be between %d and %d", domain.ErrValidation, domain.MinStars, domain.MaxStars)
	}

	m.mu.Lock()
	if _, busy := m.pendingRatings[routeID]; busy {
		view := m.ratingViewLocked(routeID)
		m.mu.Unlock()
		return view, ErrInFlight
	}
	m.pendingRatings[routeID] = stars
	m.mu.Unlock()

	state, err := m.api.SetRating(ctx, routeID, stars)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingRatings, routeID)
	if err != nil {
		return m.ratingViewLocked(routeID), &MutationError{Op: "rate", Key: routeID, Err: err}
	}
	state.RouteID = routeID
	m.ratings[routeID] = state
	return m.ratingViewLocked(routeID), nil
}

func (m *Mutator) reactionViewLocked(activityID string) domain.ReactionState {
	view, ok := m.reactions[activityID]
	if !ok {
		view = domain.ReactionState{ActivityID: activityID}
	}
	for _, kind := range domain.ReactionKinds {
		if target, ok := m.pending[toggleKey{activityID, kind}]; ok {
			view = view.With(kind, target)
		}
	}
	if view.Viewer == nil {
		view.Viewer = []domain.ReactionKind{}
	}
	return view
}

func (m *Mutator) ratingViewLocked(routeID string) domain.RatingState {
	view, ok := m.ratings[routeID]
	if !ok {
		view = domain.RatingState{RouteID: routeID}
	}
	if stars, ok := m.pendingRatings[routeID]; ok && view.ViewerStars != stars {
		view = view.WithViewerStars(stars)
	}
	return view
}
