package domain

import (
	"fmt"
	"strings"
)

// ReactionKind is one of the reactions a viewer can toggle on an activity.
type ReactionKind string

const (
	ReactionLike      ReactionKind = "LIKE"
	ReactionFire      ReactionKind = "FIRE"
	ReactionCelebrate ReactionKind = "CELEBRATE"
)

// ReactionKinds lists the kinds in canonical order.
var ReactionKinds = []ReactionKind{ReactionLike, ReactionFire, ReactionCelebrate}

// Valid reports whether k is a known reaction kind.
func (k ReactionKind) Valid() bool {
	return k == ReactionLike || k == ReactionFire || k == ReactionCelebrate
}

// ParseReactionKind accepts any casing of a known kind.
func ParseReactionKind(raw string) (ReactionKind, error) {
	k := ReactionKind(strings.ToUpper(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown reaction kind %q", ErrValidation, raw)
	}
	return k, nil
}

// ReactionCounts holds the per-kind totals for one activity.
type ReactionCounts struct {
	Likes      int
	Fires      int
	Celebrates int
}

// Of returns the count for kind.
func (c ReactionCounts) Of(kind ReactionKind) int {
	switch kind {
	case ReactionLike:
		return c.Likes
	case ReactionFire:
		return c.Fires
	case ReactionCelebrate:
		return c.Celebrates
	}
	return 0
}

// Add adjusts the count for kind by delta, never going below zero.
func (c *ReactionCounts) Add(kind ReactionKind, delta int) {
	var field *int
	switch kind {
	case ReactionLike:
		field = &c.Likes
	case ReactionFire:
		field = &c.Fires
	case ReactionCelebrate:
		field = &c.Celebrates
	default:
		return
	}
	*field += delta
	if *field < 0 {
		*field = 0
	}
}

// ReactionState is the reaction summary of one activity as seen by a viewer.
type ReactionState struct {
	ActivityID string
	Counts     ReactionCounts
	Viewer     []ReactionKind
}

// Has reports whether the viewer has applied kind.
func (s ReactionState) Has(kind ReactionKind) bool {
	for _, k := range s.Viewer {
		if k == kind {
			return true
		}
	}
	return false
}

// With returns a copy of s with kind applied or removed for the viewer and
// the matching count adjusted. Applying a state the viewer already holds is a
// no-op.
func (s ReactionState) With(kind ReactionKind, present bool) ReactionState {
	out := ReactionState{ActivityID: s.ActivityID, Counts: s.Counts}
	has := s.Has(kind)
	switch {
	case present && !has:
		out.Counts.Add(kind, 1)
	case !present && has:
		out.Counts.Add(kind, -1)
	}
	out.Viewer = make([]ReactionKind, 0, len(ReactionKinds))
	for _, k := range ReactionKinds {
		if k == kind {
			if present {
				out.Viewer = append(out.Viewer, k)
			}
			continue
		}
		if s.Has(k) {
			out.Viewer = append(out.Viewer, k)
		}
	}
	return out
}

// RatingState summarises star ratings of a route as seen by a viewer.
// ViewerStars is zero when the viewer has not rated the route.
type RatingState struct {
	RouteID     string
	Count       int
	Total       int
	ViewerStars int
}

// Average returns the mean star rating, or zero when unrated.
func (s RatingState) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Total) / float64(s.Count)
}

// WithViewerStars returns a copy of s with the viewer's rating replaced.
func (s RatingState) WithViewerStars(stars int) RatingState {
	out := s
	if out.ViewerStars > 0 {
		out.Total -= out.ViewerStars
		out.Count--
	}
	if stars > 0 {
		out.Total += stars
		out.Count++
	}
	out.ViewerStars = stars
	return out
}

const (
	// MinStars is the lowest accepted route rating.
	MinStars = 1
	// MaxStars is the highest accepted route rating.
	MaxStars = 5
)
