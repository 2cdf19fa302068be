package api

import (
	"time"

	"example.com/cragfeed/internal/domain"
)

// ReactionCountsView carries per-kind totals.
type ReactionCountsView struct {
	Likes      int `json:"likes"`
	Fires      int `json:"fires"`
	Celebrates int `json:"celebrates"`
}

// ReactionStateView is the reaction summary of an activity for the caller.
type ReactionStateView struct {
	ActivityID      string             `json:"activity_id"`
	Counts          ReactionCountsView `json:"counts"`
	ViewerReactions []string           `json:"viewer_reactions"`
}

// ActivityView exposes a feed record with its reaction state.
type ActivityView struct {
	ActivityID string            `json:"activity_id"`
	UserID     string            `json:"user_id"`
	UserName   string            `json:"user_name"`
	ActionType string            `json:"action_type"`
	RouteID    string            `json:"route_id,omitempty"`
	RouteGrade string            `json:"route_grade,omitempty"`
	RouteColor string            `json:"route_color,omitempty"`
	Content    string            `json:"content,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Reactions  ReactionStateView `json:"reactions"`
}

// FeedResponse is one feed page. NextCursor is null once the feed is exhausted.
type FeedResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor *string        `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// CreateActivityRequest is the payload for POST /v1/activities.
type CreateActivityRequest struct {
	ActionType string `json:"action_type"`
	RouteID    string `json:"route_id"`
	Content    string `json:"content"`
}

// CreateActivityResponse describes the response body for create.
type CreateActivityResponse struct {
	Activity ActivityView `json:"activity"`
	Replay   bool         `json:"idempotent_replay"`
}

// RatingRequest is the payload for PUT /v1/routes/{id}/rating.
type RatingRequest struct {
	Stars int `json:"stars"`
}

// RatingView summarises the ratings of a route.
type RatingView struct {
	RouteID     string  `json:"route_id"`
	Count       int     `json:"count"`
	Total       int     `json:"total"`
	Average     float64 `json:"average"`
	ViewerStars int     `json:"viewer_stars"`
}

// RouteRequest is the payload for PUT /v1/routes/{id}.
type RouteRequest struct {
	Name      string     `json:"name"`
	Grade     string     `json:"grade"`
	Color     string     `json:"color"`
	SetAt     *time.Time `json:"set_at,omitempty"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// RouteView exposes a route definition.
type RouteView struct {
	RouteID   string     `json:"route_id"`
	Name      string     `json:"name"`
	Grade     string     `json:"grade"`
	Color     string     `json:"color"`
	SetAt     time.Time  `json:"set_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// GradeBucketView is one entry of a grade distribution.
type GradeBucketView struct {
	Grade string `json:"grade"`
	Votes int    `json:"votes"`
}

// GradesResponse lists consensus grade votes for a route.
type GradesResponse struct {
	RouteID string            `json:"route_id"`
	Buckets []GradeBucketView `json:"buckets"`
}

// LeaderboardEntryView is one ranked climber.
type LeaderboardEntryView struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Ticks    int    `json:"ticks"`
	Flashes  int    `json:"flashes"`
}

// LeaderboardResponse ranks climbers inside a season window.
type LeaderboardResponse struct {
	From    time.Time              `json:"from"`
	To      time.Time              `json:"to"`
	Entries []LeaderboardEntryView `json:"entries"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func toReactionStateView(s domain.ReactionState) ReactionStateView {
	kinds := make([]string, 0, len(s.Viewer))
	for _, k := range s.Viewer {
		kinds = append(kinds, string(k))
	}
	return ReactionStateView{
		ActivityID: s.ActivityID,
		Counts: ReactionCountsView{
			Likes:      s.Counts.Likes,
			Fires:      s.Counts.Fires,
			Celebrates: s.Counts.Celebrates,
		},
		ViewerReactions: kinds,
	}
}

// ReactionState converts the view back into the domain type.
func (v ReactionStateView) ReactionState() domain.ReactionState {
	kinds := make([]domain.ReactionKind, 0, len(v.ViewerReactions))
	for _, k := range v.ViewerReactions {
		kinds = append(kinds, domain.ReactionKind(k))
	}
	return domain.ReactionState{
		ActivityID: v.ActivityID,
		Counts: domain.ReactionCounts{
			Likes:      v.Counts.Likes,
			Fires:      v.Counts.Fires,
			Celebrates: v.Counts.Celebrates,
		},
		Viewer: kinds,
	}
}

func toActivityView(item domain.FeedItem) ActivityView {
	a := item.Activity
	return ActivityView{
		ActivityID: a.ID,
		UserID:     a.UserID,
		UserName:   a.UserName,
		ActionType: string(a.ActionType),
		RouteID:    a.RouteID,
		RouteGrade: a.RouteGrade,
		RouteColor: a.RouteColor,
		Content:    a.Content,
		CreatedAt:  a.CreatedAt,
		Reactions:  toReactionStateView(item.Reactions),
	}
}

// FeedItem converts the view back into the domain type.
func (v ActivityView) FeedItem() domain.FeedItem {
	return domain.FeedItem{
		Activity: domain.Activity{
			ID:         v.ActivityID,
			UserID:     v.UserID,
			UserName:   v.UserName,
			ActionType: domain.ActionType(v.ActionType),
			RouteID:    v.RouteID,
			RouteGrade: v.RouteGrade,
			RouteColor: v.RouteColor,
			Content:    v.Content,
			CreatedAt:  v.CreatedAt,
		},
		Reactions: v.Reactions.ReactionState(),
	}
}

func toRatingView(s domain.RatingState) RatingView {
	return RatingView{
		RouteID:     s.RouteID,
		Count:       s.Count,
		Total:       s.Total,
		Average:     s.Average(),
		ViewerStars: s.ViewerStars,
	}
}

// RatingState converts the view back into the domain type.
func (v RatingView) RatingState() domain.RatingState {
	return domain.RatingState{
		RouteID:     v.RouteID,
		Count:       v.Count,
		Total:       v.Total,
		ViewerStars: v.ViewerStars,
	}
}

func toRouteView(r domain.Route) RouteView {
	return RouteView{
		RouteID:   r.ID,
		Name:      r.Name,
		Grade:     r.Grade,
		Color:     r.Color,
		SetAt:     r.SetAt,
		RetiredAt: r.RetiredAt,
	}
}
