// Package events defines shared cross-service event payloads.
package events

import "time"

// Event type names carried in the outbox and in the event_type Kafka header.
const (
	TypeActivityCreated = "activity.created"
	TypeReactionChanged = "reaction.changed"
	TypeRatingChanged   = "rating.changed"
)

// ActivityCreated is emitted when a feed activity record is accepted.
type ActivityCreated struct {
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	ActionType string    `json:"action_type"`
	RouteID    string    `json:"route_id,omitempty"`
	RouteGrade string    `json:"route_grade,omitempty"`
	Content    string    `json:"content,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReactionChanged is emitted when a viewer adds or removes a reaction.
type ReactionChanged struct {
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Present    bool      `json:"present"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RatingChanged is emitted when a viewer replaces their star rating of a route.
type RatingChanged struct {
	RouteID    string    `json:"route_id"`
	UserID     string    `json:"user_id"`
	Stars      int       `json:"stars"`
	OccurredAt time.Time `json:"occurred_at"`
}
