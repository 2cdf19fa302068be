package domain

import (
	"fmt"
	"strings"
	"time"
)

// ActionType classifies a feed activity record.
type ActionType string

const (
	ActionSend        ActionType = "SEND"
	ActionFlash       ActionType = "FLASH"
	ActionComment     ActionType = "COMMENT"
	ActionRating      ActionType = "RATING"
	ActionVote        ActionType = "VOTE"
	ActionAchievement ActionType = "ACHIEVEMENT"
)

// ActionTypes lists every known action type in display order.
var ActionTypes = []ActionType{ActionSend, ActionFlash, ActionComment, ActionRating, ActionVote, ActionAchievement}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// ParseActionType accepts any casing of a known action type.
func ParseActionType(raw string) (ActionType, error) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action type %q", ErrValidation, raw)
	}
	return a, nil
}

// Supersedable reports whether newer records from the same user for the same
// route replace older ones in the feed.
func (a ActionType) Supersedable() bool {
	return a == ActionRating || a == ActionVote
}

// Activity is a single immutable feed record.
type Activity struct {
	ID         string
	UserID     string
	UserName   string
	ActionType ActionType
	RouteID    string
	RouteGrade string
	RouteColor string
	Content    string
	CreatedAt  time.Time
}

// Route is a set climbing problem referenced by activities.
type Route struct {
	ID        string
	Name      string
	Grade     string
	Color     string
	SetAt     time.Time
	RetiredAt *time.Time
}

// Viewer identifies the caller. The zero value is an anonymous viewer.
type Viewer struct {
	ID   string
	Name string
}

// Anonymous reports whether no identity is attached.
func (v Viewer) Anonymous() bool {
	return v.ID == ""
}

// GradeBucket counts consensus votes for a single grade label.
type GradeBucket struct {
	Grade string
	Votes int
}

// LeaderboardEntry summarises one climber's ticks inside a season window.
type LeaderboardEntry struct {
	UserID   string
	UserName string
	Ticks    int
	Flashes  int
}
