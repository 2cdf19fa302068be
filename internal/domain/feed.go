package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultPageLimit applies when a caller does not ask for a page size.
	DefaultPageLimit = 20
	// MaxPageLimit bounds the size of a single feed response.
	MaxPageLimit = 100
)

// Cursor marks a position in the feed order (created_at DESC, id DESC).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAt returns the cursor positioned on a.
func CursorAt(a Activity) Cursor {
	return Cursor{CreatedAt: a.CreatedAt, ID: a.ID}
}

// Precedes reports whether a sorts strictly after the cursor position, i.e.
// whether a belongs to a page requested with this cursor.
func (c Cursor) Precedes(a Activity) bool {
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.Before(c.CreatedAt)
	}
	return a.ID < c.ID
}

// FeedBefore reports whether a is ordered before b in the feed.
func FeedBefore(a, b Activity) bool {
	return CursorAt(a).Precedes(b)
}

// PageQuery selects one page of the feed.
type PageQuery struct {
	Filters []ActionType
	Cursor  *Cursor
	Limit   int
}

// normalize validates filters, drops duplicates and clamps the limit.
func (q PageQuery) normalize() (PageQuery, error) {
	seen := make(map[ActionType]struct{}, len(q.Filters))
	filters := make([]ActionType, 0, len(q.Filters))
	for _, f := range q.Filters {
		if !f.Valid() {
			return PageQuery{}, fmt.Errorf("%w: unknown action type %q", ErrValidation, f)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		filters = append(filters, f)
	}
	sort.Slice(filters, func(i, j int) bool { return filters[i] < filters[j] })

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	return PageQuery{Filters: filters, Cursor: q.Cursor, Limit: limit}, nil
}

func (q PageQuery) cacheKey() string {
	var b strings.Builder
	for i, f := range q.Filters {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(f))
	}
	b.WriteByte('|')
	if q.Cursor != nil {
		fmt.Fprintf(&b, "%d:%s", q.Cursor.CreatedAt.UnixNano(), q.Cursor.ID)
	}
	fmt.Fprintf(&b, "|%d", q.Limit)
	return b.String()
}

// FeedItem pairs an activity with the viewer's reaction state for it.
type FeedItem struct {
	Activity
	Reactions ReactionState
}

// Page is one slice of the feed. Next is set iff HasMore. HasMore comes from
// reading one row past the limit, so a final page that holds exactly Limit
// items already reports HasMore false with a nil Next. Callers should stop on a
// nil Next rather than on a short page.
type Page struct {
	Items   []FeedItem
	Next    *Cursor
	HasMore bool
}
