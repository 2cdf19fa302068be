// Package feed holds the client-side accumulation of feed pages for one view.
package feed

import (
	"context"
	"errors"
	"sync"

	"example.com/cragfeed/internal/domain"
)

// ErrClosed is returned when a closed container is asked to restart.
var ErrClosed = errors.New("feed: container closed")

// DefaultThreshold is how many rows from the end a scroll position may be
// before the next page is requested.
const DefaultThreshold = 5

// Query is the request a container issues for one page.
type Query struct {
	Filters []domain.ActionType
	Cursor  string
	Limit   int
}

// Page is one page as delivered to the client. NextCursor is empty when the
// feed is exhausted.
type Page struct {
	Items      []domain.FeedItem
	NextCursor string
	HasMore    bool
}

// Fetcher retrieves feed pages, typically over HTTP.
type Fetcher interface {
	FetchPage(ctx context.Context, q Query) (Page, error)
}

// Snapshot is a consistent copy of the container state.
type Snapshot struct {
	Items   []domain.FeedItem
	Cursor  string
	HasMore bool
	Loading bool
	Filters []domain.ActionType
	Err     error
}

// Option customises a Container.
type Option func(*Container)

// WithLimit sets the page size requested from the server.
func WithLimit(limit int) Option {
	return func(c *Container) {
		c.limit = limit
	}
}

// WithThreshold sets the scroll distance from the end that triggers a load.
func WithThreshold(rows int) Option {
	return func(c *Container) {
		if rows >= 0 {
			c.threshold = rows
		}
	}
}

// WithPageHook registers fn to receive every page merged into the container.
// It runs outside the container lock.
func WithPageHook(fn func([]domain.FeedItem)) Option {
	return func(c *Container) {
		c.onPage = fn
	}
}

// Container accumulates feed pages for a single filter session. At most one
// request is in flight at a time, and responses that belong to an earlier
// generation (before SetFilters, Prime or Close) are discarded.
type Container struct {
	fetcher   Fetcher
	limit     int
	threshold int
	onPage    func([]domain.FeedItem)

	mu         sync.Mutex
	generation uint64
	items      []domain.FeedItem
	cursor     string
	hasMore    bool
	loading    bool
	filters    []domain.ActionType
	err        error
	cancel     context.CancelFunc
	closed     bool
}

// New constructs an empty container. Call LoadMore or SetFilters to fetch the
// first page, or Prime to install one rendered by the server.
func New(fetcher Fetcher, opts ...Option) *Container {
	c := &Container{
		fetcher:   fetcher,
		limit:     domain.DefaultPageLimit,
		threshold: DefaultThreshold,
		hasMore:   true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadMore fetches the page after the current cursor and appends it. It is a
// no-op while a request is in flight, once the feed is exhausted, and after
// Close. A failed load keeps the error for Snapshot and leaves HasMore set so
// the caller can retry.
func (c *Container) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.loading || !c.hasMore {
		c.mu.Unlock()
		return nil
	}
	gen := c.generation
	q := Query{
		Filters: append([]domain.ActionType(nil), c.filters...),
		Cursor:  c.cursor,
		Limit:   c.limit,
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.loading = true
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	page, err := c.fetcher.FetchPage(reqCtx, q)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	c.loading = false
	c.cancel = nil
	if err != nil {
		c.err = err
		c.mu.Unlock()
		return err
	}
	c.err = nil
	c.items = append(c.items, page.Items...)
	c.cursor = page.NextCursor
	c.hasMore = page.HasMore && page.NextCursor != ""
	hook := c.onPage
	c.mu.Unlock()

	if hook != nil {
		hook(page.Items)
	}
	return nil
}

// SetFilters restarts pagination under filters and performs the initial load.
// Items already loaded are dropped, not filtered locally.
func (c *Container) SetFilters(ctx context.Context, filters []domain.ActionType) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.restartLocked()
	c.filters = append([]domain.ActionType(nil), filters...)
	c.mu.Unlock()
	return c.LoadMore(ctx)
}

// Prime installs a first page rendered elsewhere for filters, replacing any
// state and discarding in-flight responses.
func (c *Container) Prime(filters []domain.ActionType, page Page) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.restartLocked()
	c.filters = append([]domain.ActionType(nil), filters...)
	c.items = append(c.items, page.Items...)
	c.cursor = page.NextCursor
	c.hasMore = page.HasMore && page.NextCursor != ""
	hook := c.onPage
	c.mu.Unlock()

	if hook != nil {
		hook(page.Items)
	}
}

// Scrolled reports the index of the last visible item. When it is within the
// threshold of the end the next page is loaded.
func (c *Container) Scrolled(ctx context.Context, lastVisible int) error {
	c.mu.Lock()
	remaining := len(c.items) - 1 - lastVisible
	c.mu.Unlock()
	if remaining > c.threshold {
		return nil
	}
	return c.LoadMore(ctx)
}

// Close discards any in-flight response and turns further loads into no-ops.
func (c *Container) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.restartLocked()
	c.closed = true
}

// Snapshot returns a copy of the current state.
func (c *Container) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Items:   append(make([]domain.FeedItem, 0, len(c.items)), c.items...),
		Cursor:  c.cursor,
		HasMore: c.hasMore,
		Loading: c.loading,
		Filters: append([]domain.ActionType(nil), c.filters...),
		Err:     c.err,
	}
}

func (c *Container) restartLocked() {
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.items = nil
	c.cursor = ""
	c.hasMore = true
	c.loading = false
	c.err = nil
}
