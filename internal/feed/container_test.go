package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"example.com/cragfeed/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func makeItems(n int, actionType domain.ActionType, prefix string) []domain.FeedItem {
	base := time.Date(2026, time.March, 1, 18, 0, 0, 0, time.UTC)
	items := make([]domain.FeedItem, n)
	for i := range items {
		items[i] = domain.FeedItem{Activity: domain.Activity{
			ID:         fmt.Sprintf("%s%03d", prefix, i),
			ActionType: actionType,
			CreatedAt:  base.Add(-time.Duration(i) * time.Minute),
		}}
	}
	return items
}

// sliceFetcher pages over a fixed slice using the index as cursor.
type sliceFetcher struct {
	mu       sync.Mutex
	items    []domain.FeedItem
	calls    []Query
	err      error
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *sliceFetcher) FetchPage(_ context.Context, q Query) (Page, error) {
	if n := f.inflight.Add(1); n > f.peak.Load() {
		f.peak.Store(n)
	}
	defer f.inflight.Add(-1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if f.err != nil {
		return Page{}, f.err
	}

	allowed := make(map[domain.ActionType]bool, len(q.Filters))
	for _, t := range q.Filters {
		allowed[t] = true
	}
	var matching []domain.FeedItem
	for _, item := range f.items {
		if len(allowed) == 0 || allowed[item.ActionType] {
			matching = append(matching, item)
		}
	}

	start := 0
	if q.Cursor != "" {
		var err error
		if start, err = strconv.Atoi(q.Cursor); err != nil {
			return Page{}, err
		}
	}
	end := min(start+q.Limit, len(matching))
	page := Page{Items: matching[start:end]}
	if end < len(matching) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *sliceFetcher) recorded() []Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Query(nil), f.calls...)
}

type reply struct {
	page Page
	err  error
}

// blockingFetcher hands every query to the test and waits for its reply.
type blockingFetcher struct {
	calls     chan Query
	replies   chan reply
	ignoreCtx bool
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{calls: make(chan Query, 16), replies: make(chan reply)}
}

func (f *blockingFetcher) FetchPage(ctx context.Context, q Query) (Page, error) {
	f.calls <- q
	if f.ignoreCtx {
		r := <-f.replies
		return r.page, r.err
	}
	select {
	case r := <-f.replies:
		return r.page, r.err
	case <-ctx.Done():
		return Page{}, ctx.Err()
	}
}

func TestLoadMoreWalksToExhaustion(t *testing.T) {
	fetcher := &sliceFetcher{items: append(makeItems(25, domain.ActionSend, "s"), makeItems(5, domain.ActionFlash, "f")...)}
	c := New(fetcher, WithLimit(20))
	ctx := context.Background()

	require.NoError(t, c.LoadMore(ctx))
	snap := c.Snapshot()
	require.Len(t, snap.Items, 20)
	require.True(t, snap.HasMore)
	require.Equal(t, "20", snap.Cursor)

	require.NoError(t, c.LoadMore(ctx))
	snap = c.Snapshot()
	require.Len(t, snap.Items, 30)
	require.False(t, snap.HasMore)
	require.Empty(t, snap.Cursor)

	require.NoError(t, c.LoadMore(ctx))
	require.Len(t, fetcher.recorded(), 2, "exhausted feed must not be fetched again")

	seen := make(map[string]bool)
	for _, item := range snap.Items {
		require.False(t, seen[item.ID], "duplicate %s", item.ID)
		seen[item.ID] = true
	}
}

func TestLoadMoreSuppressesConcurrentCalls(t *testing.T) {
	fetcher := newBlockingFetcher()
	c := New(fetcher)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.LoadMore(ctx) }()
	<-fetcher.calls

	for i := 0; i < 5; i++ {
		require.NoError(t, c.LoadMore(ctx))
	}
	require.True(t, c.Snapshot().Loading)

	fetcher.replies <- reply{page: Page{Items: makeItems(3, domain.ActionSend, "a"), NextCursor: "3", HasMore: true}}
	require.NoError(t, <-done)
	require.Empty(t, fetcher.calls)

	snap := c.Snapshot()
	require.False(t, snap.Loading)
	require.Len(t, snap.Items, 3)
}

func TestLoadMoreNeverOverlapsRequests(t *testing.T) {
	fetcher := &sliceFetcher{items: makeItems(200, domain.ActionSend, "s")}
	c := New(fetcher, WithLimit(7))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = c.LoadMore(ctx)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, fetcher.peak.Load())
	cursors := make(map[string]bool)
	for _, q := range fetcher.recorded() {
		require.False(t, cursors[q.Cursor], "cursor %q requested twice", q.Cursor)
		cursors[q.Cursor] = true
	}
	items := c.Snapshot().Items
	for i := 1; i < len(items); i++ {
		require.True(t, domain.FeedBefore(items[i-1].Activity, items[i].Activity))
	}
}

func TestSetFiltersRestartsPagination(t *testing.T) {
	fetcher := &sliceFetcher{items: append(makeItems(30, domain.ActionSend, "s"), makeItems(30, domain.ActionComment, "c")...)}
	c := New(fetcher, WithLimit(20))
	ctx := context.Background()

	require.NoError(t, c.LoadMore(ctx))
	require.NoError(t, c.LoadMore(ctx))
	require.Len(t, c.Snapshot().Items, 40)
	before := len(fetcher.recorded())

	require.NoError(t, c.SetFilters(ctx, []domain.ActionType{domain.ActionSend}))

	calls := fetcher.recorded()[before:]
	require.Len(t, calls, 1)
	require.Equal(t, Query{Filters: []domain.ActionType{domain.ActionSend}, Cursor: "", Limit: 20}, calls[0])

	snap := c.Snapshot()
	require.Len(t, snap.Items, 20)
	for _, item := range snap.Items {
		require.Equal(t, domain.ActionSend, item.ActionType)
	}
	require.Equal(t, []domain.ActionType{domain.ActionSend}, snap.Filters)
}

func TestSetFiltersClearsStateBeforeLoading(t *testing.T) {
	fetcher := newBlockingFetcher()
	c := New(fetcher, WithLimit(2))
	c.Prime(nil, Page{Items: makeItems(2, domain.ActionSend, "p"), NextCursor: "2", HasMore: true})

	done := make(chan error, 1)
	go func() { done <- c.SetFilters(context.Background(), []domain.ActionType{domain.ActionFlash}) }()
	q := <-fetcher.calls
	require.Empty(t, q.Cursor)

	snap := c.Snapshot()
	require.Empty(t, snap.Items)
	require.Empty(t, snap.Cursor)
	require.True(t, snap.HasMore)
	require.True(t, snap.Loading)

	fetcher.replies <- reply{page: Page{Items: makeItems(1, domain.ActionFlash, "f")}}
	require.NoError(t, <-done)
	require.Len(t, c.Snapshot().Items, 1)
}

func TestStaleResponseIsDiscardedAfterFilterChange(t *testing.T) {
	fetcher := newBlockingFetcher()
	c := New(fetcher, WithLimit(2))
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- c.LoadMore(ctx) }()
	<-fetcher.calls

	second := make(chan error, 1)
	go func() { second <- c.SetFilters(ctx, []domain.ActionType{domain.ActionSend}) }()
	q := <-fetcher.calls
	require.Equal(t, []domain.ActionType{domain.ActionSend}, q.Filters)

	// The superseded request is cancelled and its failure is not surfaced.
	require.NoError(t, <-first)
	require.NoError(t, c.Snapshot().Err)

	fetcher.replies <- reply{page: Page{Items: makeItems(1, domain.ActionSend, "new")}}
	require.NoError(t, <-second)

	snap := c.Snapshot()
	require.Len(t, snap.Items, 1)
	require.Equal(t, "new000", snap.Items[0].ID)
}

func TestCloseDiscardsLateResponse(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.ignoreCtx = true
	c := New(fetcher)

	done := make(chan error, 1)
	go func() { done <- c.LoadMore(context.Background()) }()
	<-fetcher.calls

	c.Close()
	fetcher.replies <- reply{page: Page{Items: makeItems(3, domain.ActionSend, "late"), NextCursor: "3", HasMore: true}}
	require.NoError(t, <-done)

	snap := c.Snapshot()
	require.Empty(t, snap.Items)
	require.False(t, snap.Loading)

	require.NoError(t, c.LoadMore(context.Background()))
	require.Empty(t, fetcher.calls)
	require.ErrorIs(t, c.SetFilters(context.Background(), nil), ErrClosed)
}

func TestLoadMoreFailureKeepsErrorForRetry(t *testing.T) {
	fetcher := &sliceFetcher{items: makeItems(5, domain.ActionSend, "s")}
	c := New(fetcher, WithLimit(2))
	ctx := context.Background()
	require.NoError(t, c.LoadMore(ctx))

	boom := errors.New("store unreachable")
	fetcher.err = boom
	require.ErrorIs(t, c.LoadMore(ctx), boom)

	snap := c.Snapshot()
	require.ErrorIs(t, snap.Err, boom)
	require.True(t, snap.HasMore)
	require.Len(t, snap.Items, 2)
	require.Equal(t, "2", snap.Cursor)

	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.mu.Unlock()
	require.NoError(t, c.LoadMore(ctx))

	snap = c.Snapshot()
	require.NoError(t, snap.Err)
	require.Len(t, snap.Items, 4)
}

func TestScrolledLoadsNearTheEnd(t *testing.T) {
	fetcher := &sliceFetcher{items: makeItems(50, domain.ActionSend, "s")}
	c := New(fetcher, WithLimit(10), WithThreshold(3))
	ctx := context.Background()

	require.NoError(t, c.Scrolled(ctx, -1))
	require.Len(t, fetcher.recorded(), 1)

	require.NoError(t, c.Scrolled(ctx, 5))
	require.Len(t, fetcher.recorded(), 1)

	require.NoError(t, c.Scrolled(ctx, 6))
	require.Len(t, fetcher.recorded(), 2)
	require.Len(t, c.Snapshot().Items, 20)
}

func TestPrimeContinuesFromServerRenderedPage(t *testing.T) {
	fetcher := &sliceFetcher{items: makeItems(6, domain.ActionSend, "s")}
	var hooked []string
	c := New(fetcher, WithLimit(3), WithPageHook(func(items []domain.FeedItem) {
		for _, item := range items {
			hooked = append(hooked, item.ID)
		}
	}))

	c.Prime(nil, Page{Items: fetcher.items[:3], NextCursor: "3", HasMore: true})
	require.NoError(t, c.LoadMore(context.Background()))

	calls := fetcher.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "3", calls[0].Cursor)

	snap := c.Snapshot()
	require.Len(t, snap.Items, 6)
	require.False(t, snap.HasMore)
	require.Equal(t, []string{"s000", "s001", "s002", "s003", "s004", "s005"}, hooked)
}
