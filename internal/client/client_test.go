package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"example.com/cragfeed/internal/api"
	"example.com/cragfeed/internal/auth"
	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/feed"
	"example.com/cragfeed/internal/persistence/memory"
	"example.com/cragfeed/internal/reaction"
	authlib "example.com/cragfeed/pkg/auth"
)

var testAuth = auth.Config{Secret: "client-test-secret-0123456789abc", Issuer: "cragfeed.test"}

func startAPI(t *testing.T) (*httptest.Server, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	require.NoError(t, repo.UpsertRoute(context.Background(), domain.Route{ID: "r1", Name: "Pinch Me", Grade: "V3", Color: "green"}))

	base := time.Date(2026, time.October, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		repo.Insert(domain.Activity{ID: fmt.Sprintf("send-%02d", i), UserID: "u1", UserName: "Ada", ActionType: domain.ActionSend, RouteID: "r1", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	for i := 0; i < 5; i++ {
		repo.Insert(domain.Activity{ID: fmt.Sprintf("flash-%02d", i), UserID: "u2", UserName: "Bo", ActionType: domain.ActionFlash, RouteID: "r1", CreatedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second)})
	}

	router := mux.NewRouter()
	api.NewHandler(domain.NewService(repo)).RegisterRoutes(router)
	srv := httptest.NewServer(auth.NewMiddleware(testAuth).Wrap(router))
	t.Cleanup(srv.Close)
	return srv, repo
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	token, err := authlib.Sign(authlib.Claims{
		Subject:   subject,
		Scopes:    map[string]struct{}{auth.ScopeReactionsWrite: {}, auth.ScopeActivitiesWrite: {}},
		ExpiresAt: time.Now().Add(time.Hour),
	}, testAuth)
	require.NoError(t, err)
	return token
}

func TestContainerPagesThroughAPI(t *testing.T) {
	srv, _ := startAPI(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	container := feed.New(c, feed.WithLimit(20))
	require.NoError(t, container.SetFilters(ctx, []domain.ActionType{domain.ActionSend, domain.ActionFlash}))
	first := container.Snapshot()
	require.Len(t, first.Items, 20)
	require.True(t, first.HasMore)

	require.NoError(t, container.LoadMore(ctx))
	all := container.Snapshot()
	require.Len(t, all.Items, 30)
	require.False(t, all.HasMore)
	require.Empty(t, all.Cursor)

	for i := 1; i < len(all.Items); i++ {
		require.True(t, domain.FeedBefore(all.Items[i-1].Activity, all.Items[i].Activity))
	}

	again, err := c.FetchPage(ctx, feed.Query{Filters: []domain.ActionType{domain.ActionSend, domain.ActionFlash}, Limit: 20})
	require.NoError(t, err)
	if diff := cmp.Diff(first.Items, again.Items); diff != "" {
		t.Fatalf("re-issued page differs (-first +again):\n%s", diff)
	}
}

func TestMutatorReconcilesThroughAPI(t *testing.T) {
	srv, _ := startAPI(t)
	ctx := context.Background()
	other := New(srv.URL, bearer(t, "u7"))
	_, err := other.SetReaction(ctx, "send-00", domain.ReactionLike, true)
	require.NoError(t, err)

	viewer := New(srv.URL, bearer(t, "u8"))
	page, err := viewer.FetchPage(ctx, feed.Query{Filters: []domain.ActionType{domain.ActionSend}, Limit: 100})
	require.NoError(t, err)

	m := reaction.NewMutator(viewer)
	for _, item := range page.Items {
		m.Seed(item.Reactions)
	}
	require.Equal(t, 1, m.Reactions("send-00").Counts.Likes)

	state, err := m.Toggle(ctx, "send-00", domain.ReactionLike)
	require.NoError(t, err)
	require.Equal(t, 2, state.Counts.Likes)
	require.Equal(t, []domain.ReactionKind{domain.ReactionLike}, state.Viewer)

	rating, err := m.SetRating(ctx, "r1", 5)
	require.NoError(t, err)
	require.Equal(t, domain.RatingState{RouteID: "r1", Count: 1, Total: 5, ViewerStars: 5}, rating)
}

func TestMutatorRollsBackOnAPIRejection(t *testing.T) {
	srv, _ := startAPI(t)
	m := reaction.NewMutator(New(srv.URL, bearer(t, "u8")))
	m.Seed(domain.ReactionState{ActivityID: "missing", Counts: domain.ReactionCounts{Fires: 4}})

	state, err := m.Toggle(context.Background(), "missing", domain.ReactionFire)
	var mutErr *reaction.MutationError
	require.ErrorAs(t, err, &mutErr)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 404, apiErr.Status)
	require.Equal(t, "not_found", apiErr.Type)
	require.Equal(t, 4, state.Counts.Fires)
	require.Empty(t, state.Viewer)
}

func TestStoreOutageSurfacesAsRetryableDataAccess(t *testing.T) {
	srv, repo := startAPI(t)
	repo.SetFailure(errors.New("db down"))

	container := feed.New(New(srv.URL, ""))
	err := container.LoadMore(context.Background())
	require.ErrorIs(t, err, domain.ErrDataAccess)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.Retryable())

	snap := container.Snapshot()
	require.Empty(t, snap.Items)
	require.True(t, snap.HasMore)

	repo.SetFailure(nil)
	require.NoError(t, container.LoadMore(context.Background()))
	require.Len(t, container.Snapshot().Items, 20)
}

func TestCreateActivityAndLeaderboard(t *testing.T) {
	srv, _ := startAPI(t)
	c := New(srv.URL, bearer(t, "u9"))
	ctx := context.Background()

	created, err := c.CreateActivity(ctx, api.CreateActivityRequest{ActionType: "SEND", RouteID: "r1"}, "k1")
	require.NoError(t, err)
	replay, err := c.CreateActivity(ctx, api.CreateActivityRequest{ActionType: "SEND", RouteID: "r1"}, "k1")
	require.NoError(t, err)
	require.True(t, replay.Replay)
	require.Equal(t, created.Activity.ActivityID, replay.Activity.ActivityID)

	_, err = c.CreateActivity(ctx, api.CreateActivityRequest{ActionType: "COMMENT", RouteID: "r1"}, "")
	require.ErrorIs(t, err, domain.ErrValidation)

	board, err := c.Leaderboard(ctx, time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, time.October, 3, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, board.Entries, 2)
	// Both ticked one route; the flash breaks the tie.
	require.Equal(t, "u2", board.Entries[0].UserID)
	require.Equal(t, 1, board.Entries[0].Flashes)
}

func TestReadsReflectViewer(t *testing.T) {
	srv, _ := startAPI(t)
	ctx := context.Background()
	writer := New(srv.URL, bearer(t, "u3"))
	_, err := writer.SetReaction(ctx, "flash-01", domain.ReactionCelebrate, true)
	require.NoError(t, err)
	_, err = writer.SetRating(ctx, "r1", 3)
	require.NoError(t, err)

	mine, err := writer.Reactions(ctx, "flash-01")
	require.NoError(t, err)
	require.Equal(t, 1, mine.Counts.Celebrates)
	require.Equal(t, []domain.ReactionKind{domain.ReactionCelebrate}, mine.Viewer)

	anonymous := New(srv.URL, "")
	theirs, err := anonymous.Reactions(ctx, "flash-01")
	require.NoError(t, err)
	require.Equal(t, 1, theirs.Counts.Celebrates)
	require.Empty(t, theirs.Viewer)

	rating, err := anonymous.Rating(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.RatingState{RouteID: "r1", Count: 1, Total: 3}, rating)
}

func TestAPIErrorsUnwrapToDomainErrors(t *testing.T) {
	srv, _ := startAPI(t)
	ctx := context.Background()
	c := New(srv.URL, bearer(t, "u3"))

	_, err := c.SetReaction(ctx, "missing", domain.ReactionLike, true)
	require.ErrorIs(t, err, domain.ErrActivityNotFound)

	_, err = c.Rating(ctx, "no-such-route")
	require.ErrorIs(t, err, domain.ErrRouteNotFound)
	require.NotErrorIs(t, err, domain.ErrActivityNotFound)

	readOnly, err := authlib.Sign(authlib.Claims{
		Subject:   "u4",
		Scopes:    map[string]struct{}{auth.ScopeActivitiesWrite: {}},
		ExpiresAt: time.Now().Add(time.Hour),
	}, testAuth)
	require.NoError(t, err)
	_, err = New(srv.URL, readOnly).SetRating(ctx, "r1", 3)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = New(srv.URL, "").SetRating(ctx, "r1", 3)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	unknown := &APIError{Status: 404, Type: "not_found", Detail: "no such endpoint"}
	require.Nil(t, unknown.Unwrap())
}
