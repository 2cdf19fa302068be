// Package api exposes HTTP handlers for the climbing gym feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"example.com/cragfeed/internal/auth"
	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/persistence"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	health  func(context.Context) error
}

// Option customises a Handler.
type Option func(*Handler)

// WithHealthCheck makes /healthz report the result of check.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(h *Handler) {
		h.health = check
	}
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, opts ...Option) *Handler {
	h := &Handler{service: service}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/feed", h.getFeed).Methods(http.MethodGet)
	v1.HandleFunc("/activities", h.createActivity).Methods(http.MethodPost)
	v1.HandleFunc("/activities/{id}", h.getActivity).Methods(http.MethodGet)
	v1.HandleFunc("/activities/{id}/reactions", h.getReactions).Methods(http.MethodGet)
	v1.HandleFunc("/activities/{id}/reactions/{kind}", h.setReaction).Methods(http.MethodPut, http.MethodDelete)
	v1.HandleFunc("/routes/{id}", h.upsertRoute).Methods(http.MethodPut)
	v1.HandleFunc("/routes/{id}/rating", h.getRating).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{id}/rating", h.setRating).Methods(http.MethodPut)
	v1.HandleFunc("/routes/{id}/grades", h.getGrades).Methods(http.MethodGet)
	v1.HandleFunc("/leaderboard", h.getLeaderboard).Methods(http.MethodGet)

	// Subrouters keep their own fallbacks; without these a method mismatch
	// under /v1 falls through to the 404 handler.
	for _, router := range []*mux.Router{r, v1} {
		router.NotFoundHandler = http.HandlerFunc(notFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
}

// healthz reports OK for container health checks, or 503 when the store is
// unreachable.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "data_access", "store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) getFeed(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filters []domain.ActionType
	for _, raw := range query["type"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			actionType, err := domain.ParseActionType(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
				return
			}
			filters = append(filters, actionType)
		}
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "limit must be an integer")
			return
		}
		limit = parsed
	}

	cursor, err := persistence.DecodeCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	page, err := h.service.GetPage(r.Context(), auth.Viewer(r.Context()), domain.PageQuery{
		Filters: filters,
		Cursor:  cursor,
		Limit:   limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := FeedResponse{
		Items:   make([]ActivityView, 0, len(page.Items)),
		HasMore: page.HasMore,
	}
	for _, item := range page.Items {
		resp.Items = append(resp.Items, toActivityView(item))
	}
	if page.Next != nil {
		next := persistence.EncodeCursor(page.Next)
		resp.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createActivity(w http.ResponseWriter, r *http.Request) {
	viewer, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req CreateActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	actionType, err := domain.ParseActionType(req.ActionType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	activity, replay, err := h.service.CreateActivity(r.Context(), viewer, domain.CreateActivityInput{
		ActionType:     actionType,
		RouteID:        req.RouteID,
		Content:        req.Content,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := CreateActivityResponse{
		Activity: toActivityView(domain.FeedItem{
			Activity:  *activity,
			Reactions: domain.ReactionState{ActivityID: activity.ID},
		}),
		Replay: replay,
	}
	status := http.StatusCreated
	if replay {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetActivity(r.Context(), auth.Viewer(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(item))
}

func (h *Handler) getReactions(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.Reactions(r.Context(), auth.Viewer(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReactionStateView(state))
}

func (h *Handler) setReaction(w http.ResponseWriter, r *http.Request) {
	viewer, ok := requireScope(w, r, auth.ScopeReactionsWrite)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	kind, err := domain.ParseReactionKind(vars["kind"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	present := r.Method == http.MethodPut
	state, err := h.service.SetReaction(r.Context(), viewer, vars["id"], kind, present)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReactionStateView(state))
}

func (h *Handler) upsertRoute(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeRoutesAdmin); !ok {
		return
	}

	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	route := domain.Route{
		ID:        mux.Vars(r)["id"],
		Name:      req.Name,
		Grade:     req.Grade,
		Color:     req.Color,
		RetiredAt: req.RetiredAt,
	}
	if req.SetAt != nil {
		route.SetAt = *req.SetAt
	}

	saved, err := h.service.UpsertRoute(r.Context(), route)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteView(saved))
}

func (h *Handler) getRating(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.RouteRating(r.Context(), auth.Viewer(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRatingView(state))
}

func (h *Handler) setRating(w http.ResponseWriter, r *http.Request) {
	viewer, ok := requireScope(w, r, auth.ScopeReactionsWrite)
	if !ok {
		return
	}

	var req RatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	state, err := h.service.SetRating(r.Context(), viewer, mux.Vars(r)["id"], req.Stars)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRatingView(state))
}

func (h *Handler) getGrades(w http.ResponseWriter, r *http.Request) {
	routeID := mux.Vars(r)["id"]
	buckets, err := h.service.GradeDistribution(r.Context(), routeID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := GradesResponse{RouteID: routeID, Buckets: make([]GradeBucketView, 0, len(buckets))}
	for _, b := range buckets {
		resp.Buckets = append(resp.Buckets, GradeBucketView{Grade: b.Grade, Votes: b.Votes})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var from, to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", name+" must be an RFC3339 timestamp")
			return
		}
		*dst = parsed
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "limit must be an integer")
			return
		}
		limit = parsed
	}

	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = domain.SeasonStart(to)
	}
	entries, err := h.service.Leaderboard(r.Context(), from, to, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := LeaderboardResponse{From: from, To: to, Entries: make([]LeaderboardEntryView, 0, len(entries))}
	for i, e := range entries {
		resp.Entries = append(resp.Entries, LeaderboardEntryView{
			Rank:     i + 1,
			UserID:   e.UserID,
			UserName: e.UserName,
			Ticks:    e.Ticks,
			Flashes:  e.Flashes,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (domain.Viewer, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return domain.Viewer{}, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return domain.Viewer{}, false
	}
	return auth.Viewer(r.Context()), true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", domain.ErrActivityNotFound.Error())
	case errors.Is(err, domain.ErrRouteNotFound):
		writeError(w, http.StatusNotFound, "not_found", domain.ErrRouteNotFound.Error())
	case errors.Is(err, domain.ErrDataAccess):
		hlog.FromRequest(r).Error().Err(err).Msg("store access failed")
		writeError(w, http.StatusServiceUnavailable, "data_access", "feed is temporarily unavailable, retry later")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Type: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
