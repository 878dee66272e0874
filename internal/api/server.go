// Package api exposes the HTTP surface: group and event CRUD plus the
// recommendation submit/fetch endpoints backed by the async engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"group-calendar/internal/auth"
	"group-calendar/internal/config"
	"group-calendar/internal/interval"
	"group-calendar/internal/lock"
	"group-calendar/internal/models"
	"group-calendar/internal/ratelimit"
	"group-calendar/internal/recommend"
	"group-calendar/internal/store"
	"group-calendar/internal/telemetry"
)

// Store is the persistence surface the handlers read and write.
// *store.Store satisfies it; tests substitute fakes.
type Store interface {
	CreateGroup(ctx context.Context, name, description, ownerID, ownerEmail string) (models.Group, error)
	GetGroup(ctx context.Context, id string) (models.Group, error)
	DeleteGroup(ctx context.Context, id string) error
	AddMember(ctx context.Context, groupID, userID, email, role string) (models.Membership, error)
	ListMembers(ctx context.Context, groupID string) ([]models.Membership, error)
	RemoveMember(ctx context.Context, groupID, userID string) error
	MemberRole(ctx context.Context, groupID, userID string) (string, error)
	CreateEvent(ctx context.Context, e models.Event) (models.Event, error)
	ListEvents(ctx context.Context, groupID string) ([]models.Event, error)
	HasOverlappingEvent(ctx context.Context, groupID string, span interval.Span) (bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListIntervals(ctx context.Context, jobID string) ([]models.Interval, error)
}

// Submitter admits recommendation jobs; implemented by recommend.Gate.
type Submitter interface {
	Submit(ctx context.Context, groupID string, req recommend.SubmitRequest) (models.Job, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      config.Config
	store    Store
	gate     Submitter
	locks    recommend.Locker
	verifier *auth.Verifier
	limiter  *ratelimit.TokenBucket
	logger   *zap.Logger
}

// New constructs the API server; all collaborators are injected.
func New(cfg config.Config, st Store, gate Submitter, locks recommend.Locker, verifier *auth.Verifier, limiter *ratelimit.TokenBucket, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		gate:     gate,
		locks:    locks,
		verifier: verifier,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Post("/groups", s.handleCreateGroup)
		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.With(s.requireMember).Get("/", s.handleGetGroup)
			r.With(s.requireOrganizer).Delete("/", s.handleDeleteGroup)
			r.With(s.requireOrganizer).Post("/users", s.handleAddMember)
			r.With(s.requireMember).Get("/users", s.handleListMembers)
			r.With(s.requireOrganizer).Delete("/users", s.handleRemoveMember)
		})

		r.Route("/events", func(r chi.Router) {
			r.With(s.requireOrganizer).Post("/group/{groupID}", s.handleCreateEvent)
			r.With(s.requireMember).Get("/group/{groupID}", s.handleListEvents)
			r.With(s.requireOrganizer).Post("/recommendations/group/{groupID}", s.handleSubmitRecommendation)
			r.With(s.requireMember).Get("/recommendations/group/{groupID}/job/{jobID}", s.handleGetRecommendation)
		})
	})

	return r
}

// requireMember admits any member of the path group.
func (s *Server) requireMember(next http.Handler) http.Handler {
	return s.requireRole(next, "")
}

// requireOrganizer admits only the group's organizer.
func (s *Server) requireOrganizer(next http.Handler) http.Handler {
	return s.requireRole(next, models.RoleOrganizer)
}

func (s *Server) requireRole(next http.Handler, required string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		groupID := chi.URLParam(r, "groupID")
		role, err := s.store.MemberRole(r.Context(), groupID, identity.UserID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "user is not a member of this group")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "membership lookup failed")
			return
		}
		if required != "" && role != required {
			writeError(w, http.StatusForbidden, fmt.Sprintf("user must have role %q for this action", required))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	group, err := s.store.CreateGroup(r.Context(), req.Name, req.Description, identity.UserID, identity.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create group failed")
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.store.GetGroup(r.Context(), chi.URLParam(r, "groupID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get group failed")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteGroup(r.Context(), chi.URLParam(r, "groupID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete group failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "group deleted"})
}

type memberRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	groupID := chi.URLParam(r, "groupID")
	member, err := s.store.AddMember(r.Context(), groupID, req.UserID, req.Email, models.RoleMember)
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, "user already in group")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "add member failed")
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	members, err := s.store.ListMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list members failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "members": members})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	err := s.store.RemoveMember(r.Context(), chi.URLParam(r, "groupID"), req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user is not a member of this group")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "remove member failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "user removed from group"})
}

type createEventRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Start       string `json:"start_time"`
	End         string `json:"end_time"`
}

// handleCreateEvent runs the overlap check and insert as one
// read-check-write sequence under the same per-group lock that guards
// recommendation submission, so concurrent writers cannot both pass
// the check.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	groupID := chi.URLParam(r, "groupID")

	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	span, err := parseSpan(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lease, err := s.locks.Acquire(r.Context(), recommend.GroupLockKey(groupID))
	if errors.Is(err, lock.ErrBusy) {
		writeError(w, http.StatusConflict, "group is busy, retry later")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "lock service unavailable")
		return
	}
	defer func() {
		if rerr := lease.Release(r.Context()); rerr != nil && !errors.Is(rerr, lock.ErrNotHeld) {
			s.logger.Warn("lock release failed", zap.String("group_id", groupID), zap.Error(rerr))
		}
	}()

	overlaps, err := s.store.HasOverlappingEvent(r.Context(), groupID, span)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "overlap check failed")
		return
	}
	if overlaps {
		writeError(w, http.StatusBadRequest, "event time overlaps with an existing event")
		return
	}

	event, err := s.store.CreateEvent(r.Context(), models.Event{
		GroupID:     groupID,
		Title:       req.Title,
		Description: req.Description,
		StartTime:   span.Start,
		EndTime:     span.End,
		CreatedBy:   identity.UserID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create event failed")
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	events, err := s.store.ListEvents(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": groupID, "events": events})
}

func (s *Server) handleSubmitRecommendation(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	groupID := chi.URLParam(r, "groupID")

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:user:"+identity.UserID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var req recommend.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := s.gate.Submit(r.Context(), groupID, req)
	switch {
	case errors.Is(err, recommend.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, recommend.ErrBusy):
		writeError(w, http.StatusConflict, "another submission is in flight for this group")
		return
	case err != nil:
		s.logger.Error("submit recommendation", zap.String("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "submitted",
	})
}

func (s *Server) handleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.GroupID != groupID) {
		writeError(w, http.StatusNotFound, "no job with this id exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}

	switch job.Status {
	case models.StatusPending:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": models.StatusPending})
	case models.StatusFailed:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": models.StatusFailed})
	case models.StatusDone:
		intervals, err := s.store.ListIntervals(r.Context(), job.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list intervals failed")
			return
		}
		if len(intervals) == 0 {
			writeError(w, http.StatusNotFound, "no intervals found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":    job.ID,
			"status":    models.StatusDone,
			"intervals": intervals,
		})
	default:
		writeError(w, http.StatusInternalServerError, "unknown job status")
	}
}

func parseSpan(start, end string) (interval.Span, error) {
	s, err := parseInstant(start)
	if err != nil {
		return interval.Span{}, fmt.Errorf("bad start_time %q", start)
	}
	e, err := parseInstant(end)
	if err != nil {
		return interval.Span{}, fmt.Errorf("bad end_time %q", end)
	}
	span := interval.Span{Start: s, End: e}
	if !span.Valid() {
		return interval.Span{}, errors.New("start_time must precede end_time")
	}
	return span, nil
}

func parseInstant(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", value, time.UTC)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
