package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"group-calendar/internal/auth"
	"group-calendar/internal/config"
	"group-calendar/internal/interval"
	"group-calendar/internal/lock"
	"group-calendar/internal/models"
	"group-calendar/internal/recommend"
	"group-calendar/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	groups    map[string]models.Group
	roles     map[string]map[string]string // groupID -> userID -> role
	events    map[string][]models.Event
	jobs      map[string]models.Job
	intervals map[string][]models.Interval
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups:    map[string]models.Group{},
		roles:     map[string]map[string]string{},
		events:    map[string][]models.Event{},
		jobs:      map[string]models.Job{},
		intervals: map[string][]models.Interval{},
	}
}

func (f *fakeStore) CreateGroup(_ context.Context, name, description, ownerID, _ string) (models.Group, error) {
	g := models.Group{ID: "g-" + name, Name: name, Description: description, OwnerID: ownerID}
	f.groups[g.ID] = g
	f.grant(g.ID, ownerID, models.RoleOrganizer)
	return g, nil
}

func (f *fakeStore) grant(groupID, userID, role string) {
	if f.roles[groupID] == nil {
		f.roles[groupID] = map[string]string{}
	}
	f.roles[groupID][userID] = role
}

func (f *fakeStore) GetGroup(_ context.Context, id string) (models.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return models.Group{}, store.ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) DeleteGroup(_ context.Context, id string) error {
	if _, ok := f.groups[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.groups, id)
	return nil
}

func (f *fakeStore) AddMember(_ context.Context, groupID, userID, email, role string) (models.Membership, error) {
	if _, ok := f.roles[groupID][userID]; ok {
		return models.Membership{}, store.ErrConflict
	}
	f.grant(groupID, userID, role)
	return models.Membership{GroupID: groupID, UserID: userID, Email: email, Role: role}, nil
}

func (f *fakeStore) ListMembers(_ context.Context, groupID string) ([]models.Membership, error) {
	var out []models.Membership
	for userID, role := range f.roles[groupID] {
		out = append(out, models.Membership{GroupID: groupID, UserID: userID, Role: role})
	}
	return out, nil
}

func (f *fakeStore) RemoveMember(_ context.Context, groupID, userID string) error {
	if _, ok := f.roles[groupID][userID]; !ok {
		return store.ErrNotFound
	}
	delete(f.roles[groupID], userID)
	return nil
}

func (f *fakeStore) MemberRole(_ context.Context, groupID, userID string) (string, error) {
	role, ok := f.roles[groupID][userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return role, nil
}

func (f *fakeStore) CreateEvent(_ context.Context, e models.Event) (models.Event, error) {
	e.ID = "e-1"
	f.events[e.GroupID] = append(f.events[e.GroupID], e)
	return e, nil
}

func (f *fakeStore) ListEvents(_ context.Context, groupID string) ([]models.Event, error) {
	return f.events[groupID], nil
}

func (f *fakeStore) HasOverlappingEvent(_ context.Context, groupID string, span interval.Span) (bool, error) {
	for _, e := range f.events[groupID] {
		if e.Span().Overlaps(span) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ListIntervals(_ context.Context, jobID string) ([]models.Interval, error) {
	return f.intervals[jobID], nil
}

type fakeGate struct {
	err  error
	last recommend.SubmitRequest
}

func (f *fakeGate) Submit(_ context.Context, groupID string, req recommend.SubmitRequest) (models.Job, error) {
	f.last = req
	if f.err != nil {
		return models.Job{}, f.err
	}
	return models.Job{ID: "job-1", GroupID: groupID, Status: models.StatusPending}, nil
}

func newTestServer(t *testing.T, st Store, gate Submitter) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := lock.New(client, lock.Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		AcquireBudget:  20 * time.Millisecond,
	})
	cfg := config.Config{JWTSecret: testSecret}
	return New(cfg, st, gate, locks, auth.NewVerifier(testSecret), nil, nil), mr
}

func token(t *testing.T, sub string) string {
	t.Helper()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, handler http.Handler, method, path, sub string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token(t, sub))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitRecommendationAccepted(t *testing.T) {
	st := newFakeStore()
	st.grant("g1", "alice", models.RoleOrganizer)
	gate := &fakeGate{}
	srv, _ := newTestServer(t, st, gate)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/events/recommendations/group/g1", "alice", map[string]any{
		"duration":   map[string]int{"hours": 1},
		"start_time": "2026-01-01T08:00:00",
		"end_time":   "2026-01-01T18:00:00",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp["job_id"])
	assert.Equal(t, "submitted", resp["status"])
	assert.Equal(t, 1, gate.last.Duration.Hours)
}

func TestSubmitRecommendationConflictAndValidation(t *testing.T) {
	st := newFakeStore()
	st.grant("g1", "alice", models.RoleOrganizer)

	srv, _ := newTestServer(t, st, &fakeGate{err: recommend.ErrBusy})
	rec := doJSON(t, srv.Router(), http.MethodPost, "/events/recommendations/group/g1", "alice", map[string]any{
		"duration": map[string]int{"hours": 1}, "start_time": "2026-01-01T08:00:00", "end_time": "2026-01-01T18:00:00",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	srv2, _ := newTestServer(t, st, &fakeGate{err: recommend.ErrValidation})
	rec2 := doJSON(t, srv2.Router(), http.MethodPost, "/events/recommendations/group/g1", "alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestSubmitRequiresOrganizer(t *testing.T) {
	st := newFakeStore()
	st.grant("g1", "bob", models.RoleMember)
	srv, _ := newTestServer(t, st, &fakeGate{})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/events/recommendations/group/g1", "bob", map[string]any{
		"duration": map[string]int{"hours": 1}, "start_time": "2026-01-01T08:00:00", "end_time": "2026-01-01T18:00:00",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec2 := doJSON(t, srv.Router(), http.MethodPost, "/events/recommendations/group/g1", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestGetRecommendationLifecycle(t *testing.T) {
	st := newFakeStore()
	st.grant("g1", "alice", models.RoleOrganizer)
	srv, _ := newTestServer(t, st, &fakeGate{})
	router := srv.Router()

	// Unknown job.
	rec := doJSON(t, router, http.MethodGet, "/events/recommendations/group/g1/job/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Pending: no results visible.
	st.jobs["j1"] = models.Job{ID: "j1", GroupID: "g1", Status: models.StatusPending}
	rec = doJSON(t, router, http.MethodGet, "/events/recommendations/group/g1/job/j1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, models.StatusPending, pending["status"])
	assert.NotContains(t, pending, "intervals")

	// Done with no slots is distinct from pending: not-found.
	st.jobs["j2"] = models.Job{ID: "j2", GroupID: "g1", Status: models.StatusDone}
	rec = doJSON(t, router, http.MethodGet, "/events/recommendations/group/g1/job/j2", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Done with slots, ascending by start.
	start, _ := time.Parse(time.RFC3339, "2026-01-01T08:00:00Z")
	st.jobs["j3"] = models.Job{ID: "j3", GroupID: "g1", Status: models.StatusDone}
	st.intervals["j3"] = []models.Interval{
		{JobID: "j3", StartTime: start, EndTime: start.Add(time.Hour)},
		{JobID: "j3", StartTime: start.Add(time.Hour), EndTime: start.Add(2 * time.Hour)},
	}
	rec = doJSON(t, router, http.MethodGet, "/events/recommendations/group/g1/job/j3", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var done struct {
		Status    string            `json:"status"`
		Intervals []models.Interval `json:"intervals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, models.StatusDone, done.Status)
	require.Len(t, done.Intervals, 2)
	assert.True(t, done.Intervals[0].StartTime.Before(done.Intervals[1].StartTime))

	// A job belonging to a different group is invisible here.
	st.grant("g2", "alice", models.RoleOrganizer)
	rec = doJSON(t, router, http.MethodGet, "/events/recommendations/group/g2/job/j3", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateEventOverlapRejected(t *testing.T) {
	st := newFakeStore()
	st.grant("g1", "alice", models.RoleOrganizer)
	srv, _ := newTestServer(t, st, &fakeGate{})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/events/group/g1", "alice", map[string]string{
		"title": "standup", "start_time": "2026-01-01T10:00:00", "end_time": "2026-01-01T11:00:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Same window again: the read-check-write sequence rejects it.
	rec = doJSON(t, router, http.MethodPost, "/events/group/g1", "alice", map[string]string{
		"title": "conflicting", "start_time": "2026-01-01T10:00:00", "end_time": "2026-01-01T11:00:00",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Adjacent window is fine: spans are half-open.
	rec = doJSON(t, router, http.MethodPost, "/events/group/g1", "alice", map[string]string{
		"title": "next", "start_time": "2026-01-01T11:00:00", "end_time": "2026-01-01T12:00:00",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateEventLockHeldConflicts(t *testing.T) {
	st := newFakeStore()
	st.grant("g1", "alice", models.RoleOrganizer)
	srv, mr := newTestServer(t, st, &fakeGate{})

	// Another writer holds the group lock past the acquire budget.
	mr.Set(recommend.GroupLockKey("g1"), "someone-else")

	rec := doJSON(t, srv.Router(), http.MethodPost, "/events/group/g1", "alice", map[string]string{
		"title": "standup", "start_time": "2026-01-01T10:00:00", "end_time": "2026-01-01T11:00:00",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGroupAndMembershipFlow(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, &fakeGate{})
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/groups", "alice", map[string]string{"name": "team"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var group models.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))

	rec = doJSON(t, router, http.MethodPost, "/groups/"+group.ID+"/users", "alice", map[string]string{"user_id": "bob"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/groups/"+group.ID+"/users", "alice", map[string]string{"user_id": "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// bob is a plain member: can read, cannot mutate.
	rec = doJSON(t, router, http.MethodGet, "/groups/"+group.ID, "bob", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodDelete, "/groups/"+group.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/groups/"+group.ID+"/users", "alice", map[string]string{"user_id": "bob"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/groups/"+group.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore(), &fakeGate{})
	req := httptest.NewRequest(http.MethodGet, "/groups/g1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
