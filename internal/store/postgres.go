package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"group-calendar/internal/interval"
	"group-calendar/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert collides with an existing
	// row (duplicate membership).
	ErrConflict = errors.New("already exists")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity; workers retry this at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateGroup inserts a group and its organizer membership atomically.
func (s *Store) CreateGroup(ctx context.Context, name, description, ownerID, ownerEmail string) (models.Group, error) {
	now := time.Now().UTC()
	group := models.Group{
		ID:           uuid.New().String(),
		Name:         name,
		Description:  description,
		OwnerID:      ownerID,
		CreationDate: now,
		LastUpdate:   now,
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Group{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO groups (id, name, description, owner_id, creation_date, last_update)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, group.ID, group.Name, group.Description, group.OwnerID, now)
	if err != nil {
		return models.Group{}, fmt.Errorf("insert group: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO group_users (id, group_id, user_id, email, role, joined_date)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), group.ID, ownerID, ownerEmail, models.RoleOrganizer, now)
	if err != nil {
		return models.Group{}, fmt.Errorf("insert organizer membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Group{}, fmt.Errorf("commit: %w", err)
	}
	return group, nil
}

// GetGroup fetches a group by id.
func (s *Store) GetGroup(ctx context.Context, id string) (models.Group, error) {
	var g models.Group
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, owner_id, creation_date, last_update
		FROM groups WHERE id = $1
	`, id).Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &g.CreationDate, &g.LastUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Group{}, ErrNotFound
	}
	if err != nil {
		return models.Group{}, fmt.Errorf("scan group: %w", err)
	}
	return g, nil
}

// DeleteGroup removes a group; memberships and events cascade.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMember inserts a membership, failing with ErrConflict if the user
// is already in the group.
func (s *Store) AddMember(ctx context.Context, groupID, userID, email, role string) (models.Membership, error) {
	now := time.Now().UTC()
	m := models.Membership{
		ID:         uuid.New().String(),
		GroupID:    groupID,
		UserID:     userID,
		Email:      email,
		Role:       role,
		JoinedDate: now,
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO group_users (id, group_id, user_id, email, role, joined_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, m.ID, m.GroupID, m.UserID, m.Email, m.Role, m.JoinedDate)
	if err != nil {
		return models.Membership{}, fmt.Errorf("insert membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Membership{}, ErrConflict
	}
	return m, nil
}

// ListMembers returns all memberships of a group.
func (s *Store) ListMembers(ctx context.Context, groupID string) ([]models.Membership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, group_id, user_id, email, role, joined_date
		FROM group_users WHERE group_id = $1 ORDER BY joined_date
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Email, &m.Role, &m.JoinedDate); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// RemoveMember deletes a membership.
func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM group_users WHERE group_id = $1 AND user_id = $2
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberRole returns the caller's role in a group, or ErrNotFound when
// they are not a member.
func (s *Store) MemberRole(ctx context.Context, groupID, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role FROM group_users WHERE group_id = $1 AND user_id = $2
	`, groupID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query role: %w", err)
	}
	return role, nil
}

// CreateEvent inserts an event row.
func (s *Store) CreateEvent(ctx context.Context, e models.Event) (models.Event, error) {
	now := time.Now().UTC()
	e.ID = uuid.New().String()
	e.CreationDate = now
	e.LastUpdate = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, group_id, title, description, start_time, end_time, created_by, creation_date, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, e.ID, e.GroupID, e.Title, e.Description, e.StartTime, e.EndTime, e.CreatedBy, now)
	if err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// ListEvents returns every event of a group ordered by start time.
func (s *Store) ListEvents(ctx context.Context, groupID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, group_id, title, description, start_time, end_time, created_by, creation_date, last_update
		FROM events WHERE group_id = $1 ORDER BY start_time
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Title, &e.Description, &e.StartTime, &e.EndTime, &e.CreatedBy, &e.CreationDate, &e.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// HasOverlappingEvent reports whether any event of the group intersects
// the span. Called under the per-group lock during event creation.
func (s *Store) HasOverlappingEvent(ctx context.Context, groupID string, span interval.Span) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE group_id = $1 AND start_time < $3 AND end_time > $2
		)
	`, groupID, span.Start, span.End).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query overlap: %w", err)
	}
	return exists, nil
}

// MemberIDs returns the user ids of a group's members.
func (s *Store) MemberIDs(ctx context.Context, groupID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT user_id FROM group_users WHERE group_id = $1`, groupID)
}

// GroupIDsOf returns every group a user belongs to.
func (s *Store) GroupIDsOf(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT group_id FROM group_users WHERE user_id = $1`, userID)
}

// EventSpansOverlapping returns the spans of a group's events that
// intersect the window, unclipped.
func (s *Store) EventSpansOverlapping(ctx context.Context, groupID string, window interval.Span) ([]interval.Span, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT start_time, end_time FROM events
		WHERE group_id = $1 AND start_time < $3 AND end_time > $2
	`, groupID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("query event spans: %w", err)
	}
	defer rows.Close()

	var spans []interval.Span
	for rows.Next() {
		var sp interval.Span
		if err := rows.Scan(&sp.Start, &sp.End); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

// CreateJob inserts a PENDING job and returns it.
func (s *Store) CreateJob(ctx context.Context, groupID string) (models.Job, error) {
	now := time.Now().UTC()
	job := models.Job{
		ID:        uuid.New().String(),
		GroupID:   groupID,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, group_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, job.ID, job.GroupID, job.Status, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx, `
		SELECT id, group_id, status, created_at, updated_at FROM jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.GroupID, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// MarkJobFailed transitions a PENDING job to FAILED. Terminal states
// are left untouched.
func (s *Store) MarkJobFailed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusFailed, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// CompleteJob persists the computed slots and flips the job to DONE in
// one transaction, so readers never observe partial results. Redelivery
// of an already-terminal job is a no-op: the first completion's results
// stand and no rows are duplicated.
func (s *Store) CompleteJob(ctx context.Context, jobID string, slots []interval.Span) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job row: %w", err)
	}
	if status != models.StatusPending {
		return nil
	}

	// Clear any partial rows a previously crashed attempt left behind.
	if _, err := tx.Exec(ctx, `DELETE FROM intervals WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("clear stale intervals: %w", err)
	}
	for _, slot := range slots {
		_, err := tx.Exec(ctx, `
			INSERT INTO intervals (id, job_id, start_time, end_time)
			VALUES ($1, $2, $3, $4)
		`, uuid.New().String(), jobID, slot.Start, slot.End)
		if err != nil {
			return fmt.Errorf("insert interval: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, jobID, models.StatusDone)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListIntervals returns a job's results ordered by ascending start.
func (s *Store) ListIntervals(ctx context.Context, jobID string) ([]models.Interval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, start_time, end_time
		FROM intervals WHERE job_id = $1 ORDER BY start_time
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query intervals: %w", err)
	}
	defer rows.Close()

	var results []models.Interval
	for rows.Next() {
		var iv models.Interval
		if err := rows.Scan(&iv.ID, &iv.JobID, &iv.StartTime, &iv.EndTime); err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}
		results = append(results, iv)
	}
	return results, rows.Err()
}

func (s *Store) queryStrings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
