package models

import (
	"time"

	"group-calendar/internal/interval"
)

// Job lifecycle states persisted in Postgres. A job is created PENDING
// and moves to DONE or FAILED exactly once; terminal states are final.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// Membership roles within a group.
const (
	RoleOrganizer = "organizer"
	RoleMember    = "member"
)

// Group is a shared calendar owned by its organizer.
type Group struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	OwnerID      string    `json:"owner_id"`
	CreationDate time.Time `json:"creation_date"`
	LastUpdate   time.Time `json:"last_update"`
}

// Membership links a user to a group with a role.
type Membership struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	JoinedDate time.Time `json:"joined_date"`
}

// Event is a commitment on a group calendar.
type Event struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"group_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	CreatedBy    string    `json:"created_by"`
	CreationDate time.Time `json:"creation_date"`
	LastUpdate   time.Time `json:"last_update"`
}

// Span returns the event's occupied interval.
func (e Event) Span() interval.Span {
	return interval.Span{Start: e.StartTime, End: e.EndTime}
}

// Job is one recommendation computation request.
type Job struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interval is one fixed-duration candidate slot produced for a job.
// Rows exist only for jobs whose status is DONE.
type Interval struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// JobRequest is the queue message describing a recommendation job.
// It is ephemeral: carried from the submission gate to a worker and
// never persisted beyond the job record.
type JobRequest struct {
	JobID    string   `json:"job_id"`
	GroupID  string   `json:"group_id"`
	Duration Duration `json:"duration"`
	Start    string   `json:"start_time"`
	End      string   `json:"end_time"`
}

// Duration is the requested slot length in whole hours and minutes.
type Duration struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// Value converts to a time.Duration.
func (d Duration) Value() time.Duration {
	return time.Duration(d.Hours)*time.Hour + time.Duration(d.Minutes)*time.Minute
}
