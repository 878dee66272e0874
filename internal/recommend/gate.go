// Package recommend contains the core of the recommendation engine:
// the submission gate that admits jobs onto the queue and the busy-span
// collector the workers run.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"group-calendar/internal/interval"
	"group-calendar/internal/lock"
	"group-calendar/internal/models"
	"group-calendar/internal/telemetry"
)

// ErrValidation marks a request rejected before any side effect.
var ErrValidation = errors.New("invalid request")

// ErrBusy is surfaced when the per-group submission lock cannot be
// acquired within its budget.
var ErrBusy = lock.ErrBusy

// JobCreator is the slice of the store the gate writes through.
type JobCreator interface {
	CreateJob(ctx context.Context, groupID string) (models.Job, error)
}

// Publisher hands serialized job descriptions to the queue.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Locker acquires the per-group mutual exclusion lease.
type Locker interface {
	Acquire(ctx context.Context, key string) (*lock.Lease, error)
}

// SubmitRequest is the client-facing submission payload.
type SubmitRequest struct {
	Duration models.Duration `json:"duration"`
	Start    string          `json:"start_time"`
	End      string          `json:"end_time"`
}

// Gate validates recommendation requests, persists the PENDING job, and
// publishes the job description under the per-group lock.
type Gate struct {
	jobs   JobCreator
	queue  Publisher
	locks  Locker
	logger *zap.Logger
}

// NewGate wires a gate; all collaborators are injected.
func NewGate(jobs JobCreator, queue Publisher, locks Locker, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{jobs: jobs, queue: queue, locks: locks, logger: logger}
}

// GroupLockKey names the submission lock for a group. Event creation
// serializes against the same key.
func GroupLockKey(groupID string) string {
	return "lock:group:" + groupID
}

// Submit admits one recommendation job. The job record exists before
// the message is published, so a handed-out job id always resolves; a
// crash between the two leaves a durable PENDING job and no message.
func (g *Gate) Submit(ctx context.Context, groupID string, req SubmitRequest) (models.Job, error) {
	window, err := req.window()
	if err != nil {
		return models.Job{}, err
	}
	if req.Duration.Value() <= 0 {
		return models.Job{}, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}

	job, err := g.jobs.CreateJob(ctx, groupID)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	payload, err := json.Marshal(models.JobRequest{
		JobID:    job.ID,
		GroupID:  groupID,
		Duration: req.Duration,
		Start:    window.Start.Format(time.RFC3339),
		End:      window.End.Format(time.RFC3339),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal job request: %w", err)
	}

	lease, err := g.locks.Acquire(ctx, GroupLockKey(groupID))
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			telemetry.SubmissionConflict.Inc()
			g.logger.Warn("submission lock contended", zap.String("group_id", groupID), zap.String("job_id", job.ID))
		}
		return models.Job{}, err
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil && !errors.Is(rerr, lock.ErrNotHeld) {
			g.logger.Warn("lock release failed", zap.String("group_id", groupID), zap.Error(rerr))
		}
	}()

	if err := g.queue.Publish(ctx, payload); err != nil {
		// The PENDING record stays behind; a fresh submission makes a
		// new job rather than retrying this one.
		return models.Job{}, fmt.Errorf("publish job %s: %w", job.ID, err)
	}

	telemetry.SubmissionCounter.Inc()
	g.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("group_id", groupID),
		zap.Duration("duration", req.Duration.Value()),
	)
	return job, nil
}

func (r SubmitRequest) window() (interval.Span, error) {
	start, err := parseInstant(r.Start)
	if err != nil {
		return interval.Span{}, fmt.Errorf("%w: bad start_time %q", ErrValidation, r.Start)
	}
	end, err := parseInstant(r.End)
	if err != nil {
		return interval.Span{}, fmt.Errorf("%w: bad end_time %q", ErrValidation, r.End)
	}
	if !start.Before(end) {
		return interval.Span{}, fmt.Errorf("%w: start_time must precede end_time", ErrValidation)
	}
	return interval.Span{Start: start, End: end}, nil
}

// parseInstant accepts RFC 3339 with or without an explicit offset;
// bare timestamps are taken as UTC.
func parseInstant(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.ParseInLocation("2006-01-02T15:04:05", value, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}
