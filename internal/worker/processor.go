// Package worker consumes recommendation jobs from the queue, computes
// free slots, and persists results. Workers are stateless; any number
// may run against the same queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"group-calendar/internal/config"
	"group-calendar/internal/interval"
	"group-calendar/internal/models"
	"group-calendar/internal/queue"
	"group-calendar/internal/recommend"
	"group-calendar/internal/telemetry"
)

// JobStore is the slice of the store the processor writes through.
type JobStore interface {
	CompleteJob(ctx context.Context, jobID string, slots []interval.Span) error
	MarkJobFailed(ctx context.Context, jobID string) error
}

// Processor drives the consume loop: one message in flight at a time,
// acked only after the results transaction commits.
type Processor struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	jobs      JobStore
	collector *recommend.Collector
	logger    *zap.Logger
}

// NewProcessor wires a processor; all collaborators are injected.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, jobs JobStore, collector *recommend.Collector, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{cfg: cfg, queue: q, jobs: jobs, collector: collector, logger: logger}
}

// Run consumes until the context is cancelled. An empty queue is the
// steady idle state, not an error.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			p.logger.Warn("requeue expired failed", zap.Error(err))
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		worked, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Error("process message", zap.Error(err))
		}
		if !worked || err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// ProcessOne claims and handles a single message. It reports whether a
// message was available. Errors leave the message unacked so the queue
// redelivers it after the visibility timeout.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	payload, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if payload == "" {
		return false, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	req, window, duration, perr := parseRequest(payload)
	if perr != nil {
		// The message can never succeed; fail the job (when we know
		// which one it was) and drop the message.
		telemetry.MalformedPayloads.Inc()
		p.logger.Warn("malformed job payload", zap.String("payload", payload), zap.Error(perr))
		if req.JobID != "" {
			if err := p.jobs.MarkJobFailed(ctx, req.JobID); err != nil {
				return true, err
			}
			telemetry.JobsFailed.Inc()
		}
		return true, p.queue.Ack(ctx, payload)
	}

	busy, err := p.collector.BusySpans(ctx, req.GroupID, window)
	if err != nil {
		return true, fmt.Errorf("collect busy spans for job %s: %w", req.JobID, err)
	}

	free := interval.Free(interval.Merge(busy), window)
	slots := interval.Slice(free, duration)

	if err := p.jobs.CompleteJob(ctx, req.JobID, slots); err != nil {
		return true, fmt.Errorf("complete job %s: %w", req.JobID, err)
	}

	// Results are durable; only now is the message consumed.
	if err := p.queue.Ack(ctx, payload); err != nil {
		return true, err
	}

	telemetry.JobsCompleted.Inc()
	telemetry.SlotsComputed.Add(float64(len(slots)))
	p.logger.Info("job done",
		zap.String("job_id", req.JobID),
		zap.String("group_id", req.GroupID),
		zap.Int("slots", len(slots)),
	)
	return true, nil
}

func parseRequest(payload string) (models.JobRequest, interval.Span, time.Duration, error) {
	var req models.JobRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return req, interval.Span{}, 0, fmt.Errorf("unmarshal: %w", err)
	}
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		return req, interval.Span{}, 0, fmt.Errorf("parse start_time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		return req, interval.Span{}, 0, fmt.Errorf("parse end_time: %w", err)
	}
	window := interval.Span{Start: start.UTC(), End: end.UTC()}
	if !window.Valid() {
		return req, interval.Span{}, 0, fmt.Errorf("window %s..%s is empty", req.Start, req.End)
	}
	duration := req.Duration.Value()
	if duration <= 0 {
		return req, interval.Span{}, 0, fmt.Errorf("non-positive duration %+v", req.Duration)
	}
	return req, window, duration, nil
}

// Pinger is any dependency with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AwaitReady blocks until every dependency answers a ping, retrying a
// bounded number of times. Workers call this before consuming so a
// restart during an infrastructure outage converges instead of
// crash-looping.
func AwaitReady(ctx context.Context, logger *zap.Logger, retries int, delay time.Duration, deps map[string]Pinger) error {
	for name, dep := range deps {
		var err error
		for attempt := 1; attempt <= retries; attempt++ {
			if err = dep.Ping(ctx); err == nil {
				break
			}
			logger.Warn("dependency not ready",
				zap.String("dependency", name),
				zap.Int("attempt", attempt),
				zap.Int("retries", retries),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err != nil {
			return fmt.Errorf("dependency %s unavailable: %w", name, err)
		}
	}
	return nil
}
