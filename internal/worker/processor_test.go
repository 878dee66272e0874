package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"group-calendar/internal/config"
	"group-calendar/internal/interval"
	"group-calendar/internal/models"
	"group-calendar/internal/queue"
	"group-calendar/internal/recommend"
)

type memJobs struct {
	mu       sync.Mutex
	status   map[string]string
	slots    map[string][]interval.Span
	complete int
}

func newMemJobs() *memJobs {
	return &memJobs{status: map[string]string{}, slots: map[string][]interval.Span{}}
}

func (m *memJobs) CompleteJob(_ context.Context, jobID string, slots []interval.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complete++
	if m.status[jobID] != models.StatusPending {
		// Terminal job: first completion stands.
		return nil
	}
	m.slots[jobID] = slots
	m.status[jobID] = models.StatusDone
	return nil
}

func (m *memJobs) MarkJobFailed(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status[jobID] == models.StatusPending {
		m.status[jobID] = models.StatusFailed
	}
	return nil
}

type staticCalendar struct {
	events []interval.Span
}

func (s *staticCalendar) MemberIDs(context.Context, string) ([]string, error) {
	return []string{"alice"}, nil
}

func (s *staticCalendar) GroupIDsOf(context.Context, string) ([]string, error) {
	return []string{"g1"}, nil
}

func (s *staticCalendar) EventSpansOverlapping(_ context.Context, _ string, window interval.Span) ([]interval.Span, error) {
	var out []interval.Span
	for _, sp := range s.events {
		if sp.Overlaps(window) {
			out = append(out, sp)
		}
	}
	return out, nil
}

func newTestProcessor(t *testing.T, jobs *memJobs, cal recommend.CalendarReader) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client, time.Minute)
	cfg := config.Config{WorkerPollInterval: time.Millisecond}
	return NewProcessor(cfg, q, jobs, recommend.NewCollector(cal), nil), q
}

func publishJob(t *testing.T, q *queue.RedisQueue, req models.JobRequest) string {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := q.Publish(context.Background(), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return string(payload)
}

func TestProcessOneComputesAndCompletes(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs()
	jobs.status["j1"] = models.StatusPending

	busyStart, _ := time.Parse(time.RFC3339, "2026-01-01T12:00:00Z")
	p, q := newTestProcessor(t, jobs, &staticCalendar{
		events: []interval.Span{{Start: busyStart, End: busyStart.Add(time.Hour)}},
	})

	publishJob(t, q, models.JobRequest{
		JobID:    "j1",
		GroupID:  "g1",
		Duration: models.Duration{Hours: 1},
		Start:    "2026-01-01T08:00:00Z",
		End:      "2026-01-01T18:00:00Z",
	})

	worked, err := p.ProcessOne(ctx)
	if err != nil || !worked {
		t.Fatalf("process: worked=%v err=%v", worked, err)
	}
	if jobs.status["j1"] != models.StatusDone {
		t.Fatalf("expected DONE, got %s", jobs.status["j1"])
	}
	if len(jobs.slots["j1"]) != 9 {
		t.Fatalf("expected 9 slots, got %d", len(jobs.slots["j1"]))
	}
	first := jobs.slots["j1"][0]
	if first.Start.Format(time.RFC3339) != "2026-01-01T08:00:00Z" {
		t.Fatalf("unexpected first slot: %v", first)
	}

	// Committed and acked: nothing left to redeliver.
	if n, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 100); n != 0 {
		t.Fatalf("expected empty inflight set, reclaimed %d", n)
	}
}

func TestProcessOneEmptyResultStillCompletes(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs()
	jobs.status["j2"] = models.StatusPending

	p, q := newTestProcessor(t, jobs, &staticCalendar{})
	publishJob(t, q, models.JobRequest{
		JobID:    "j2",
		GroupID:  "g1",
		Duration: models.Duration{Hours: 10},
		Start:    "2026-01-01T08:00:00Z",
		End:      "2026-01-01T16:00:00Z",
	})

	if _, err := p.ProcessOne(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if jobs.status["j2"] != models.StatusDone {
		t.Fatalf("job with zero slots must still be DONE, got %s", jobs.status["j2"])
	}
	if len(jobs.slots["j2"]) != 0 {
		t.Fatalf("expected zero slots, got %d", len(jobs.slots["j2"]))
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs()
	jobs.status["j3"] = models.StatusPending

	p, q := newTestProcessor(t, jobs, &staticCalendar{})
	req := models.JobRequest{
		JobID:    "j3",
		GroupID:  "g1",
		Duration: models.Duration{Hours: 1},
		Start:    "2026-01-01T08:00:00Z",
		End:      "2026-01-01T12:00:00Z",
	}
	payload := publishJob(t, q, req)

	if _, err := p.ProcessOne(ctx); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	want := len(jobs.slots["j3"])

	// Simulate a crash-before-ack on another worker: the same message
	// comes around again.
	if err := q.Publish(ctx, []byte(payload)); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if _, err := p.ProcessOne(ctx); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if jobs.complete != 2 {
		t.Fatalf("expected CompleteJob called twice, got %d", jobs.complete)
	}
	if len(jobs.slots["j3"]) != want {
		t.Fatalf("redelivery changed the result set: %d vs %d", len(jobs.slots["j3"]), want)
	}
	if jobs.status["j3"] != models.StatusDone {
		t.Fatalf("expected DONE, got %s", jobs.status["j3"])
	}
}

func TestMalformedPayloadFailsJobAndAcks(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs()
	jobs.status["j4"] = models.StatusPending

	p, q := newTestProcessor(t, jobs, &staticCalendar{})
	if err := q.Publish(ctx, []byte(`{"job_id":"j4","group_id":"g1","duration":{"hours":1},"start_time":"garbage","end_time":"2026-01-01T18:00:00Z"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	worked, err := p.ProcessOne(ctx)
	if err != nil || !worked {
		t.Fatalf("process: worked=%v err=%v", worked, err)
	}
	if jobs.status["j4"] != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", jobs.status["j4"])
	}
	if n, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 100); n != 0 {
		t.Fatalf("malformed message must be acked, reclaimed %d", n)
	}
}

func TestUnparseableJSONIsDropped(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs()
	p, q := newTestProcessor(t, jobs, &staticCalendar{})

	if err := q.Publish(ctx, []byte(`not json`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	worked, err := p.ProcessOne(ctx)
	if err != nil || !worked {
		t.Fatalf("process: worked=%v err=%v", worked, err)
	}
	if jobs.complete != 0 {
		t.Fatalf("no job should be completed for junk payload")
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	p, _ := newTestProcessor(t, newMemJobs(), &staticCalendar{})
	worked, err := p.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if worked {
		t.Fatal("expected no work on empty queue")
	}
}
