package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"facebook-post-scheduler/internal/models"
	"facebook-post-scheduler/internal/telemetry"
)

// Store is the slice of the schedule store the engine depends on.
type Store interface {
	DueForDispatch(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error)
	MarkPosted(ctx context.Context, id string, res models.PostResult) error
	MarkFailed(ctx context.Context, id, errorMessage string, retryCount int, nextRetryAt *time.Time) error
	ReclaimStale(ctx context.Context, before time.Time) (int, error)
	InsertDeliveryLog(ctx context.Context, scheduleID string, attempt int, payload []byte, sentAt time.Time) (string, error)
	FinishDeliveryLog(ctx context.Context, id string, status int, body string, receivedAt time.Time) error
}

// Deliverer sends one payload to the downstream automation.
type Deliverer interface {
	Deliver(ctx context.Context, payload Payload) (*DeliveryResult, error)
}

// ThumbnailPreparer mirrors a review image to stable storage before
// dispatch. Best effort; failures never fail the dispatch.
type ThumbnailPreparer interface {
	Prepare(ctx context.Context, sourceURL, key string) (string, error)
}

// Options tunes one engine instance. Explicit construction keeps the webhook
// endpoint and clock injectable for tests.
type Options struct {
	WebhookSecret   string
	RetryBackoff    time.Duration
	BatchSize       int
	StaleClaimAfter time.Duration
	Now             func() time.Time
}

// Engine drives the pending -> processing -> posted/failed lifecycle for due
// schedules, one record fully finished before the next begins.
type Engine struct {
	store      Store
	webhook    Deliverer
	thumbnails ThumbnailPreparer
	opts       Options
	now        func() time.Time
}

func NewEngine(st Store, webhook Deliverer, opts Options) *Engine {
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 15 * time.Minute
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 50
	}
	if opts.StaleClaimAfter == 0 {
		opts.StaleClaimAfter = 10 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{store: st, webhook: webhook, opts: opts, now: now}
}

// SetThumbnailPreparer attaches an optional image mirror used during payload
// assembly.
func (e *Engine) SetThumbnailPreparer(p ThumbnailPreparer) {
	e.thumbnails = p
}

// Outcome labels a per-record result within one run.
const (
	OutcomePosted          = "posted"
	OutcomeRetryScheduled  = "retry_scheduled"
	OutcomePermanentFailed = "permanently_failed"
	OutcomeSkipped         = "skipped"
	OutcomeError           = "error"
)

// RecordResult reports one schedule's fate in a run.
type RecordResult struct {
	ScheduleID  string     `json:"schedule_id"`
	Outcome     string     `json:"outcome"`
	Error       string     `json:"error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// RunSummary aggregates one engine invocation.
type RunSummary struct {
	Attempted         int            `json:"attempted"`
	Posted            int            `json:"posted"`
	RetryScheduled    int            `json:"retry_scheduled"`
	PermanentlyFailed int            `json:"permanently_failed"`
	Skipped           int            `json:"skipped"`
	Reclaimed         int            `json:"reclaimed"`
	Results           []RecordResult `json:"results"`
}

// Run executes one dispatch batch: reclaim stranded claims, fetch the due
// and retry sets, then dispatch each record sequentially. Per-record errors
// are isolated; only a failure to compute the batch itself is returned.
func (e *Engine) Run(ctx context.Context) (RunSummary, error) {
	now := e.now()
	summary := RunSummary{Results: []RecordResult{}}

	reclaimed, err := e.store.ReclaimStale(ctx, now.Add(-e.opts.StaleClaimAfter))
	if err != nil {
		log.Printf("dispatch: reclaim stale claims: %v", err)
	} else if reclaimed > 0 {
		log.Printf("dispatch: reclaimed %d stale processing schedules", reclaimed)
		telemetry.DispatchReclaimed.Add(float64(reclaimed))
	}
	summary.Reclaimed = reclaimed

	due, err := e.store.DueForDispatch(ctx, now, e.opts.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("fetch due schedules: %w", err)
	}
	retries, err := e.store.DueForRetry(ctx, now, e.opts.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("fetch retry schedules: %w", err)
	}

	for _, sched := range append(due, retries...) {
		if ctx.Err() != nil {
			break
		}
		res := e.dispatchOne(ctx, sched)
		summary.Results = append(summary.Results, res)
		switch res.Outcome {
		case OutcomePosted:
			summary.Attempted++
			summary.Posted++
			telemetry.DispatchPosted.Inc()
		case OutcomeRetryScheduled:
			summary.Attempted++
			summary.RetryScheduled++
			telemetry.DispatchRetries.Inc()
		case OutcomePermanentFailed:
			summary.Attempted++
			summary.PermanentlyFailed++
			telemetry.DispatchPermanentFailures.Inc()
		case OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Attempted++
		}
	}
	return summary, nil
}

// dispatchOne runs the claim -> deliver -> finalize cycle for one schedule.
func (e *Engine) dispatchOne(ctx context.Context, sched models.Schedule) RecordResult {
	now := e.now()

	claimed, err := e.store.MarkProcessing(ctx, sched.ID, now)
	if err != nil {
		log.Printf("dispatch: claim %s: %v", sched.ID, err)
		return RecordResult{ScheduleID: sched.ID, Outcome: OutcomeError, Error: err.Error()}
	}
	if !claimed {
		// Lost the claim race to a concurrent run, or the row is gone.
		return RecordResult{ScheduleID: sched.ID, Outcome: OutcomeSkipped}
	}

	payload := BuildPayload(sched, "scheduled", now, e.opts.WebhookSecret)
	if e.thumbnails != nil && payload.ImageURL != "" {
		if mirrored, err := e.thumbnails.Prepare(ctx, payload.ImageURL, sched.ID); err != nil {
			log.Printf("dispatch: mirror thumbnail for %s: %v", sched.ID, err)
		} else {
			payload.ImageURL = mirrored
		}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return e.recordFailure(ctx, sched, now, fmt.Sprintf("marshal payload: %v", err))
	}
	logID, err := e.store.InsertDeliveryLog(ctx, sched.ID, sched.RetryCount+1, payloadJSON, now)
	if err != nil {
		log.Printf("dispatch: delivery log for %s: %v", sched.ID, err)
	}

	result, deliverErr := e.webhook.Deliver(ctx, payload)

	if logID != "" && result != nil {
		if err := e.store.FinishDeliveryLog(ctx, logID, result.Status, result.Body, e.now()); err != nil {
			log.Printf("dispatch: finish delivery log for %s: %v", sched.ID, err)
		}
	}

	if deliverErr != nil {
		return e.recordFailure(ctx, sched, now, deliverErr.Error())
	}

	post := models.PostResult{PostedAt: now}
	if result != nil {
		post.PostID = result.Ack.PostID
		post.PostURL = result.Ack.PostURL
	}
	if err := e.store.MarkPosted(ctx, sched.ID, post); err != nil {
		log.Printf("dispatch: mark posted %s: %v", sched.ID, err)
		return RecordResult{ScheduleID: sched.ID, Outcome: OutcomeError, Error: err.Error()}
	}
	return RecordResult{ScheduleID: sched.ID, Outcome: OutcomePosted}
}

// recordFailure bumps the retry counter and either schedules the next
// attempt at a fixed delay or finalizes the failure once the budget is
// spent. The backoff is deliberately constant, not exponential.
func (e *Engine) recordFailure(ctx context.Context, sched models.Schedule, now time.Time, reason string) RecordResult {
	retryCount := sched.RetryCount + 1

	if retryCount < sched.MaxRetries {
		next := now.Add(e.opts.RetryBackoff)
		if err := e.store.MarkFailed(ctx, sched.ID, reason, retryCount, &next); err != nil {
			log.Printf("dispatch: mark failed %s: %v", sched.ID, err)
			return RecordResult{ScheduleID: sched.ID, Outcome: OutcomeError, Error: err.Error()}
		}
		return RecordResult{ScheduleID: sched.ID, Outcome: OutcomeRetryScheduled, Error: reason, NextRetryAt: &next}
	}

	if err := e.store.MarkFailed(ctx, sched.ID, reason, retryCount, nil); err != nil {
		log.Printf("dispatch: mark failed %s: %v", sched.ID, err)
		return RecordResult{ScheduleID: sched.ID, Outcome: OutcomeError, Error: err.Error()}
	}
	return RecordResult{ScheduleID: sched.ID, Outcome: OutcomePermanentFailed, Error: reason}
}
