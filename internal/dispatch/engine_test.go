package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"facebook-post-scheduler/internal/models"
)

type fakeStore struct {
	schedules map[string]*models.Schedule
	logs      map[string][]byte
	finished  map[string]int
	dueErr    error
	claimErr  error
	logSeq    int
}

func newFakeStore(schedules ...*models.Schedule) *fakeStore {
	st := &fakeStore{
		schedules: map[string]*models.Schedule{},
		logs:      map[string][]byte{},
		finished:  map[string]int{},
	}
	for _, s := range schedules {
		st.schedules[s.ID] = s
	}
	return st
}

func (f *fakeStore) DueForDispatch(_ context.Context, now time.Time, _ int) ([]models.Schedule, error) {
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	var out []models.Schedule
	for _, s := range f.schedules {
		if s.Status == models.StatusPending && !s.ScheduledFor.After(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) DueForRetry(_ context.Context, now time.Time, _ int) ([]models.Schedule, error) {
	var out []models.Schedule
	for _, s := range f.schedules {
		if s.Status != models.StatusFailed || s.RetryCount >= s.MaxRetries {
			continue
		}
		if s.NextRetryAt == nil || !s.NextRetryAt.After(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkProcessing(_ context.Context, id string, now time.Time) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	s, ok := f.schedules[id]
	if !ok {
		return false, nil
	}
	if s.Status != models.StatusPending && s.Status != models.StatusFailed {
		return false, nil
	}
	s.Status = models.StatusProcessing
	claimed := now
	s.ClaimedAt = &claimed
	return true, nil
}

func (f *fakeStore) MarkPosted(_ context.Context, id string, res models.PostResult) error {
	s, ok := f.schedules[id]
	if !ok || s.Status != models.StatusProcessing {
		return errors.New("invalid transition")
	}
	s.Status = models.StatusPosted
	s.PostedAt = &res.PostedAt
	if res.PostID != "" {
		s.PostID = &res.PostID
	}
	if res.PostURL != "" {
		s.PostURL = &res.PostURL
	}
	s.ClaimedAt = nil
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, msg string, retryCount int, nextRetryAt *time.Time) error {
	s, ok := f.schedules[id]
	if !ok || s.Status != models.StatusProcessing {
		return errors.New("invalid transition")
	}
	s.Status = models.StatusFailed
	s.ErrorMessage = &msg
	s.RetryCount = retryCount
	s.NextRetryAt = nextRetryAt
	s.ClaimedAt = nil
	return nil
}

func (f *fakeStore) ReclaimStale(_ context.Context, before time.Time) (int, error) {
	n := 0
	for _, s := range f.schedules {
		if s.Status == models.StatusProcessing && s.ClaimedAt != nil && s.ClaimedAt.Before(before) {
			s.Status = models.StatusPending
			s.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertDeliveryLog(_ context.Context, scheduleID string, _ int, payload []byte, _ time.Time) (string, error) {
	f.logSeq++
	id := fmt.Sprintf("log-%d", f.logSeq)
	f.logs[id] = payload
	return id, nil
}

func (f *fakeStore) FinishDeliveryLog(_ context.Context, id string, status int, _ string, _ time.Time) error {
	f.finished[id] = status
	return nil
}

type fakeDeliverer struct {
	results map[string]*DeliveryResult
	errs    map[string]error
	calls   []string
}

func (d *fakeDeliverer) Deliver(_ context.Context, p Payload) (*DeliveryResult, error) {
	d.calls = append(d.calls, p.ScheduleID)
	if err := d.errs[p.ScheduleID]; err != nil {
		return d.results[p.ScheduleID], err
	}
	if res, ok := d.results[p.ScheduleID]; ok {
		return res, nil
	}
	return &DeliveryResult{Status: 200}, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func pendingSchedule(id string, scheduledFor time.Time) *models.Schedule {
	return &models.Schedule{
		ID:           id,
		OwnerID:      "owner-1",
		ReviewID:     "review-1",
		ScheduledFor: scheduledFor,
		TargetType:   models.TargetPage,
		TargetID:     "page-1",
		TargetName:   "Review Page",
		Message:      "new review is up",
		Status:       models.StatusPending,
		MaxRetries:   3,
	}
}

func TestRunPostsDueSchedule(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	sched := pendingSchedule("s1", now.Add(-time.Minute))
	st := newFakeStore(sched)
	wh := &fakeDeliverer{results: map[string]*DeliveryResult{
		"s1": {Status: 200, Ack: Ack{PostID: "fb-123", PostURL: "https://fb.example/123"}},
	}}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now)})
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Posted != 1 || summary.Attempted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if sched.Status != models.StatusPosted {
		t.Fatalf("expected posted, got %s", sched.Status)
	}
	if sched.PostedAt == nil || !sched.PostedAt.Equal(now) {
		t.Fatalf("expected posted_at %s, got %v", now, sched.PostedAt)
	}
	if sched.PostID == nil || *sched.PostID != "fb-123" {
		t.Fatalf("expected echoed post id, got %v", sched.PostID)
	}
	if len(st.logs) != 1 {
		t.Fatalf("expected one delivery log, got %d", len(st.logs))
	}
	if st.finished["log-1"] != 200 {
		t.Fatalf("expected response recorded on log, got %v", st.finished)
	}
}

func TestRunSkipsFutureSchedule(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	sched := pendingSchedule("s1", now.Add(time.Minute))
	st := newFakeStore(sched)
	wh := &fakeDeliverer{}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now)})
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Attempted != 0 || len(wh.calls) != 0 {
		t.Fatalf("future schedule must not be dispatched: %+v", summary)
	}
	if sched.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", sched.Status)
	}
}

func TestRunFailureSchedulesFixedBackoffRetry(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	backoff := 15 * time.Minute
	sched := pendingSchedule("s1", now.Add(-time.Minute))
	st := newFakeStore(sched)
	wh := &fakeDeliverer{
		results: map[string]*DeliveryResult{"s1": {Status: 500, Body: "boom"}},
		errs:    map[string]error{"s1": errors.New("webhook returned status 500")},
	}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now), RetryBackoff: backoff})
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.RetryScheduled != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if sched.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", sched.Status)
	}
	if sched.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", sched.RetryCount)
	}
	want := now.Add(backoff)
	if sched.NextRetryAt == nil || !sched.NextRetryAt.Equal(want) {
		t.Fatalf("expected next_retry_at %s, got %v", want, sched.NextRetryAt)
	}
	if sched.ErrorMessage == nil || *sched.ErrorMessage == "" {
		t.Fatal("expected error message recorded")
	}
}

func TestRunExhaustedBudgetIsPermanent(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	sched := pendingSchedule("s1", now.Add(-time.Hour))
	sched.Status = models.StatusFailed
	sched.RetryCount = 2
	sched.NextRetryAt = &past
	st := newFakeStore(sched)
	wh := &fakeDeliverer{errs: map[string]error{"s1": errors.New("still failing")}}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now)})
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.PermanentlyFailed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if sched.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", sched.RetryCount)
	}
	if sched.NextRetryAt != nil {
		t.Fatalf("terminal failure must clear next_retry_at, got %v", sched.NextRetryAt)
	}

	// A later run must not pick the record up again.
	wh.calls = nil
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(wh.calls) != 0 {
		t.Fatal("exhausted schedule was re-dispatched")
	}
}

func TestRunRetryEligibilityWindow(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	ready := pendingSchedule("ready", now.Add(-time.Hour))
	ready.Status = models.StatusFailed
	ready.RetryCount = 2
	ready.NextRetryAt = &past

	notYet := pendingSchedule("not-yet", now.Add(-time.Hour))
	notYet.Status = models.StatusFailed
	notYet.RetryCount = 1
	notYet.NextRetryAt = &future

	st := newFakeStore(ready, notYet)
	wh := &fakeDeliverer{}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now)})
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(wh.calls) != 1 || wh.calls[0] != "ready" {
		t.Fatalf("expected only the ready retry dispatched, got %v", wh.calls)
	}
}

func TestRunSkipsLostClaims(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	sched := pendingSchedule("s1", now.Add(-time.Minute))
	st := newFakeStore(sched)
	// Another run claims the record between the fetch and our claim.
	sched.Status = models.StatusProcessing
	wh := &fakeDeliverer{}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now)})
	due := []models.Schedule{*sched}
	due[0].Status = models.StatusPending
	res := engine.dispatchOne(context.Background(), due[0])
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %+v", res)
	}
	if len(wh.calls) != 0 {
		t.Fatal("lost claim must not deliver")
	}
}

func TestRunTerminalStatesNeverChange(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	posted := pendingSchedule("posted", now.Add(-time.Hour))
	posted.Status = models.StatusPosted
	cancelled := pendingSchedule("cancelled", now.Add(-time.Hour))
	cancelled.Status = models.StatusCancelled
	st := newFakeStore(posted, cancelled)
	wh := &fakeDeliverer{}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now)})
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if posted.Status != models.StatusPosted || cancelled.Status != models.StatusCancelled {
		t.Fatal("terminal schedule status changed")
	}
	if len(wh.calls) != 0 {
		t.Fatal("terminal schedules must not be dispatched")
	}
}

func TestRunIsolatesPerRecordFailures(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	bad := pendingSchedule("bad", now.Add(-2*time.Minute))
	good := pendingSchedule("good", now.Add(-time.Minute))
	st := newFakeStore(bad, good)
	wh := &fakeDeliverer{errs: map[string]error{"bad": errors.New("connection refused")}}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now)})
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Posted != 1 || summary.RetryScheduled != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if good.Status != models.StatusPosted {
		t.Fatalf("good schedule was not dispatched: %s", good.Status)
	}
}

func TestRunFetchErrorIsFatal(t *testing.T) {
	st := newFakeStore()
	st.dueErr = errors.New("connection reset")
	engine := NewEngine(st, &fakeDeliverer{}, Options{})
	if _, err := engine.Run(context.Background()); err == nil {
		t.Fatal("expected batch fetch error to be returned")
	}
}

func TestRunReclaimsStaleClaims(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	stale := pendingSchedule("stale", now.Add(-time.Hour))
	stale.Status = models.StatusProcessing
	old := now.Add(-30 * time.Minute)
	stale.ClaimedAt = &old
	st := newFakeStore(stale)
	wh := &fakeDeliverer{}

	engine := NewEngine(st, wh, Options{Now: fixedClock(now), StaleClaimAfter: 10 * time.Minute})
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Reclaimed != 1 {
		t.Fatalf("expected one reclaim, got %+v", summary)
	}
	// The reclaimed record is dispatched within the same run.
	if stale.Status != models.StatusPosted {
		t.Fatalf("expected reclaimed schedule dispatched, got %s", stale.Status)
	}
}
