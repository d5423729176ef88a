package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"facebook-post-scheduler/internal/models"
)

// These tests run the real conditional-UPDATE SQL and need a database.
// Set DB_URL to enable them, e.g.
// DB_URL=postgres://localhost:5432/scheduler_test go test ./internal/store/

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		t.Skip("DB_URL not set (integration test)")
	}

	ctx := context.Background()
	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.Close)

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

func insertDueSchedule(t *testing.T, st *Store) models.Schedule {
	t.Helper()
	sched, err := st.CreateSchedule(context.Background(), CreateScheduleParams{
		OwnerID:      "it-owner-" + time.Now().UTC().Format("150405.000000"),
		ReviewID:     "review-1",
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
		Timezone:     "Asia/Ho_Chi_Minh",
		TargetType:   models.TargetPage,
		TargetID:     "page-1",
		TargetName:   "Review Page",
		Message:      "integration test post",
		MaxRetries:   3,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sched
}

func TestMarkProcessingOnlyOneClaimer(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sched := insertDueSchedule(t, st)
	now := time.Now().UTC()

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	var errs []error

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			claimed, err := st.MarkProcessing(ctx, sched.ID, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if claimed {
				claims++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if claims != 1 {
		t.Fatalf("expected exactly one claim, got %d", claims)
	}

	got, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusProcessing {
		t.Fatalf("expected status processing, got %s", got.Status)
	}
}

func TestPostedScheduleRejectsFurtherTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sched := insertDueSchedule(t, st)
	now := time.Now().UTC()

	claimed, err := st.MarkProcessing(ctx, sched.ID, now)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := st.MarkPosted(ctx, sched.ID, models.PostResult{PostedAt: now}); err != nil {
		t.Fatalf("mark posted: %v", err)
	}

	if err := st.MarkPosted(ctx, sched.ID, models.PostResult{PostedAt: now}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on double post, got %v", err)
	}
	if err := st.MarkFailed(ctx, sched.ID, "late failure", 1, nil); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on fail-after-post, got %v", err)
	}
	if err := st.Cancel(ctx, sched.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on cancel-after-post, got %v", err)
	}
	if err := st.UpdateScheduledTime(ctx, sched.ID, now.Add(time.Hour)); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on reschedule-after-post, got %v", err)
	}

	claimed, err = st.MarkProcessing(ctx, sched.ID, now)
	if err != nil {
		t.Fatalf("claim posted: %v", err)
	}
	if claimed {
		t.Fatal("expected posted schedule to be unclaimable")
	}
}

func TestCancelledScheduleIsUnclaimable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sched := insertDueSchedule(t, st)

	if err := st.Cancel(ctx, sched.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	claimed, err := st.MarkProcessing(ctx, sched.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim cancelled: %v", err)
	}
	if claimed {
		t.Fatal("expected cancelled schedule to be unclaimable")
	}

	due, err := st.DueForDispatch(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("due query: %v", err)
	}
	for _, s := range due {
		if s.ID == sched.ID {
			t.Fatal("cancelled schedule must not appear in the due set")
		}
	}
}

func TestFailedScheduleReclaimableUntilBudgetSpent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sched := insertDueSchedule(t, st)
	now := time.Now().UTC()

	claimed, err := st.MarkProcessing(ctx, sched.ID, now)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	next := now.Add(-time.Second)
	if err := st.MarkFailed(ctx, sched.ID, "webhook 500", 1, &next); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	retries, err := st.DueForRetry(ctx, now, 100)
	if err != nil {
		t.Fatalf("retry query: %v", err)
	}
	found := false
	for _, s := range retries {
		if s.ID == sched.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected failed schedule in the retry set")
	}

	// A failed row is claimable again for its next attempt.
	claimed, err = st.MarkProcessing(ctx, sched.ID, now)
	if err != nil || !claimed {
		t.Fatalf("reclaim failed row: claimed=%v err=%v", claimed, err)
	}

	// Spend the budget; the row must leave the retry set for good.
	if err := st.MarkFailed(ctx, sched.ID, "webhook 500", sched.MaxRetries, nil); err != nil {
		t.Fatalf("final failure: %v", err)
	}
	retries, err = st.DueForRetry(ctx, now, 100)
	if err != nil {
		t.Fatalf("retry query: %v", err)
	}
	for _, s := range retries {
		if s.ID == sched.ID {
			t.Fatal("exhausted schedule must not appear in the retry set")
		}
	}
}

func TestTransitionOnMissingRowIsNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Cancel(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
