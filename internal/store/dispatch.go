package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"facebook-post-scheduler/internal/models"
)

// DueForDispatch returns pending schedules whose scheduled instant has
// passed, earliest first, so the oldest due work is attempted first.
func (s *Store) DueForDispatch(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3
	`, models.StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// DueForRetry returns failed schedules with retry budget remaining whose
// retry instant has passed (or was never set).
func (s *Store) DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = $1
		  AND retry_count < max_retries
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY next_retry_at ASC NULLS FIRST
		LIMIT $3
	`, models.StatusFailed, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query retry schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// MarkProcessing claims a schedule for dispatch. The conditional WHERE makes
// the claim atomic: of two concurrent callers exactly one sees a row
// affected. A false return means the record was already claimed, finished,
// or deleted, and the caller should skip it.
func (s *Store) MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET status = $2, claimed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.StatusProcessing, now.UTC(), models.StatusPending, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPosted finalizes a claimed schedule as posted.
func (s *Store) MarkPosted(ctx context.Context, id string, res models.PostResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET status = $2, posted_at = $3, post_id = NULLIF($4, ''), post_url = NULLIF($5, ''),
		    error_message = NULL, next_retry_at = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusPosted, res.PostedAt.UTC(), res.PostID, res.PostURL, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

// MarkFailed records a delivery failure on a claimed schedule. A nil
// nextRetryAt means the retry budget is exhausted and the failure is final.
func (s *Store) MarkFailed(ctx context.Context, id, errorMessage string, retryCount int, nextRetryAt *time.Time) error {
	var next any
	if nextRetryAt != nil {
		next = nextRetryAt.UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET status = $2, error_message = $3, retry_count = $4, next_retry_at = $5,
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusFailed, errorMessage, retryCount, next, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

// Cancel marks a schedule cancelled on behalf of its owner. Only pending and
// failed schedules may be cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET status = $2, next_retry_at = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusPending, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("cancel schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

// UpdateScheduledTime moves a pending schedule to a new instant.
func (s *Store) UpdateScheduledTime(ctx context.Context, id string, scheduledFor time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET scheduled_for = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, scheduledFor.UTC(), models.StatusPending)
	if err != nil {
		return fmt.Errorf("update scheduled time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

// ReclaimStale returns processing schedules whose claim is older than the
// cutoff back to pending, so a crashed run cannot strand them forever.
func (s *Store) ReclaimStale(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET status = $1, claimed_at = NULL, updated_at = NOW()
		WHERE status = $2 AND claimed_at IS NOT NULL AND claimed_at < $3
	`, models.StatusPending, models.StatusProcessing, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// OverduePending returns pending schedules whose scheduled instant is before
// the cutoff, earliest first. Read-only, used by the health monitor.
func (s *Store) OverduePending(ctx context.Context, before time.Time) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = $1 AND scheduled_for < $2
		ORDER BY scheduled_for ASC
	`, models.StatusPending, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("query overdue schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// transitionError distinguishes a missing row from a disallowed transition
// after a conditional update matched nothing.
func (s *Store) transitionError(ctx context.Context, id string) error {
	_, err := s.GetSchedule(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidStateTransition
}
