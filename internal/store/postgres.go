package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"facebook-post-scheduler/internal/models"
)

var (
	// ErrNotFound indicates no schedule exists with the given id.
	ErrNotFound = errors.New("schedule not found")
	// ErrInvalidStateTransition indicates an attempt to move a schedule out
	// of a terminal state, or a transition the current status does not allow.
	ErrInvalidStateTransition = errors.New("invalid schedule state transition")
)

// Store wraps pgxpool for Postgres persistence. It is the only gateway to
// schedule rows; every selection predicate and status transition lives here.
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

const scheduleColumns = `
	id, owner_id, review_id, scheduled_for, timezone,
	target_type, target_id, target_name, message, landing_page_url,
	affiliate_links, snapshot, status, retry_count, max_retries,
	next_retry_at, error_message, posted_at, post_id, post_url,
	claimed_at, created_at, updated_at`

// CreateScheduleParams collects inputs required to insert a schedule.
type CreateScheduleParams struct {
	OwnerID        string
	ReviewID       string
	ScheduledFor   time.Time
	Timezone       string
	TargetType     string
	TargetID       string
	TargetName     string
	Message        string
	LandingPageURL string
	AffiliateLinks []models.AffiliateLink
	Snapshot       models.ReviewSnapshot
	MaxRetries     int
}

// CreateSchedule inserts a pending schedule row and returns it.
func (s *Store) CreateSchedule(ctx context.Context, p CreateScheduleParams) (models.Schedule, error) {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}

	linksJSON, err := json.Marshal(p.AffiliateLinks)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("marshal affiliate links: %w", err)
	}
	snapshotJSON, err := json.Marshal(p.Snapshot)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (
			id, owner_id, review_id, scheduled_for, timezone,
			target_type, target_id, target_name, message, landing_page_url,
			affiliate_links, snapshot, status, retry_count, max_retries,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15, $15)
	`, id, p.OwnerID, p.ReviewID, p.ScheduledFor.UTC(), p.Timezone,
		p.TargetType, p.TargetID, p.TargetName, p.Message, p.LandingPageURL,
		linksJSON, snapshotJSON, models.StatusPending, p.MaxRetries, now)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}

	return models.Schedule{
		ID:             id,
		OwnerID:        p.OwnerID,
		ReviewID:       p.ReviewID,
		ScheduledFor:   p.ScheduledFor.UTC(),
		Timezone:       p.Timezone,
		TargetType:     p.TargetType,
		TargetID:       p.TargetID,
		TargetName:     p.TargetName,
		Message:        p.Message,
		LandingPageURL: p.LandingPageURL,
		AffiliateLinks: p.AffiliateLinks,
		Snapshot:       p.Snapshot,
		Status:         models.StatusPending,
		MaxRetries:     p.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("query schedule: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return models.Schedule{}, fmt.Errorf("query schedule: %w", err)
		}
		return models.Schedule{}, ErrNotFound
	}
	return scanSchedule(rows)
}

// ListByOwner returns the owner's schedules, newest scheduled first,
// optionally filtered by status.
func (s *Store) ListByOwner(ctx context.Context, ownerID, status string, limit, offset int) ([]models.Schedule, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + scheduleColumns + ` FROM schedules WHERE owner_id = $1`
	args := []any{ownerID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY scheduled_for DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]models.Schedule, error) {
	var out []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func scanSchedule(rows pgx.Rows) (models.Schedule, error) {
	var sched models.Schedule
	var linksJSON, snapshotJSON []byte
	var nextRetry, postedAt, claimedAt pgtype.Timestamptz
	var errMsg, postID, postURL pgtype.Text

	if err := rows.Scan(
		&sched.ID, &sched.OwnerID, &sched.ReviewID, &sched.ScheduledFor, &sched.Timezone,
		&sched.TargetType, &sched.TargetID, &sched.TargetName, &sched.Message, &sched.LandingPageURL,
		&linksJSON, &snapshotJSON, &sched.Status, &sched.RetryCount, &sched.MaxRetries,
		&nextRetry, &errMsg, &postedAt, &postID, &postURL,
		&claimedAt, &sched.CreatedAt, &sched.UpdatedAt,
	); err != nil {
		return models.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}

	if err := json.Unmarshal(linksJSON, &sched.AffiliateLinks); err != nil {
		return models.Schedule{}, fmt.Errorf("unmarshal affiliate links: %w", err)
	}
	if err := json.Unmarshal(snapshotJSON, &sched.Snapshot); err != nil {
		return models.Schedule{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	sched.NextRetryAt = tsPtr(nextRetry)
	sched.ErrorMessage = textPtr(errMsg)
	sched.PostedAt = tsPtr(postedAt)
	sched.PostID = textPtr(postID)
	sched.PostURL = textPtr(postURL)
	sched.ClaimedAt = tsPtr(claimedAt)
	return sched, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		utc := t.Time.UTC()
		return &utc
	}
	return nil
}
