package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"facebook-post-scheduler/internal/models"
)

// InsertDeliveryLog records the outbound payload of one delivery attempt
// before the webhook call is made. Returns the log row id.
func (s *Store) InsertDeliveryLog(ctx context.Context, scheduleID string, attempt int, payload []byte, sentAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_logs (id, schedule_id, attempt, payload, sent_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, scheduleID, attempt, payload, sentAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert delivery log: %w", err)
	}
	return id, nil
}

// FinishDeliveryLog records the webhook response on an existing attempt row.
// Log rows are append-only apart from this single completion write.
func (s *Store) FinishDeliveryLog(ctx context.Context, id string, status int, body string, receivedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_logs
		SET response_status = $2, response_body = $3, received_at = $4
		WHERE id = $1
	`, id, status, body, receivedAt.UTC())
	if err != nil {
		return fmt.Errorf("finish delivery log: %w", err)
	}
	return nil
}

// ListDeliveryLogs returns the attempt history for a schedule, oldest first.
func (s *Store) ListDeliveryLogs(ctx context.Context, scheduleID string, limit int) ([]models.DeliveryLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, schedule_id, attempt, payload, response_status, response_body, sent_at, received_at
		FROM delivery_logs
		WHERE schedule_id = $1
		ORDER BY sent_at ASC
		LIMIT $2
	`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryLog
	for rows.Next() {
		var entry models.DeliveryLog
		var status pgtype.Int4
		var body pgtype.Text
		var received pgtype.Timestamptz
		if err := rows.Scan(&entry.ID, &entry.ScheduleID, &entry.Attempt, &entry.Payload,
			&status, &body, &entry.SentAt, &received); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		if status.Valid {
			v := int(status.Int32)
			entry.ResponseStatus = &v
		}
		entry.ResponseBody = textPtr(body)
		entry.ReceivedAt = tsPtr(received)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery logs: %w", err)
	}
	return out, nil
}
