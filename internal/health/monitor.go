// Package health implements a read-only diagnostic over pending schedules.
// It never mutates state and is safe to call arbitrarily often.
package health

import (
	"context"
	"fmt"
	"time"

	"facebook-post-scheduler/internal/models"
	"facebook-post-scheduler/internal/telemetry"
)

// Severity classifies how badly dispatch has fallen behind.
const (
	SeverityNone     = "none"
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

// Store is the read-only slice of the schedule store the monitor needs.
type Store interface {
	OverduePending(ctx context.Context, before time.Time) ([]models.Schedule, error)
}

// OverdueSchedule is one pending record past its scheduled instant.
type OverdueSchedule struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ScheduledFor time.Time `json:"scheduled_for"`
	HoursOverdue float64   `json:"hours_overdue"`
}

// Report summarizes overdue pending schedules at one point in time.
type Report struct {
	Severity         string            `json:"severity"`
	OverdueCount     int               `json:"overdue_count"`
	OverdueSchedules []OverdueSchedule `json:"overdue_schedules"`
	Recommendations  []string          `json:"recommendations"`
	CheckedAt        time.Time         `json:"checked_at"`
}

// Monitor scans for pending schedules the dispatcher should already have
// picked up.
type Monitor struct {
	store Store
	now   func() time.Time
}

func NewMonitor(st Store, now func() time.Time) *Monitor {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{store: st, now: now}
}

// CheckHealth reports pending schedules more than thresholdMinutes past
// their scheduled instant, classified by the worst record's age.
func (m *Monitor) CheckHealth(ctx context.Context, thresholdMinutes int) (Report, error) {
	now := m.now()
	cutoff := now.Add(-time.Duration(thresholdMinutes) * time.Minute)

	overdue, err := m.store.OverduePending(ctx, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("scan overdue schedules: %w", err)
	}

	report := Report{
		Severity:         SeverityNone,
		OverdueSchedules: make([]OverdueSchedule, 0, len(overdue)),
		CheckedAt:        now,
	}

	var worst time.Duration
	for _, sched := range overdue {
		age := now.Sub(sched.ScheduledFor)
		if age > worst {
			worst = age
		}
		report.OverdueSchedules = append(report.OverdueSchedules, OverdueSchedule{
			ID:           sched.ID,
			Title:        sched.Snapshot.Title,
			ScheduledFor: sched.ScheduledFor,
			HoursOverdue: age.Hours(),
		})
	}
	report.OverdueCount = len(overdue)
	report.Severity = classify(len(overdue), worst)
	report.Recommendations = recommendations(report.Severity)

	telemetry.OverdueGauge.Set(float64(len(overdue)))
	return report, nil
}

func classify(count int, worst time.Duration) string {
	switch {
	case count == 0:
		return SeverityNone
	case worst >= 24*time.Hour:
		return SeverityCritical
	case worst >= 6*time.Hour:
		return SeverityMajor
	default:
		return SeverityMinor
	}
}

func recommendations(severity string) []string {
	switch severity {
	case SeverityCritical:
		return []string{
			"the dispatcher has not run for over a day; check the cron trigger and worker logs",
			"verify the webhook endpoint is reachable and the database is accepting writes",
			"consider manually re-dispatching or rescheduling the oldest records",
		}
	case SeverityMajor:
		return []string{
			"dispatch is hours behind; check that the trigger is firing on schedule",
			"inspect recent delivery logs for repeated webhook failures",
		}
	case SeverityMinor:
		return []string{
			"a few schedules are slightly behind; the next dispatch run should clear them",
		}
	default:
		return nil
	}
}
