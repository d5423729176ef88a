// Package timeutil converts between the user-facing GMT+7 wall clock and the
// UTC instants used for storage and comparison. All dispatch-eligibility
// comparisons happen in UTC; GMT+7 exists only at the input/display edges.
package timeutil

import (
	"errors"
	"fmt"
	"time"
)

// DisplayZone is the fixed user-facing timezone. GMT+7 observes no DST, so
// the offset never changes.
var DisplayZone = time.FixedZone("GMT+7", 7*60*60)

// DisplayZoneName is stored on schedules for rendering.
const DisplayZoneName = "Asia/Ho_Chi_Minh"

// ErrInvalidTimeFormat is returned for time-of-day strings that are not
// zero-padded 24-hour HH:MM within 00:00-23:59.
var ErrInvalidTimeFormat = errors.New("invalid time format, expected HH:MM")

// ToStorageInstant combines a calendar date (YYYY-MM-DD) and a time of day
// (HH:MM, 24-hour) interpreted in the display zone, and returns the UTC
// instant. The host timezone is never consulted.
func ToStorageInstant(localDate, localTime string) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", localDate, DisplayZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", localDate, err)
	}
	hour, minute, err := parseClock(localTime)
	if err != nil {
		return time.Time{}, err
	}
	local := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, DisplayZone)
	return local.UTC(), nil
}

// ToDisplayInstant converts a stored UTC instant back into the display zone.
func ToDisplayInstant(utc time.Time) time.Time {
	return utc.In(DisplayZone)
}

// Remaining describes the magnitude of the gap between now and a scheduled
// instant. IsOverdue is true only when the instant is strictly in the past.
type Remaining struct {
	Days      int
	Hours     int
	Minutes   int
	IsOverdue bool
}

// TimeRemaining compares two UTC instants and reports the signed gap as a
// magnitude plus an overdue flag.
func TimeRemaining(now, scheduledFor time.Time) Remaining {
	diff := scheduledFor.Sub(now)
	overdue := diff < 0
	if overdue {
		diff = -diff
	}
	return Remaining{
		Days:      int(diff / (24 * time.Hour)),
		Hours:     int(diff % (24 * time.Hour) / time.Hour),
		Minutes:   int(diff % time.Hour / time.Minute),
		IsOverdue: overdue,
	}
}

func parseClock(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, ErrInvalidTimeFormat
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, 0, ErrInvalidTimeFormat
		}
	}
	hour = int(s[0]-'0')*10 + int(s[1]-'0')
	minute = int(s[3]-'0')*10 + int(s[4]-'0')
	if hour > 23 || minute > 59 {
		return 0, 0, ErrInvalidTimeFormat
	}
	return hour, minute, nil
}
