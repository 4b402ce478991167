package compliance

import (
	"fmt"
	"time"
)

// Purpose separates recruitment outreach, which honors quiet hours, from
// visit logistics for enrolled patients, which does not.
type Purpose string

const (
	PurposeVisit       Purpose = "visit"
	PurposeRecruitment Purpose = "recruitment"
)

// QuietHours is a daily local-time window in which recruitment sends are held.
// The zero value is disabled.
type QuietHours struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
	enabled      bool
}

// ParseQuietHours builds a window from HH:MM clocks in tz (UTC when empty).
func ParseQuietHours(start, end, tz string) (QuietHours, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("compliance: load quiet hours tz: %w", err)
		}
	}
	startMin, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours end: %w", err)
	}
	return QuietHours{
		StartMinutes: startMin,
		EndMinutes:   endMin,
		location:     loc,
		enabled:      startMin != endMin,
	}, nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (q QuietHours) Enabled() bool { return q.enabled }

func (q QuietHours) inside(minutes int) bool {
	if q.StartMinutes < q.EndMinutes {
		return minutes >= q.StartMinutes && minutes < q.EndMinutes
	}
	// crosses midnight
	return minutes >= q.StartMinutes || minutes < q.EndMinutes
}

// Suppress reports whether a send for purpose must wait at now.
func (q QuietHours) Suppress(now time.Time, purpose Purpose) bool {
	if !q.enabled || purpose != PurposeRecruitment {
		return false
	}
	local := now.In(q.location)
	return q.inside(local.Hour()*60 + local.Minute())
}

// Resume returns when the window containing now ends. Outside the window it
// returns now.
func (q QuietHours) Resume(now time.Time) time.Time {
	if !q.enabled {
		return now
	}
	local := now.In(q.location)
	if !q.inside(local.Hour()*60 + local.Minute()) {
		return now
	}
	end := time.Date(local.Year(), local.Month(), local.Day(), q.EndMinutes/60, q.EndMinutes%60, 0, 0, q.location)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
