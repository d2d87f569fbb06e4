package models

import (
	"fmt"
	"time"
)

// BusinessHours is a local-time sending window [Start, End).
// A window whose start is after its end wraps past midnight.
type BusinessHours struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

// ParseBusinessHours parses "HH:MM" bounds and an IANA timezone name
func ParseBusinessHours(start, end, timezone string) (*BusinessHours, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	if s == e {
		return nil, fmt.Errorf("start and end must differ")
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	return &BusinessHours{Start: s, End: e, Location: loc}, nil
}

// Contains reports whether t falls inside the window in the window's timezone
func (b *BusinessHours) Contains(t time.Time) bool {
	local := t.In(b.Location)
	offset := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second

	if b.Start < b.End {
		return offset >= b.Start && offset < b.End
	}
	return offset >= b.Start || offset < b.End
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		// Postgres TIME columns come back as HH:MM:SS
		t, err = time.Parse("15:04:05", value)
		if err != nil {
			return 0, fmt.Errorf("invalid time of day %q", value)
		}
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}
