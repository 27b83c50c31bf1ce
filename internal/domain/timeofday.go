package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// TimeOfDay is a wall-clock time stored as seconds since midnight UTC.
type TimeOfDay int32

// NewTimeOfDay builds a TimeOfDay from an hour and minute in UTC.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 {
		return 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("hour %d out of range", hour)}
	}
	if minute < 0 || minute > 59 {
		return 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("minute %d out of range", minute)}
	}
	return TimeOfDay(hour*3600 + minute*60), nil
}

// ParseTimeOfDay parses "HH:MM" (24h, UTC).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("expected HH:MM, got %q", s)}
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("bad hour %q", hh)}
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("bad minute %q", mm)}
	}
	return NewTimeOfDay(h, m)
}

// Valid reports whether t lies within a single day.
func (t TimeOfDay) Valid() bool { return t >= 0 && t < secondsPerDay }

func (t TimeOfDay) Hour() int   { return int(t) / 3600 }
func (t TimeOfDay) Minute() int { return int(t) % 3600 / 60 }
func (t TimeOfDay) Second() int { return int(t) % 60 }

// Offset returns t as a duration past midnight.
func (t TimeOfDay) Offset() time.Duration { return time.Duration(t) * time.Second }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On returns the instant t falls on for the UTC calendar day of ref.
func (t TimeOfDay) On(ref time.Time) time.Time {
	y, mo, d := ref.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).Add(t.Offset())
}

// InZone renders t as local wall-clock "HH:MM" for loc on the day of ref.
// Only the admin API and CLI use it; storage and scheduling stay in UTC.
func (t TimeOfDay) InZone(loc *time.Location, ref time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.On(ref).In(loc).Format("15:04")
}

// TimeOfDayFromLocal converts a local "HH:MM" in loc to UTC seconds since midnight.
func TimeOfDayFromLocal(s string, loc *time.Location, ref time.Time) (TimeOfDay, error) {
	local, err := ParseTimeOfDay(s)
	if err != nil {
		return 0, err
	}
	if loc == nil || loc == time.UTC {
		return local, nil
	}
	y, mo, d := ref.In(loc).Date()
	at := time.Date(y, mo, d, local.Hour(), local.Minute(), 0, 0, loc).UTC()
	return TimeOfDay(at.Hour()*3600 + at.Minute()*60), nil
}
