// Package schedule turns an alarm's time of day into concrete dispatch times.
//
// Everything here is pure: the same (TimeOfDay, now) always yields the same slots.
package schedule

import (
	"fmt"
	"time"

	"alarmaway/internal/domain"
)

const (
	DefaultCallGrace = 90 * time.Second
	DefaultTextGrace = 120 * time.Second
	DefaultTextBody  = "Are you up yet?"

	minGrace = time.Second
	maxGrace = 10 * time.Minute
)

// PlannedStep is one row of the escalation table.
type PlannedStep struct {
	Step   domain.Step
	Offset time.Duration
	Grace  time.Duration
}

// Plan is an ordered escalation sequence.
type Plan struct {
	Steps []PlannedStep
}

// Slot is a step resolved to absolute times.
type Slot struct {
	Index     int
	Step      domain.Step
	FireAt    time.Time
	ExpiresAt time.Time
}

// DefaultPlan is call, text, call, text, call, text over 21 minutes.
func DefaultPlan() Plan {
	text := domain.TextStep(DefaultTextBody)
	return Plan{Steps: []PlannedStep{
		{Step: domain.CallStep(), Offset: 0, Grace: DefaultCallGrace},
		{Step: text, Offset: 180 * time.Second, Grace: DefaultTextGrace},
		{Step: domain.CallStep(), Offset: 480 * time.Second, Grace: DefaultCallGrace},
		{Step: text, Offset: 660 * time.Second, Grace: DefaultTextGrace},
		{Step: domain.CallStep(), Offset: 960 * time.Second, Grace: DefaultCallGrace},
		{Step: text, Offset: 1140 * time.Second, Grace: DefaultTextGrace},
	}}
}

// Validate checks ordering and bounds.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return &domain.ValidationError{Field: "escalation.steps", Reason: "at least one step required"}
	}
	var prev time.Duration
	for i, s := range p.Steps {
		field := fmt.Sprintf("escalation.steps[%d]", i)
		switch s.Step.Kind {
		case domain.StepCall:
		case domain.StepText:
			if s.Step.Body == "" {
				return &domain.ValidationError{Field: field, Reason: "text step needs a body"}
			}
		default:
			return &domain.ValidationError{Field: field, Reason: "unknown step kind"}
		}
		if s.Offset < 0 {
			return &domain.ValidationError{Field: field, Reason: "negative offset"}
		}
		if s.Offset < prev {
			return &domain.ValidationError{Field: field, Reason: "offsets must be non-decreasing"}
		}
		if s.Grace < minGrace || s.Grace > maxGrace {
			return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("grace %s outside [%s, %s]", s.Grace, minGrace, maxGrace)}
		}
		prev = s.Offset
	}
	return nil
}

// Duration is how long an escalation lasts from its first fire time until
// the last step expires.
func (p Plan) Duration() time.Duration {
	var d time.Duration
	for _, s := range p.Steps {
		d = max(d, s.Offset+s.Grace)
	}
	return d
}

// NextOccurrence returns the next instant at tod strictly after now.
// When now is at or past today's tod, that is tomorrow's.
func NextOccurrence(tod domain.TimeOfDay, now time.Time) time.Time {
	now = now.UTC()
	at := tod.On(now)
	if !now.Before(at) {
		at = tod.On(now.AddDate(0, 0, 1))
	}
	return at
}

// Compute resolves every step for the next occurrence of tod after now.
func (p Plan) Compute(tod domain.TimeOfDay, now time.Time) []Slot {
	base := NextOccurrence(tod, now)
	out := make([]Slot, 0, len(p.Steps))
	for i, s := range p.Steps {
		fire := base.Add(s.Offset)
		out = append(out, Slot{
			Index:     i,
			Step:      s.Step,
			FireAt:    fire,
			ExpiresAt: fire.Add(s.Grace),
		})
	}
	return out
}

// JobKind maps a step to the dispatch job kind that executes it.
func JobKind(s domain.Step) string {
	if s.Kind == domain.StepText {
		return KindAlarmText
	}
	return KindAlarmCall
}

const (
	KindAlarmCall = "alarm.call"
	KindAlarmText = "alarm.text"
)
