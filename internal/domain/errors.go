package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrMustDisarm is returned when removing an armed alarm.
	ErrMustDisarm = errors.New("must disarm first")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AlreadyArmedError means the alarm already has an escalation in flight.
type AlreadyArmedError struct {
	AlarmID     string
	OpenTickets int
}

func (e *AlreadyArmedError) Error() string {
	return fmt.Sprintf("alarm %s already armed (%d open tickets)", e.AlarmID, e.OpenTickets)
}

// PartialArmError means arming failed midway and was rolled back.
type PartialArmError struct {
	AlarmID   string
	Submitted int
	Planned   int
	Err       error
}

func (e *PartialArmError) Error() string {
	return fmt.Sprintf("arm alarm %s failed after %d/%d steps: %v", e.AlarmID, e.Submitted, e.Planned, e.Err)
}

func (e *PartialArmError) Unwrap() error { return e.Err }

// RevocationError is a failed best-effort job cancellation. It is logged,
// never returned from Disarm.
type RevocationError struct {
	JobID string
	Err   error
}

func (e *RevocationError) Error() string {
	return fmt.Sprintf("revoke job %s: %v", e.JobID, e.Err)
}

func (e *RevocationError) Unwrap() error { return e.Err }

// UnknownSenderError means an inbound message came from an unregistered number.
type UnknownSenderError struct {
	Number string
}

func (e *UnknownSenderError) Error() string {
	return fmt.Sprintf("unknown sender %s", e.Number)
}

// LedgerLeakError means a job was submitted but its ticket could not be
// recorded, so nothing can revoke it.
type LedgerLeakError struct {
	JobID string
	Err   error
}

func (e *LedgerLeakError) Error() string {
	return fmt.Sprintf("ledger write for job %s failed: %v", e.JobID, e.Err)
}

func (e *LedgerLeakError) Unwrap() error { return e.Err }
