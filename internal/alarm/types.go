package alarm

import (
	"context"
	"time"

	"alarmaway/internal/domain"
	"alarmaway/internal/eventbus"
	"alarmaway/internal/schedule"
	"alarmaway/internal/storage"
	"alarmaway/internal/task/queue"
	logx "alarmaway/pkg/logx"
)

// Jobs is the dispatch queue surface the scheduler needs.
type Jobs interface {
	Submit(ctx context.Context, req queue.Request) (string, error)
	Cancel(ctx context.Context, jobID string, terminate bool) (bool, error)
}

// Ledger is the ticket ledger surface the scheduler needs. *ledger.Ledger
// satisfies it.
type Ledger interface {
	Create(ctx context.Context, t domain.Ticket) (domain.Ticket, error)
	Close(ctx context.Context, id string, at time.Time) (bool, error)
	Delete(ctx context.Context, id string) error
	OpenTicketsFor(ctx context.Context, alarmID string) ([]domain.Ticket, error)
	AllTicketsFor(ctx context.Context, owner domain.Owner) ([]domain.Ticket, error)
	Purge(ctx context.Context, owner domain.Owner) (int, error)
	Stale(ctx context.Context, before time.Time) ([]domain.Ticket, error)
}

type Store interface {
	storage.UserStore
	storage.PhoneStore
	storage.AlarmStore
}

type Config struct {
	Plan schedule.Plan
	// AckGrace extends the escalation window during which a reply still
	// counts, and delays rollover of an unanswered escalation.
	AckGrace time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Plan.Steps) == 0 {
		c.Plan = schedule.DefaultPlan()
	}
	if c.AckGrace <= 0 {
		c.AckGrace = 40 * time.Minute
	}
	return c
}

type Deps struct {
	Store  Store
	Ledger Ledger
	Jobs   Jobs
	Log    logx.Logger
	Bus    eventbus.Bus
	Now    func() time.Time
}

// DisarmResult reports what a disarm did.
type DisarmResult struct {
	// Noop is set when the alarm was already disarmed with nothing open.
	Noop    bool `json:"noop"`
	Closed  int  `json:"closed"`
	Revoked int  `json:"revoked"`
	// RevocationFailures counts cancels that errored. Their tickets were
	// closed anyway.
	RevocationFailures int `json:"revocation_failures"`
}

// Window is an escalation in progress, derived from open tickets.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Open  int       `json:"open"`
}

// AlarmEvent is the payload of alarm.* bus events.
type AlarmEvent struct {
	AlarmID string `json:"alarm_id"`
	Tickets int    `json:"tickets,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
