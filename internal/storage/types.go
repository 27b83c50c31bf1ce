package storage

import (
	"context"
	"time"

	"alarmaway/internal/domain"
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps; state is lost on restart (default)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at URL
type Config struct {
	Driver      string
	Path        string
	URL         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only
	ConnTimeout time.Duration // postgres only
}

type AlarmFilter struct {
	OwnerID   string
	PhoneID   string
	ArmedOnly bool
}

// TicketFilter selects ledger tickets. A zero Owner matches every ticket.
type TicketFilter struct {
	Owner    domain.Owner
	OpenOnly bool
	// ExpiredBefore, when set, keeps tickets with ExpiresAt before it.
	ExpiredBefore time.Time
}

func (f TicketFilter) match(t domain.Ticket) bool {
	if f.Owner != (domain.Owner{}) && !f.Owner.Matches(t) {
		return false
	}
	if f.OpenOnly && !t.Open() {
		return false
	}
	if !f.ExpiredBefore.IsZero() && !t.ExpiresAt.Before(f.ExpiredBefore) {
		return false
	}
	return true
}

// PendingJob is a dispatch job that has been accepted but not yet fired.
type PendingJob struct {
	ID        string
	Kind      string
	Payload   []byte
	FireAt    time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	DeleteUser(ctx context.Context, id string) error
}

type PhoneStore interface {
	CreatePhone(ctx context.Context, p domain.Phone) error
	GetPhone(ctx context.Context, id string) (domain.Phone, error)
	PhoneByNumber(ctx context.Context, number string) (domain.Phone, error)
	ListPhones(ctx context.Context, ownerID string) ([]domain.Phone, error)
	SetPhoneVerified(ctx context.Context, id string, verified bool) error
	DeletePhone(ctx context.Context, id string) error
}

type AlarmStore interface {
	CreateAlarm(ctx context.Context, a domain.Alarm) error
	GetAlarm(ctx context.Context, id string) (domain.Alarm, error)
	ListAlarms(ctx context.Context, f AlarmFilter) ([]domain.Alarm, error)
	SetArmed(ctx context.Context, id string, armed bool) error
	// SwapArmed sets armed to to only if it currently equals from, and
	// reports whether it did.
	SwapArmed(ctx context.Context, id string, from, to bool) (bool, error)
	DeleteAlarm(ctx context.Context, id string) error
}

type TicketStore interface {
	CreateTicket(ctx context.Context, t domain.Ticket) error
	// CloseTicket sets ended_at only if the ticket is still open.
	// It reports whether this call closed it.
	CloseTicket(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteTicket(ctx context.Context, id string) error
	ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error)
}

type JobStore interface {
	PutJob(ctx context.Context, j PendingJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]PendingJob, error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API.
type Store interface {
	UserStore
	PhoneStore
	AlarmStore
	TicketStore
	JobStore
	DedupStore
	Close() error
}
