// Package ledger records every dispatched job as a ticket so it can be found
// and revoked later. Writes go through storage.TicketStore with bounded
// retries; a ticket that still cannot be written after its job was submitted
// is a leak and raises an operator alert.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"alarmaway/internal/domain"
	"alarmaway/internal/eventbus"
	"alarmaway/internal/storage"
	logx "alarmaway/pkg/logx"

	"github.com/google/uuid"
)

type Config struct {
	// WriteRetries is the number of extra attempts after a failed write.
	WriteRetries int
	RetryBase    time.Duration
	RetryMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteRetries < 0 {
		c.WriteRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	return c
}

// LeakEvent is published as eventbus.LedgerLeak.
type LeakEvent struct {
	JobID string       `json:"job_id"`
	Owner domain.Owner `json:"owner"`
	Kind  string       `json:"kind"`
	Error string       `json:"error"`
}

type Ledger struct {
	store storage.TicketStore
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

func New(cfg Config, store storage.TicketStore, log logx.Logger, bus eventbus.Bus) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		store: store,
		log:   log.With(logx.String("comp", "ledger")),
		bus:   bus,
		now:   time.Now,
		cfg:   cfg.withDefaults(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *Ledger) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// Create records a ticket for an already submitted job. The ticket gets an id
// and StartedAt when those are empty. Exhausted retries yield
// *domain.LedgerLeakError.
func (l *Ledger) Create(ctx context.Context, t domain.Ticket) (domain.Ticket, error) {
	owner := domain.Owner{AlarmID: t.AlarmID, PhoneID: t.PhoneID, UserID: t.UserID}
	if !owner.Valid() {
		return t, &domain.ValidationError{Field: "ticket", Reason: "exactly one owner id must be set"}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = l.now()
	}
	t.EndedAt = nil

	err := l.retry(ctx, "create", func(ctx context.Context) error {
		return l.store.CreateTicket(ctx, t)
	})
	if err == nil {
		return t, nil
	}

	leak := &domain.LedgerLeakError{JobID: t.JobID, Err: err}
	l.log.Error("ticket lost for submitted job",
		logx.String("job_id", t.JobID),
		logx.String("owner", owner.String()),
		logx.String("kind", t.Kind),
		logx.Err(err),
		logx.Alert(),
	)
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.LedgerLeak, Data: LeakEvent{
			JobID: t.JobID, Owner: owner, Kind: t.Kind, Error: err.Error(),
		}})
	}
	return t, leak
}

// Close ends a ticket. Closing an already closed ticket is a no-op that
// reports false.
func (l *Ledger) Close(ctx context.Context, id string, at time.Time) (bool, error) {
	var closed bool
	err := l.retry(ctx, "close", func(ctx context.Context) error {
		var err error
		closed, err = l.store.CloseTicket(ctx, id, at)
		return err
	})
	return closed, err
}

func (l *Ledger) Delete(ctx context.Context, id string) error {
	return l.retry(ctx, "delete", func(ctx context.Context) error {
		return l.store.DeleteTicket(ctx, id)
	})
}

func (l *Ledger) OpenTicketsFor(ctx context.Context, alarmID string) ([]domain.Ticket, error) {
	return l.store.ListTickets(ctx, storage.TicketFilter{Owner: domain.AlarmOwner(alarmID), OpenOnly: true})
}

func (l *Ledger) AllTicketsFor(ctx context.Context, owner domain.Owner) ([]domain.Ticket, error) {
	if !owner.Valid() {
		return nil, &domain.ValidationError{Field: "owner", Reason: "exactly one owner id must be set"}
	}
	return l.store.ListTickets(ctx, storage.TicketFilter{Owner: owner})
}

// Stale lists open tickets of any owner that expired before the given time.
func (l *Ledger) Stale(ctx context.Context, before time.Time) ([]domain.Ticket, error) {
	return l.store.ListTickets(ctx, storage.TicketFilter{OpenOnly: true, ExpiredBefore: before})
}

// Purge closes every open ticket of owner, then deletes all of them.
// It returns the number of tickets deleted.
func (l *Ledger) Purge(ctx context.Context, owner domain.Owner) (int, error) {
	tickets, err := l.AllTicketsFor(ctx, owner)
	if err != nil {
		return 0, err
	}
	now := l.now()
	for _, t := range tickets {
		if !t.Open() {
			continue
		}
		if _, err := l.Close(ctx, t.ID, now); err != nil {
			return 0, fmt.Errorf("close ticket %s: %w", t.ID, err)
		}
	}
	n := 0
	for _, t := range tickets {
		if err := l.Delete(ctx, t.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return n, fmt.Errorf("delete ticket %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

func (l *Ledger) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	cfg := l.cfg
	l.mu.Unlock()

	var err error
	for attempt := 0; attempt <= cfg.WriteRetries; attempt++ {
		err = fn(ctx)
		if err == nil || errors.Is(err, domain.ErrNotFound) || ctx.Err() != nil {
			return err
		}
		if attempt == cfg.WriteRetries {
			break
		}
		delay := l.backoff(cfg, attempt)
		l.log.Debug("ledger write failed; retrying", logx.String("op", op), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

func (l *Ledger) backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << attempt
	if d <= 0 || d > cfg.RetryMax {
		d = cfg.RetryMax
	}
	l.mu.Lock()
	j := time.Duration(l.rng.Int63n(int64(d)/5 + 1))
	l.mu.Unlock()
	return d - d/10 + j
}
