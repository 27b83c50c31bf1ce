// Package alarm owns the alarm lifecycle: arming an escalation, disarming it,
// re-arming after a reply, and the cascading removals of phones and users.
//
// Every operation on one alarm runs under that alarm's lock, so Arm, Disarm,
// Remove and Respond never interleave for the same id. Job revocation is
// best-effort: a failed cancel is logged and the ticket is closed anyway.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alarmaway/internal/delivery"
	"alarmaway/internal/domain"
	"alarmaway/internal/eventbus"
	"alarmaway/internal/schedule"
	"alarmaway/internal/storage"
	"alarmaway/internal/task/queue"
	logx "alarmaway/pkg/logx"

	"github.com/google/uuid"
)

type Scheduler struct {
	store  Store
	ledger Ledger
	jobs   Jobs
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	locks  *keyedMutex

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, d Deps) (*Scheduler, error) {
	if d.Store == nil || d.Ledger == nil || d.Jobs == nil {
		return nil, errors.New("alarm: store, ledger and jobs are required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Plan.Validate(); err != nil {
		return nil, err
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Scheduler{
		store:  d.Store,
		ledger: d.Ledger,
		jobs:   d.Jobs,
		log:    d.Log.With(logx.String("comp", "alarm")),
		bus:    d.Bus,
		now:    d.Now,
		locks:  newKeyedMutex(),
		cfg:    cfg,
	}, nil
}

// Apply swaps the plan and ack grace. Alarms already armed keep their tickets.
func (s *Scheduler) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Plan.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Scheduler) Plan() schedule.Plan { return s.config().Plan }

func (s *Scheduler) AckGrace() time.Duration { return s.config().AckGrace }

// Create adds a disarmed alarm for ownerID on one of their phones.
func (s *Scheduler) Create(ctx context.Context, ownerID, phoneID string, tod domain.TimeOfDay) (domain.Alarm, error) {
	if !tod.Valid() {
		return domain.Alarm{}, &domain.ValidationError{Field: "time", Reason: fmt.Sprintf("%d is outside a day", int32(tod))}
	}
	if _, err := s.store.GetUser(ctx, ownerID); err != nil {
		return domain.Alarm{}, fmt.Errorf("owner: %w", err)
	}
	phone, err := s.store.GetPhone(ctx, phoneID)
	if err != nil {
		return domain.Alarm{}, fmt.Errorf("phone: %w", err)
	}
	if phone.OwnerID != ownerID {
		return domain.Alarm{}, &domain.ValidationError{Field: "phone_id", Reason: "phone belongs to another user"}
	}
	a := domain.Alarm{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		PhoneID:   phoneID,
		Time:      tod,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateAlarm(ctx, a); err != nil {
		return domain.Alarm{}, err
	}
	s.log.Info("alarm created", logx.String("alarm_id", a.ID), logx.String("time", tod.String()))
	return a, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.Alarm, error) {
	return s.store.GetAlarm(ctx, id)
}

func (s *Scheduler) Tickets(ctx context.Context, id string) ([]domain.Ticket, error) {
	if _, err := s.store.GetAlarm(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.AllTicketsFor(ctx, domain.AlarmOwner(id))
}

// Arm schedules the next escalation of alarm id. On any failure everything
// submitted so far is revoked and *domain.PartialArmError is returned.
func (s *Scheduler) Arm(ctx context.Context, id string) ([]domain.Ticket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.armLocked(ctx, id)
}

func (s *Scheduler) Disarm(ctx context.Context, id string) (DisarmResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.disarmLocked(ctx, id)
}

// Remove deletes a disarmed alarm and all its tickets.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	a, err := s.store.GetAlarm(ctx, id)
	if err != nil {
		return err
	}
	if a.Armed {
		return domain.ErrMustDisarm
	}
	return s.removeLocked(ctx, id)
}

// Respond acknowledges the current escalation and arms the next one.
func (s *Scheduler) Respond(ctx context.Context, id string) ([]domain.Ticket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	_, tickets, err := s.respondLocked(ctx, id)
	return tickets, err
}

// AcknowledgeIfRecent is Respond for an inbound reply: it acts only while the
// alarm is armed and at falls inside its escalation window widened by the ack
// grace. Both checks run under the alarm's lock, so a concurrent Disarm wins.
// stopped is true once the running escalation was disarmed, even when the
// re-arm then failed.
func (s *Scheduler) AcknowledgeIfRecent(ctx context.Context, id string, at time.Time) (stopped bool, err error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	a, err := s.store.GetAlarm(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !a.Armed {
		return false, nil
	}
	w, ok, err := s.Escalation(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	cfg := s.config()
	end := w.Start.Add(cfg.Plan.Duration() + cfg.AckGrace)
	if at.Before(w.Start) || at.After(end) {
		return false, nil
	}
	stopped, _, err = s.respondLocked(ctx, id)
	return stopped, err
}

// respondLocked disarms then arms. When the arm fails after a successful
// disarm the alarm is left armed with no tickets, which Rollover re-arms on
// its next pass.
func (s *Scheduler) respondLocked(ctx context.Context, id string) (bool, []domain.Ticket, error) {
	if _, err := s.disarmLocked(ctx, id); err != nil {
		return false, nil, err
	}
	tickets, err := s.armLocked(ctx, id)
	if err == nil {
		return true, tickets, nil
	}
	var already *domain.AlreadyArmedError
	if errors.As(err, &already) || errors.Is(err, domain.ErrNotFound) {
		return true, nil, err
	}
	if serr := s.store.SetArmed(context.WithoutCancel(ctx), id, true); serr != nil {
		s.log.Error("re-arm pending mark failed; alarm left disarmed", logx.String("alarm_id", id), logx.Err(serr), logx.Alert())
	} else {
		s.log.Warn("re-arm failed; rollover will retry", logx.String("alarm_id", id), logx.Err(err))
		s.publish(eventbus.AlarmRearmPending, AlarmEvent{AlarmID: id, Reason: err.Error()})
	}
	return true, nil, err
}

// NextRunTime is the next instant the alarm would start escalating.
func (s *Scheduler) NextRunTime(ctx context.Context, id string) (time.Time, error) {
	a, err := s.store.GetAlarm(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.NextOccurrence(a.Time, s.now()), nil
}

// Escalation derives the in-flight escalation from open tickets. ok is false
// when nothing is open.
func (s *Scheduler) Escalation(ctx context.Context, id string) (Window, bool, error) {
	open, err := s.ledger.OpenTicketsFor(ctx, id)
	if err != nil {
		return Window{}, false, err
	}
	if len(open) == 0 {
		return Window{}, false, nil
	}
	w := Window{Start: open[0].FireAt, End: open[0].ExpiresAt, Open: len(open)}
	for _, t := range open[1:] {
		if t.FireAt.Before(w.Start) {
			w.Start = t.FireAt
		}
		if t.ExpiresAt.After(w.End) {
			w.End = t.ExpiresAt
		}
	}
	return w, true, nil
}

func (s *Scheduler) armLocked(ctx context.Context, id string) ([]domain.Ticket, error) {
	a, err := s.store.GetAlarm(ctx, id)
	if err != nil {
		return nil, err
	}
	open, err := s.ledger.OpenTicketsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Armed || len(open) > 0 {
		return nil, &domain.AlreadyArmedError{AlarmID: id, OpenTickets: len(open)}
	}

	now := s.now()
	slots := s.config().Plan.Compute(a.Time, now)
	var (
		jobIDs  []string
		tickets []domain.Ticket
	)
	fail := func(err error) ([]domain.Ticket, error) {
		s.rollback(ctx, id, jobIDs, tickets)
		perr := &domain.PartialArmError{AlarmID: id, Submitted: len(jobIDs), Planned: len(slots), Err: err}
		s.log.Error("arm failed; rolled back", logx.String("alarm_id", id), logx.Int("submitted", len(jobIDs)), logx.Int("planned", len(slots)), logx.Err(err))
		s.publish(eventbus.AlarmRollback, AlarmEvent{AlarmID: id, Tickets: len(tickets), Reason: err.Error()})
		return nil, perr
	}

	for _, slot := range slots {
		kind := schedule.JobKind(slot.Step)
		jobID, err := s.jobs.Submit(ctx, queue.Request{
			Kind:      kind,
			Payload:   delivery.AlarmPayload{AlarmID: a.ID, PhoneID: a.PhoneID, Step: slot.Index, Body: slot.Step.Body},
			FireAt:    slot.FireAt,
			ExpiresAt: slot.ExpiresAt,
		})
		if err != nil {
			return fail(fmt.Errorf("submit step %d: %w", slot.Index, err))
		}
		jobIDs = append(jobIDs, jobID)

		t, err := s.ledger.Create(ctx, domain.Ticket{
			AlarmID:   a.ID,
			JobID:     jobID,
			Kind:      kind,
			FireAt:    slot.FireAt,
			ExpiresAt: slot.ExpiresAt,
			StartedAt: now,
		})
		if err != nil {
			return fail(fmt.Errorf("record step %d: %w", slot.Index, err))
		}
		tickets = append(tickets, t)
	}

	// Compare-and-set: another instance sharing the store may have armed
	// the alarm since it was read above.
	swapped, err := s.store.SwapArmed(ctx, id, false, true)
	if err != nil {
		return fail(fmt.Errorf("mark armed: %w", err))
	}
	if !swapped {
		s.rollback(ctx, id, jobIDs, tickets)
		s.log.Warn("alarm armed elsewhere; rolled back", logx.String("alarm_id", id))
		return nil, &domain.AlreadyArmedError{AlarmID: id}
	}

	start := time.Time{}
	if len(slots) > 0 {
		start = slots[0].FireAt
	}
	s.log.Info("alarm armed", logx.String("alarm_id", id), logx.Int("steps", len(tickets)), logx.Time("starts_at", start))
	s.publish(eventbus.AlarmArmed, AlarmEvent{AlarmID: id, Tickets: len(tickets)})
	return tickets, nil
}

// rollback undoes a partial arm. It runs detached from ctx so a cancelled
// request still cleans up. The armed flag is left alone: armLocked only sets
// it as its last step.
func (s *Scheduler) rollback(ctx context.Context, alarmID string, jobIDs []string, tickets []domain.Ticket) {
	ctx = context.WithoutCancel(ctx)
	for _, jobID := range jobIDs {
		if _, err := s.jobs.Cancel(ctx, jobID, true); err != nil {
			s.revocationFailed(alarmID, jobID, err)
		}
	}
	now := s.now()
	for _, t := range tickets {
		if _, err := s.ledger.Close(ctx, t.ID, now); err != nil {
			s.log.Warn("rollback: close ticket failed", logx.String("ticket_id", t.ID), logx.Err(err))
		}
		if err := s.ledger.Delete(ctx, t.ID); err != nil {
			s.log.Warn("rollback: delete ticket failed", logx.String("ticket_id", t.ID), logx.Err(err))
		}
	}
}

func (s *Scheduler) disarmLocked(ctx context.Context, id string) (DisarmResult, error) {
	a, err := s.store.GetAlarm(ctx, id)
	if err != nil {
		return DisarmResult{}, err
	}
	open, err := s.ledger.OpenTicketsFor(ctx, id)
	if err != nil {
		return DisarmResult{}, err
	}
	if !a.Armed && len(open) == 0 {
		return DisarmResult{Noop: true}, nil
	}

	var (
		res  DisarmResult
		errs []error
	)
	now := s.now()
	for _, t := range open {
		acked, err := s.jobs.Cancel(ctx, t.JobID, true)
		switch {
		case err != nil:
			res.RevocationFailures++
			s.revocationFailed(id, t.JobID, err)
		case acked:
			res.Revoked++
		}
		closed, err := s.ledger.Close(ctx, t.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("close ticket %s: %w", t.ID, err))
			continue
		}
		if closed {
			res.Closed++
		}
	}
	if err := s.store.SetArmed(ctx, id, false); err != nil {
		errs = append(errs, fmt.Errorf("clear armed: %w", err))
	}

	s.log.Info("alarm disarmed",
		logx.String("alarm_id", id),
		logx.Int("closed", res.Closed),
		logx.Int("revoked", res.Revoked),
		logx.Int("revocation_failures", res.RevocationFailures),
	)
	s.publish(eventbus.AlarmDisarmed, AlarmEvent{AlarmID: id, Tickets: res.Closed})
	return res, errors.Join(errs...)
}

func (s *Scheduler) removeLocked(ctx context.Context, id string) error {
	if _, err := s.disarmLocked(ctx, id); err != nil {
		return err
	}
	n, err := s.ledger.Purge(ctx, domain.AlarmOwner(id))
	if err != nil {
		return fmt.Errorf("purge tickets: %w", err)
	}
	if err := s.store.DeleteAlarm(ctx, id); err != nil {
		return err
	}
	s.log.Info("alarm removed", logx.String("alarm_id", id), logx.Int("tickets", n))
	s.publish(eventbus.AlarmRemoved, AlarmEvent{AlarmID: id, Tickets: n})
	return nil
}

func (s *Scheduler) revocationFailed(alarmID, jobID string, err error) {
	rerr := &domain.RevocationError{JobID: jobID, Err: err}
	s.log.Warn("job revocation failed", logx.String("alarm_id", alarmID), logx.Err(rerr), logx.Alert())
}

func (s *Scheduler) publish(typ string, ev AlarmEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// listAlarms is a small helper for the cascades and sweeps.
func (s *Scheduler) listAlarms(ctx context.Context, f storage.AlarmFilter) ([]domain.Alarm, error) {
	return s.store.ListAlarms(ctx, f)
}
