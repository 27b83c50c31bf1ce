package alarm

import (
	"context"
	"errors"
	"time"

	"alarmaway/internal/domain"
	"alarmaway/internal/eventbus"
	"alarmaway/internal/storage"
	logx "alarmaway/pkg/logx"
)

// Rollover re-arms armed alarms whose escalation ended more than AckGrace
// ago without a reply, and armed alarms with no tickets (including those
// whose last re-arm failed). It returns how many alarms were re-armed.
func (s *Scheduler) Rollover(ctx context.Context) (int, error) {
	armed, err := s.listAlarms(ctx, storage.AlarmFilter{ArmedOnly: true})
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, a := range armed {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		reason, err := s.rolloverOne(ctx, a.ID)
		if err != nil {
			s.log.Warn("rollover failed", logx.String("alarm_id", a.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		if reason == "" {
			continue
		}
		n++
		s.log.Info("alarm rolled over", logx.String("alarm_id", a.ID), logx.String("reason", reason))
		s.publish(eventbus.AlarmRollover, AlarmEvent{AlarmID: a.ID, Reason: reason})
	}
	return n, errors.Join(errs...)
}

// rolloverOne re-reads the alarm under its lock; the listing in Rollover is
// only a candidate set. reason is empty when nothing was done.
func (s *Scheduler) rolloverOne(ctx context.Context, id string) (string, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	a, err := s.store.GetAlarm(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "", nil
	case err != nil:
		return "", err
	case !a.Armed:
		return "", nil
	}
	w, ok, err := s.Escalation(ctx, id)
	if err != nil {
		return "", err
	}
	if ok && !s.now().After(w.End.Add(s.AckGrace())) {
		return "", nil
	}
	reason := "unanswered"
	if !ok {
		reason = "no open tickets"
	}
	if _, _, err := s.respondLocked(ctx, id); err != nil {
		return "", err
	}
	return reason, nil
}

// Reconcile closes open tickets that expired more than olderThan ago and can
// no longer be revoked by a disarm: tickets of alarms that are disarmed or
// gone, and one-shot phone and user tickets.
func (s *Scheduler) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	stale, err := s.ledger.Stale(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	closed := 0
	var errs []error
	for _, t := range stale {
		ok, err := s.reconcileOne(ctx, t, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			closed++
		}
	}
	if closed > 0 {
		s.log.Info("ledger reconciled", logx.Int("closed", closed), logx.Int("stale", len(stale)))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.LedgerReconcile, Time: now, Data: map[string]int{"stale": len(stale), "closed": closed}})
	}
	return closed, errors.Join(errs...)
}

func (s *Scheduler) reconcileOne(ctx context.Context, t domain.Ticket, now time.Time) (bool, error) {
	if t.AlarmID == "" {
		return s.ledger.Close(ctx, t.ID, now)
	}
	unlock := s.locks.Lock(t.AlarmID)
	defer unlock()
	a, err := s.store.GetAlarm(ctx, t.AlarmID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return false, err
	case a.Armed:
		// Rollover owns armed alarms.
		return false, nil
	}
	return s.ledger.Close(ctx, t.ID, now)
}
