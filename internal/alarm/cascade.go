package alarm

import (
	"context"
	"fmt"

	"alarmaway/internal/domain"
	"alarmaway/internal/storage"
	logx "alarmaway/pkg/logx"
)

// RemovePhone disarms and removes every alarm on the phone, purges the
// phone's own tickets, then deletes the phone.
func (s *Scheduler) RemovePhone(ctx context.Context, phoneID string) error {
	if _, err := s.store.GetPhone(ctx, phoneID); err != nil {
		return err
	}
	alarms, err := s.listAlarms(ctx, storage.AlarmFilter{PhoneID: phoneID})
	if err != nil {
		return err
	}
	for _, a := range alarms {
		if err := s.forceRemove(ctx, a.ID); err != nil {
			return fmt.Errorf("remove alarm %s: %w", a.ID, err)
		}
	}
	n, err := s.ledger.Purge(ctx, domain.PhoneOwner(phoneID))
	if err != nil {
		return fmt.Errorf("purge phone tickets: %w", err)
	}
	if err := s.store.DeletePhone(ctx, phoneID); err != nil {
		return err
	}
	s.log.Info("phone removed", logx.String("phone_id", phoneID), logx.Int("alarms", len(alarms)), logx.Int("tickets", n))
	return nil
}

// RemoveUser removes every phone (and so every alarm on it), any alarms left
// over, the user's tickets, then the user.
func (s *Scheduler) RemoveUser(ctx context.Context, userID string) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return err
	}
	phones, err := s.store.ListPhones(ctx, userID)
	if err != nil {
		return err
	}
	for _, p := range phones {
		if err := s.RemovePhone(ctx, p.ID); err != nil {
			return fmt.Errorf("remove phone %s: %w", p.ID, err)
		}
	}
	rest, err := s.listAlarms(ctx, storage.AlarmFilter{OwnerID: userID})
	if err != nil {
		return err
	}
	for _, a := range rest {
		if err := s.forceRemove(ctx, a.ID); err != nil {
			return fmt.Errorf("remove alarm %s: %w", a.ID, err)
		}
	}
	n, err := s.ledger.Purge(ctx, domain.UserOwner(userID))
	if err != nil {
		return fmt.Errorf("purge user tickets: %w", err)
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.log.Info("user removed", logx.String("user_id", userID), logx.Int("phones", len(phones)), logx.Int("tickets", n))
	return nil
}

// forceRemove disarms then removes, under the alarm's lock.
func (s *Scheduler) forceRemove(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.removeLocked(ctx, id)
}
