package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"alarmaway/internal/domain"
)

type memoryStore struct {
	mu      sync.RWMutex
	users   map[string]domain.User
	phones  map[string]domain.Phone
	alarms  map[string]domain.Alarm
	tickets map[string]domain.Ticket
	jobs    map[string]PendingJob
	dedup   map[string]time.Time
}

// NewMemory returns a Store backed by maps. Tests use it directly.
func NewMemory() Store {
	return &memoryStore{
		users:   map[string]domain.User{},
		phones:  map[string]domain.Phone{},
		alarms:  map[string]domain.Alarm{},
		tickets: map[string]domain.Ticket{},
		jobs:    map[string]PendingJob{},
		dedup:   map[string]time.Time{},
	}
}

func (s *memoryStore) Close() error { return nil }

// ---- users ----

func (s *memoryStore) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s exists", u.ID)
	}
	s.users[u.ID] = u
	return nil
}

func (s *memoryStore) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (s *memoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

// ---- phones ----

func (s *memoryStore) CreatePhone(_ context.Context, p domain.Phone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.phones[p.ID]; ok {
		return fmt.Errorf("phone %s exists", p.ID)
	}
	for _, other := range s.phones {
		if other.Number == p.Number {
			return fmt.Errorf("phone number %s already registered", p.Number)
		}
	}
	s.phones[p.ID] = p
	return nil
}

func (s *memoryStore) GetPhone(_ context.Context, id string) (domain.Phone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.phones[id]
	if !ok {
		return domain.Phone{}, fmt.Errorf("phone %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *memoryStore) PhoneByNumber(_ context.Context, number string) (domain.Phone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.phones {
		if p.Number == number {
			return p, nil
		}
	}
	return domain.Phone{}, fmt.Errorf("phone number %s: %w", number, domain.ErrNotFound)
}

func (s *memoryStore) ListPhones(_ context.Context, ownerID string) ([]domain.Phone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Phone, 0)
	for _, p := range s.phones {
		if ownerID == "" || p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *memoryStore) SetPhoneVerified(_ context.Context, id string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phones[id]
	if !ok {
		return fmt.Errorf("phone %s: %w", id, domain.ErrNotFound)
	}
	p.Verified = verified
	s.phones[id] = p
	return nil
}

func (s *memoryStore) DeletePhone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.phones, id)
	return nil
}

// ---- alarms ----

func (s *memoryStore) CreateAlarm(_ context.Context, a domain.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alarms[a.ID]; ok {
		return fmt.Errorf("alarm %s exists", a.ID)
	}
	s.alarms[a.ID] = a
	return nil
}

func (s *memoryStore) GetAlarm(_ context.Context, id string) (domain.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alarms[id]
	if !ok {
		return domain.Alarm{}, fmt.Errorf("alarm %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *memoryStore) ListAlarms(_ context.Context, f AlarmFilter) ([]domain.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alarm, 0)
	for _, a := range s.alarms {
		if f.OwnerID != "" && a.OwnerID != f.OwnerID {
			continue
		}
		if f.PhoneID != "" && a.PhoneID != f.PhoneID {
			continue
		}
		if f.ArmedOnly && !a.Armed {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SetArmed(_ context.Context, id string, armed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[id]
	if !ok {
		return fmt.Errorf("alarm %s: %w", id, domain.ErrNotFound)
	}
	a.Armed = armed
	s.alarms[id] = a
	return nil
}

func (s *memoryStore) SwapArmed(_ context.Context, id string, from, to bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[id]
	if !ok {
		return false, fmt.Errorf("alarm %s: %w", id, domain.ErrNotFound)
	}
	if a.Armed != from {
		return false, nil
	}
	a.Armed = to
	s.alarms[id] = a
	return true, nil
}

func (s *memoryStore) DeleteAlarm(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, id)
	return nil
}

// ---- tickets ----

func (s *memoryStore) CreateTicket(_ context.Context, t domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; ok {
		return fmt.Errorf("ticket %s exists", t.ID)
	}
	s.tickets[t.ID] = t
	return nil
}

func (s *memoryStore) CloseTicket(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return false, fmt.Errorf("ticket %s: %w", id, domain.ErrNotFound)
	}
	if !t.Open() {
		return false, nil
	}
	at = at.UTC()
	t.EndedAt = &at
	s.tickets[id] = t
	return true, nil
}

func (s *memoryStore) DeleteTicket(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, id)
	return nil
}

func (s *memoryStore) ListTickets(_ context.Context, f TicketFilter) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Ticket, 0)
	for _, t := range s.tickets {
		if f.match(t) {
			out = append(out, t)
		}
	}
	sortTickets(out)
	return out, nil
}

func sortTickets(ts []domain.Ticket) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].FireAt.Equal(ts[j].FireAt) {
			return ts[i].FireAt.Before(ts[j].FireAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

// ---- pending jobs ----

func (s *memoryStore) PutJob(_ context.Context, j PendingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.Payload = append([]byte(nil), j.Payload...)
	s.jobs[j.ID] = j
	return nil
}

func (s *memoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) ListJobs(_ context.Context) ([]PendingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

// ---- dedup ----

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	now := time.Now()
	for k, u := range s.dedup {
		if u.Before(now) {
			delete(s.dedup, k)
		}
	}
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.dedup[key]
	return u, ok, nil
}
