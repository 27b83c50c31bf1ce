package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"alarmaway/internal/domain"
	"alarmaway/internal/eventbus"
	"alarmaway/internal/ledger"
	"alarmaway/internal/schedule"
	"alarmaway/internal/storage"
	"alarmaway/internal/task/engine"
	"alarmaway/internal/task/queue"
	logx "alarmaway/pkg/logx"

	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu        sync.Mutex
	seq       int
	submitted []queue.Request
	live      map[string]bool
	cancelled []string
	failAt    int // 1-based submit that fails; 0 never
	cancelErr error
}

func newFakeJobs() *fakeJobs { return &fakeJobs{live: map[string]bool{}} }

func (f *fakeJobs) Submit(_ context.Context, req queue.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.submitted)+1 == f.failAt {
		return "", errors.New("queue unavailable")
	}
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	f.submitted = append(f.submitted, req)
	f.live[id] = true
	return id, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string, terminate bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	acked := f.live[id]
	delete(f.live, id)
	return acked, nil
}

func (f *fakeJobs) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// failingTickets fails every CreateTicket after the first failAfter.
type failingTickets struct {
	storage.TicketStore
	failAfter int
	n         int
}

func (f *failingTickets) CreateTicket(ctx context.Context, t domain.Ticket) error {
	f.n++
	if f.n > f.failAfter {
		return errors.New("disk full")
	}
	return f.TicketStore.CreateTicket(ctx, t)
}

type fixture struct {
	s     *Scheduler
	store storage.Store
	jobs  *fakeJobs
	bus   eventbus.Bus
	clock *time.Time
}

var t0 = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, tickets storage.TicketStore) *fixture {
	t.Helper()
	store := storage.NewMemory()
	if tickets == nil {
		tickets = store
	}
	bus := eventbus.New()
	led := ledger.New(ledger.Config{WriteRetries: 1, RetryBase: time.Millisecond, RetryMax: time.Millisecond}, tickets, logx.Nop(), bus)
	jobs := newFakeJobs()
	clock := t0
	f := &fixture{store: store, jobs: jobs, bus: bus, clock: &clock}
	s, err := New(Config{}, Deps{Store: store, Ledger: led, Jobs: jobs, Log: logx.Nop(), Bus: bus, Now: func() time.Time { return *f.clock }})
	require.NoError(t, err)
	f.s = s

	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, domain.User{ID: "u1", Email: "u1@example.com", CreatedAt: t0}))
	require.NoError(t, store.CreatePhone(ctx, domain.Phone{ID: "p1", OwnerID: "u1", Number: "5551234567", CreatedAt: t0}))
	return f
}

func (f *fixture) alarm(t *testing.T, hhmm string) domain.Alarm {
	t.Helper()
	tod, err := domain.ParseTimeOfDay(hhmm)
	require.NoError(t, err)
	a, err := f.s.Create(context.Background(), "u1", "p1", tod)
	require.NoError(t, err)
	return a
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.CreateUser(ctx, domain.User{ID: "u2", Email: "u2@example.com"}))

	_, err := f.s.Create(ctx, "u2", "p1", domain.TimeOfDay(0))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.s.Create(ctx, "u1", "nope", domain.TimeOfDay(0))
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.s.Create(ctx, "u1", "p1", domain.TimeOfDay(86400))
	require.ErrorAs(t, err, &verr)

	a := f.alarm(t, "07:00")
	require.False(t, a.Armed)
}

func TestArmCreatesOneTicketPerStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")

	tickets, err := f.s.Arm(context.Background(), a.ID)
	require.NoError(t, err)

	plan := schedule.DefaultPlan()
	require.Len(t, tickets, len(plan.Steps))
	require.Len(t, f.jobs.submitted, len(plan.Steps))

	base := time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)
	for i, tk := range tickets {
		require.Equal(t, a.ID, tk.AlarmID)
		require.True(t, tk.Open())
		require.Equal(t, base.Add(plan.Steps[i].Offset), tk.FireAt)
		require.Equal(t, tk.FireAt.Add(plan.Steps[i].Grace), tk.ExpiresAt)
		require.Equal(t, schedule.JobKind(plan.Steps[i].Step), tk.Kind)
	}
	require.Equal(t, schedule.KindAlarmCall, f.jobs.submitted[0].Kind)
	require.Equal(t, schedule.KindAlarmText, f.jobs.submitted[1].Kind)

	got, err := f.s.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, got.Armed)
}

func TestArmTwiceIsAlreadyArmed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(context.Background(), a.ID)
	require.NoError(t, err)

	_, err = f.s.Arm(context.Background(), a.ID)
	var already *domain.AlreadyArmedError
	require.ErrorAs(t, err, &already)
	require.Equal(t, 6, already.OpenTickets)
	require.Len(t, f.jobs.submitted, 6)
}

func TestArmSubmitFailureRollsBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.jobs.failAt = 4
	a := f.alarm(t, "07:00")

	_, err := f.s.Arm(context.Background(), a.ID)
	var perr *domain.PartialArmError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 3, perr.Submitted)
	require.Equal(t, 6, perr.Planned)

	require.Zero(t, f.jobs.liveCount())
	require.Len(t, f.jobs.cancelled, 3)
	all, err := f.s.Tickets(context.Background(), a.ID)
	require.NoError(t, err)
	require.Empty(t, all)
	got, err := f.s.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.False(t, got.Armed)
}

func TestArmLedgerLeakRollsBack(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	f := newFixture(t, &failingTickets{TicketStore: store, failAfter: 2})
	// Tickets go to a separate store here; alarms live in f.store.
	a := f.alarm(t, "07:00")

	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	_, err := f.s.Arm(context.Background(), a.ID)
	var perr *domain.PartialArmError
	require.ErrorAs(t, err, &perr)
	var leak *domain.LedgerLeakError
	require.ErrorAs(t, err, &leak)
	require.Equal(t, 3, perr.Submitted)

	require.Zero(t, f.jobs.liveCount(), "leaked job must be cancelled")
	left, err := store.ListTickets(context.Background(), storage.TicketFilter{Owner: domain.AlarmOwner(a.ID)})
	require.NoError(t, err)
	require.Empty(t, left)

	got := eventbus.Collect(events, eventbus.LedgerLeak, eventbus.AlarmRollback)
	require.Len(t, got, 2)
}

func TestDisarmClosesAndCancels(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(context.Background(), a.ID)
	require.NoError(t, err)

	res, err := f.s.Disarm(context.Background(), a.ID)
	require.NoError(t, err)
	require.False(t, res.Noop)
	require.Equal(t, 6, res.Closed)
	require.Equal(t, 6, res.Revoked)
	require.Zero(t, f.jobs.liveCount())

	all, err := f.s.Tickets(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for _, tk := range all {
		require.False(t, tk.Open())
	}

	res, err = f.s.Disarm(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, res.Noop)
}

func TestDisarmClosesTicketsWhenRevocationFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(context.Background(), a.ID)
	require.NoError(t, err)

	f.jobs.cancelErr = errors.New("broker unreachable")
	res, err := f.s.Disarm(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, 6, res.RevocationFailures)
	require.Equal(t, 6, res.Closed)

	open, err := f.s.ledger.OpenTicketsFor(context.Background(), a.ID)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestRemoveRequiresDisarm(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(context.Background(), a.ID)
	require.NoError(t, err)

	require.ErrorIs(t, f.s.Remove(context.Background(), a.ID), domain.ErrMustDisarm)
	_, err = f.s.Get(context.Background(), a.ID)
	require.NoError(t, err)

	_, err = f.s.Disarm(context.Background(), a.ID)
	require.NoError(t, err)
	require.NoError(t, f.s.Remove(context.Background(), a.ID))

	_, err = f.s.Get(context.Background(), a.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	left, err := f.store.ListTickets(context.Background(), storage.TicketFilter{Owner: domain.AlarmOwner(a.ID)})
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestRespondRearmsForNextDay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")
	first, err := f.s.Arm(context.Background(), a.ID)
	require.NoError(t, err)

	// The user answers two minutes into the escalation.
	*f.clock = time.Date(2026, 5, 4, 7, 2, 0, 0, time.UTC)
	second, err := f.s.Respond(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, second, 6)
	require.Equal(t, first[0].FireAt.Add(24*time.Hour), second[0].FireAt)

	open, err := f.s.ledger.OpenTicketsFor(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, open, 6)
	require.Equal(t, 6, f.jobs.liveCount())
}

func TestRespondOnDisarmedAlarmArms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")
	tickets, err := f.s.Respond(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 6)
}

func TestConcurrentArmCreatesOneEscalation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.s.Arm(context.Background(), a.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		var already *domain.AlreadyArmedError
		require.ErrorAs(t, err, &already)
	}
	require.Equal(t, 1, ok)
	require.Len(t, f.jobs.submitted, 6)
	require.Zero(t, f.s.locks.size())
}

func TestEscalationWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	a := f.alarm(t, "07:00")
	_, ok, err := f.s.Escalation(context.Background(), a.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.s.Arm(context.Background(), a.ID)
	require.NoError(t, err)
	w, ok, err := f.s.Escalation(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	start := time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)
	require.Equal(t, start, w.Start)
	require.Equal(t, start.Add(schedule.DefaultPlan().Duration()), w.End)
	require.Equal(t, 6, w.Open)

	next, err := f.s.NextRunTime(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, start, next)
}

func TestRemovePhoneCascades(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	a1 := f.alarm(t, "07:00")
	a2 := f.alarm(t, "08:30")
	_, err := f.s.Arm(ctx, a1.ID)
	require.NoError(t, err)
	_, err = f.s.ledger.Create(ctx, domain.Ticket{PhoneID: "p1", JobID: "verify", Kind: "phone.verify", FireAt: t0, ExpiresAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, f.s.RemovePhone(ctx, "p1"))

	for _, id := range []string{a1.ID, a2.ID} {
		_, err := f.s.Get(ctx, id)
		require.ErrorIs(t, err, domain.ErrNotFound)
	}
	_, err = f.store.GetPhone(ctx, "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	all, err := f.store.ListTickets(ctx, storage.TicketFilter{})
	require.NoError(t, err)
	require.Empty(t, all)
	require.Zero(t, f.jobs.liveCount())
}

func TestRemoveUserCascades(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePhone(ctx, domain.Phone{ID: "p2", OwnerID: "u1", Number: "5559999999", CreatedAt: t0}))
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.s.ledger.Create(ctx, domain.Ticket{UserID: "u1", JobID: "welcome", Kind: "user.welcome", FireAt: t0, ExpiresAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, f.s.RemoveUser(ctx, "u1"))

	_, err = f.store.GetUser(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	phones, err := f.store.ListPhones(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, phones)
	alarms, err := f.store.ListAlarms(ctx, storage.AlarmFilter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Empty(t, alarms)
	all, err := f.store.ListTickets(ctx, storage.TicketFilter{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestRolloverRearmsUnansweredEscalation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(ctx, a.ID)
	require.NoError(t, err)

	// Still inside escalation + ack grace: nothing happens.
	*f.clock = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)
	n, err := f.s.Rollover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// Past 07:21 + 40m.
	*f.clock = time.Date(2026, 5, 4, 8, 5, 0, 0, time.UTC)
	n, err = f.s.Rollover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	w, ok, err := f.s.Escalation(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 5, 5, 7, 0, 0, 0, time.UTC), w.Start)
}

func TestReconcileClosesOrphanedTickets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	old := t0.Add(-2 * time.Hour)
	_, err := f.s.ledger.Create(ctx, domain.Ticket{AlarmID: "gone", JobID: "j1", Kind: schedule.KindAlarmCall, FireAt: old, ExpiresAt: old.Add(time.Minute)})
	require.NoError(t, err)
	_, err = f.s.ledger.Create(ctx, domain.Ticket{PhoneID: "p1", JobID: "j2", Kind: "phone.verify", FireAt: old, ExpiresAt: old.Add(time.Minute)})
	require.NoError(t, err)

	armed := f.alarm(t, "05:00")
	_, err = f.s.Arm(ctx, armed.ID)
	require.NoError(t, err)
	*f.clock = t0.Add(48 * time.Hour)

	n, err := f.s.Reconcile(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []domain.Owner{domain.AlarmOwner("gone"), domain.PhoneOwner("p1")} {
		all, err := f.s.ledger.AllTicketsFor(ctx, id)
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.False(t, all[0].Open())
	}

	open, err := f.s.ledger.OpenTicketsFor(ctx, armed.ID)
	require.NoError(t, err)
	require.Len(t, open, 6, "armed alarms are left to rollover")
}

func TestApplyRejectsInvalidPlan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.Error(t, f.s.Apply(Config{Plan: schedule.Plan{Steps: []schedule.PlannedStep{{Step: domain.TextStep(""), Grace: time.Minute}}}}))
	require.Len(t, f.s.Plan().Steps, 6)
}

// listHookStore runs afterList once ListAlarms has returned its snapshot.
type listHookStore struct {
	Store
	afterList func()
}

func (s *listHookStore) ListAlarms(ctx context.Context, f storage.AlarmFilter) ([]domain.Alarm, error) {
	out, err := s.Store.ListAlarms(ctx, f)
	if s.afterList != nil {
		s.afterList()
	}
	return out, err
}

func TestRolloverLeavesAlarmDisarmedMidSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(ctx, a.ID)
	require.NoError(t, err)

	// The user turns the alarm off after the sweep listed it as armed.
	f.s.store = &listHookStore{Store: f.store, afterList: func() {
		_, err := f.s.Disarm(ctx, a.ID)
		require.NoError(t, err)
	}}
	*f.clock = time.Date(2026, 5, 4, 8, 5, 0, 0, time.UTC)

	n, err := f.s.Rollover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := f.s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, got.Armed)
	open, err := f.s.ledger.OpenTicketsFor(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, open)
	require.Len(t, f.jobs.submitted, 6)
}

func TestAcknowledgeIfRecentWindowBounds(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)
	end := start.Add(schedule.DefaultPlan().Duration() + 40*time.Minute)
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"at start", start, true},
		{"before start", start.Add(-time.Second), false},
		{"end of grace", end, true},
		{"past grace", end.Add(time.Second), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			a := f.alarm(t, "07:00")
			_, err := f.s.Arm(context.Background(), a.ID)
			require.NoError(t, err)

			stopped, err := f.s.AcknowledgeIfRecent(context.Background(), a.ID, tc.at)
			require.NoError(t, err)
			require.Equal(t, tc.want, stopped)
			if tc.want {
				require.Len(t, f.jobs.submitted, 12)
			} else {
				require.Len(t, f.jobs.submitted, 6)
			}
		})
	}
}

func TestAcknowledgeIfRecentSkipsDisarmedAlarm(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.s.Disarm(ctx, a.ID)
	require.NoError(t, err)

	stopped, err := f.s.AcknowledgeIfRecent(ctx, a.ID, time.Date(2026, 5, 4, 7, 2, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, stopped)
	got, err := f.s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, got.Armed)
	require.Len(t, f.jobs.submitted, 6)
}

func TestFailedRearmIsRetriedByRollover(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.alarm(t, "07:00")
	_, err := f.s.Arm(ctx, a.ID)
	require.NoError(t, err)

	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	// The fourth submit of the re-arm fails.
	*f.clock = time.Date(2026, 5, 4, 7, 2, 0, 0, time.UTC)
	f.jobs.failAt = 10
	stopped, err := f.s.AcknowledgeIfRecent(ctx, a.ID, *f.clock)
	require.True(t, stopped)
	var perr *domain.PartialArmError
	require.ErrorAs(t, err, &perr)

	got, err := f.s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, got.Armed, "alarm stays on pending a re-arm")
	open, err := f.s.ledger.OpenTicketsFor(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, open)
	require.Zero(t, f.jobs.liveCount())
	require.Len(t, eventbus.Collect(events, eventbus.AlarmRearmPending), 1)

	f.jobs.failAt = 0
	n, err := f.s.Rollover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	w, ok, err := f.s.Escalation(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 5, 5, 7, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, 6, w.Open)
}

func TestRespondMatchesDisarmThenArm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Date(2026, 5, 4, 7, 4, 0, 0, time.UTC)
	prepare := func() (*fixture, domain.Alarm) {
		f := newFixture(t, nil)
		a := f.alarm(t, "07:00")
		_, err := f.s.Arm(ctx, a.ID)
		require.NoError(t, err)
		*f.clock = at
		return f, a
	}

	type state struct {
		armed          bool
		open, closed   int
		fireAt, expire []time.Time
	}
	snapshot := func(f *fixture, id string) state {
		a, err := f.s.Get(ctx, id)
		require.NoError(t, err)
		all, err := f.s.Tickets(ctx, id)
		require.NoError(t, err)
		st := state{armed: a.Armed}
		for _, tk := range all {
			if tk.Open() {
				st.open++
				st.fireAt = append(st.fireAt, tk.FireAt)
				st.expire = append(st.expire, tk.ExpiresAt)
			} else {
				st.closed++
			}
		}
		sort.Slice(st.fireAt, func(i, j int) bool { return st.fireAt[i].Before(st.fireAt[j]) })
		sort.Slice(st.expire, func(i, j int) bool { return st.expire[i].Before(st.expire[j]) })
		return st
	}

	fr, ar := prepare()
	_, err := fr.s.Respond(ctx, ar.ID)
	require.NoError(t, err)

	fm, am := prepare()
	_, err = fm.s.Disarm(ctx, am.ID)
	require.NoError(t, err)
	_, err = fm.s.Arm(ctx, am.ID)
	require.NoError(t, err)

	got, want := snapshot(fr, ar.ID), snapshot(fm, am.ID)
	require.Equal(t, want, got)
	require.True(t, got.armed)
	require.Equal(t, 6, got.open)
	require.Equal(t, 6, got.closed)
	require.Equal(t, fr.jobs.liveCount(), fm.jobs.liveCount())
}

func TestDisarmAcceptsJobThatAlreadyRan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	bus := eventbus.New()
	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), bus)
	eng.Start(ctx)
	jobs := queue.New(queue.Config{}, eng, store, logx.Nop(), bus)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		jobs.Stop(stopCtx)
		eng.Stop(stopCtx)
	})
	ran := make(chan string, 1)
	jobs.Handle(schedule.KindAlarmCall, func(_ context.Context, job queue.Job) error {
		ran <- job.ID
		return nil
	})
	require.NoError(t, jobs.Start(ctx))

	led := ledger.New(ledger.Config{}, store, logx.Nop(), bus)
	plan := schedule.Plan{Steps: []schedule.PlannedStep{{Step: domain.CallStep(), Grace: time.Minute}}}
	s, err := New(Config{Plan: plan}, Deps{Store: store, Ledger: led, Jobs: jobs, Bus: bus})
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(ctx, domain.User{ID: "u1", Email: "u1@example.com"}))
	require.NoError(t, store.CreatePhone(ctx, domain.Phone{ID: "p1", OwnerID: "u1", Number: "5551234567"}))

	fire := time.Now().UTC().Add(2 * time.Second)
	a, err := s.Create(ctx, "u1", "p1", domain.TimeOfDay(fire.Hour()*3600+fire.Minute()*60+fire.Second()))
	require.NoError(t, err)
	tickets, err := s.Arm(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 1)

	select {
	case id := <-ran:
		require.Equal(t, tickets[0].JobID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("call job did not run")
	}

	res, err := s.Disarm(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Closed)
	require.Zero(t, res.RevocationFailures)

	all, err := s.Tickets(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].Open())
}

func TestArmLosesToConcurrentInstance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.alarm(t, "07:00")

	// Another instance sharing the store arms the alarm while this one is
	// submitting jobs.
	f.s.store = &swapHookStore{Store: f.store, beforeSwap: func() {
		require.NoError(t, f.store.SetArmed(ctx, a.ID, true))
	}}

	_, err := f.s.Arm(ctx, a.ID)
	var already *domain.AlreadyArmedError
	require.ErrorAs(t, err, &already)
	require.Zero(t, f.jobs.liveCount())
	left, err := f.store.ListTickets(ctx, storage.TicketFilter{Owner: domain.AlarmOwner(a.ID)})
	require.NoError(t, err)
	require.Empty(t, left)

	got, err := f.s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, got.Armed, "the other instance's arm stands")
}

type swapHookStore struct {
	Store
	beforeSwap func()
}

func (s *swapHookStore) SwapArmed(ctx context.Context, id string, from, to bool) (bool, error) {
	s.beforeSwap()
	return s.Store.SwapArmed(ctx, id, from, to)
}
