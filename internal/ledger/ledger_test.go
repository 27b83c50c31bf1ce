package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"alarmaway/internal/domain"
	"alarmaway/internal/eventbus"
	"alarmaway/internal/storage"
	logx "alarmaway/pkg/logx"

	"github.com/stretchr/testify/require"
)

// flakyStore fails the first n CreateTicket calls.
type flakyStore struct {
	storage.TicketStore
	failCreates atomic.Int32
	creates     atomic.Int32
}

func (f *flakyStore) CreateTicket(ctx context.Context, t domain.Ticket) error {
	f.creates.Add(1)
	if f.failCreates.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return f.TicketStore.CreateTicket(ctx, t)
}

func newLedger(t *testing.T, failCreates int32, retries int) (*Ledger, *flakyStore, eventbus.Bus) {
	t.Helper()
	fs := &flakyStore{TicketStore: storage.NewMemory()}
	fs.failCreates.Store(failCreates)
	bus := eventbus.New()
	l := New(Config{WriteRetries: retries, RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond}, fs, logx.Nop(), bus)
	return l, fs, bus
}

func alarmTicket(alarmID, jobID string, fire time.Time) domain.Ticket {
	return domain.Ticket{AlarmID: alarmID, JobID: jobID, Kind: "alarm.call", FireAt: fire, ExpiresAt: fire.Add(90 * time.Second)}
}

func TestCreateRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	l, fs, _ := newLedger(t, 2, 3)
	tk, err := l.Create(context.Background(), alarmTicket("a1", "j1", time.Now()))
	require.NoError(t, err)
	require.NotEmpty(t, tk.ID)
	require.False(t, tk.StartedAt.IsZero())
	require.EqualValues(t, 3, fs.creates.Load())

	open, err := l.OpenTicketsFor(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "j1", open[0].JobID)
}

func TestCreateExhaustedIsLeak(t *testing.T) {
	t.Parallel()

	l, fs, bus := newLedger(t, 10, 2)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	_, err := l.Create(context.Background(), alarmTicket("a1", "j9", time.Now()))
	var leak *domain.LedgerLeakError
	require.ErrorAs(t, err, &leak)
	require.Equal(t, "j9", leak.JobID)
	require.EqualValues(t, 3, fs.creates.Load())

	got := eventbus.Collect(events, eventbus.LedgerLeak)
	require.Len(t, got, 1)
	require.Equal(t, "j9", got[0].Data.(LeakEvent).JobID)
}

func TestCreateRequiresSingleOwner(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t, 0, 0)
	var verr *domain.ValidationError
	_, err := l.Create(context.Background(), domain.Ticket{JobID: "j"})
	require.ErrorAs(t, err, &verr)
	_, err = l.Create(context.Background(), domain.Ticket{AlarmID: "a", PhoneID: "p", JobID: "j"})
	require.ErrorAs(t, err, &verr)
}

func TestCloseIsOneWay(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t, 0, 0)
	ctx := context.Background()
	tk, err := l.Create(ctx, alarmTicket("a1", "j1", time.Now()))
	require.NoError(t, err)

	first := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	closed, err := l.Close(ctx, tk.ID, first)
	require.NoError(t, err)
	require.True(t, closed)

	closed, err = l.Close(ctx, tk.ID, first.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, closed)

	all, err := l.AllTicketsFor(ctx, domain.AlarmOwner("a1"))
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].EndedAt.Equal(first))

	_, err = l.Close(ctx, "missing", first)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPurgeClosesThenDeletes(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t, 0, 0)
	ctx := context.Background()
	now := time.Now()
	for _, job := range []string{"j1", "j2"} {
		_, err := l.Create(ctx, domain.Ticket{PhoneID: "p1", JobID: job, Kind: "phone.verify", FireAt: now, ExpiresAt: now.Add(time.Minute)})
		require.NoError(t, err)
	}
	_, err := l.Create(ctx, alarmTicket("a1", "j3", now))
	require.NoError(t, err)

	n, err := l.Purge(ctx, domain.PhoneOwner("p1"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	left, err := l.AllTicketsFor(ctx, domain.PhoneOwner("p1"))
	require.NoError(t, err)
	require.Empty(t, left)

	other, err := l.OpenTicketsFor(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestStaleListsExpiredOpenTickets(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t, 0, 0)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	stale, err := l.Create(ctx, alarmTicket("a1", "old", old))
	require.NoError(t, err)
	_, err = l.Create(ctx, alarmTicket("a1", "new", time.Now()))
	require.NoError(t, err)

	got, err := l.Stale(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, stale.ID, got[0].ID)
}
