package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alarmaway/internal/domain"
	logx "alarmaway/pkg/logx"

	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	out := map[string]Store{"memory": NewMemory()}

	sq, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "alarmaway.db")}, logx.Nop())
	require.NoError(t, err)
	out["sqlite"] = sq

	if url := os.Getenv("ALARMAWAY_TEST_DATABASE_URL"); url != "" {
		pg, err := Open(ctx, Config{Driver: "postgres", URL: url}, logx.Nop())
		require.NoError(t, err)
		out["postgres"] = pg
	}

	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

// ms keeps test timestamps at the resolution every driver round-trips.
func ms(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func TestStoreRecords(t *testing.T) {
	now := ms(time.Now())
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			suffix := name + now.Format("150405.000")

			u := domain.User{ID: "u-" + suffix, Email: "a@example.com", Timezone: "America/Chicago", CreatedAt: now}
			require.NoError(t, st.CreateUser(ctx, u))
			got, err := st.GetUser(ctx, u.ID)
			require.NoError(t, err)
			require.Equal(t, u, got)

			p := domain.Phone{ID: "p-" + suffix, OwnerID: u.ID, Number: "555" + now.Format("150405") + "0", CreatedAt: now}
			require.NoError(t, st.CreatePhone(ctx, p))
			byNum, err := st.PhoneByNumber(ctx, p.Number)
			require.NoError(t, err)
			require.Equal(t, p.ID, byNum.ID)
			require.NoError(t, st.SetPhoneVerified(ctx, p.ID, true))
			phones, err := st.ListPhones(ctx, u.ID)
			require.NoError(t, err)
			require.Len(t, phones, 1)
			require.True(t, phones[0].Verified)

			a := domain.Alarm{ID: "a-" + suffix, OwnerID: u.ID, PhoneID: p.ID, Time: 7 * 3600, CreatedAt: now}
			require.NoError(t, st.CreateAlarm(ctx, a))
			swapped, err := st.SwapArmed(ctx, a.ID, false, true)
			require.NoError(t, err)
			require.True(t, swapped)
			swapped, err = st.SwapArmed(ctx, a.ID, false, true)
			require.NoError(t, err)
			require.False(t, swapped, "second arm must lose")
			armed, err := st.ListAlarms(ctx, AlarmFilter{PhoneID: p.ID, ArmedOnly: true})
			require.NoError(t, err)
			require.Len(t, armed, 1)
			require.Equal(t, domain.TimeOfDay(7*3600), armed[0].Time)

			require.NoError(t, st.DeleteAlarm(ctx, a.ID))
			_, err = st.GetAlarm(ctx, a.ID)
			require.ErrorIs(t, err, domain.ErrNotFound)
			require.ErrorIs(t, st.SetArmed(ctx, a.ID, false), domain.ErrNotFound)
			_, err = st.SwapArmed(ctx, a.ID, true, false)
			require.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, st.DeletePhone(ctx, p.ID))
			_, err = st.PhoneByNumber(ctx, p.Number)
			require.ErrorIs(t, err, domain.ErrNotFound)
			require.NoError(t, st.DeleteUser(ctx, u.ID))
			_, err = st.GetUser(ctx, u.ID)
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestStoreTicketsCloseOnce(t *testing.T) {
	now := ms(time.Now())
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alarmID := "alarm-" + name + now.Format("150405.000")

			for i, d := range []time.Duration{2 * time.Minute, time.Minute} {
				tk := domain.Ticket{
					ID:        alarmID + "-t" + string(rune('a'+i)),
					JobID:     "job",
					Kind:      "alarm.call",
					FireAt:    now.Add(d),
					ExpiresAt: now.Add(d + 90*time.Second),
					StartedAt: now,
				}
				domain.AlarmOwner(alarmID).Attach(&tk)
				require.NoError(t, st.CreateTicket(ctx, tk))
			}

			open, err := st.ListTickets(ctx, TicketFilter{Owner: domain.AlarmOwner(alarmID), OpenOnly: true})
			require.NoError(t, err)
			require.Len(t, open, 2)
			require.True(t, open[0].FireAt.Before(open[1].FireAt), "ordered by fire time")

			first := now.Add(time.Second)
			closed, err := st.CloseTicket(ctx, open[0].ID, first)
			require.NoError(t, err)
			require.True(t, closed)

			closed, err = st.CloseTicket(ctx, open[0].ID, now.Add(time.Hour))
			require.NoError(t, err)
			require.False(t, closed, "second close is a no-op")

			all, err := st.ListTickets(ctx, TicketFilter{Owner: domain.AlarmOwner(alarmID)})
			require.NoError(t, err)
			require.Len(t, all, 2)
			for _, tk := range all {
				if tk.ID == open[0].ID {
					require.NotNil(t, tk.EndedAt)
					require.True(t, tk.EndedAt.Equal(first), "ended_at is immutable")
				}
			}

			expired, err := st.ListTickets(ctx, TicketFilter{Owner: domain.AlarmOwner(alarmID), OpenOnly: true, ExpiredBefore: now.Add(time.Hour)})
			require.NoError(t, err)
			require.Len(t, expired, 1)

			_, err = st.CloseTicket(ctx, "missing-"+alarmID, now)
			require.ErrorIs(t, err, domain.ErrNotFound)

			for _, tk := range all {
				require.NoError(t, st.DeleteTicket(ctx, tk.ID))
			}
			all, err = st.ListTickets(ctx, TicketFilter{Owner: domain.AlarmOwner(alarmID)})
			require.NoError(t, err)
			require.Empty(t, all)
		})
	}
}

func TestStoreJobsAndDedup(t *testing.T) {
	now := ms(time.Now())
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "job-" + name + now.Format("150405.000")

			j := PendingJob{ID: id, Kind: "alarm.text", Payload: []byte(`{"body":"hi"}`), FireAt: now.Add(time.Minute), ExpiresAt: now.Add(3 * time.Minute), CreatedAt: now}
			require.NoError(t, st.PutJob(ctx, j))
			jobs, err := st.ListJobs(ctx)
			require.NoError(t, err)
			var found bool
			for _, got := range jobs {
				if got.ID == id {
					found = true
					require.Equal(t, j.Payload, got.Payload)
					require.True(t, got.FireAt.Equal(j.FireAt))
				}
			}
			require.True(t, found)
			require.NoError(t, st.DeleteJob(ctx, id))

			_, ok, err := st.GetDedup(ctx, id)
			require.NoError(t, err)
			require.False(t, ok)
			require.NoError(t, st.PutDedup(ctx, id, now.Add(time.Hour)))
			until, ok, err := st.GetDedup(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, until.Equal(now.Add(time.Hour)))
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")

	st, err := Open(context.Background(), Config{}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
}
