package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"alarmaway/internal/task/engine"
	logx "alarmaway/pkg/logx"

	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{}, eng, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, eng
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"10m":         "@every 10m0s",
		"@every 1m":   "@every 1m",
		"*/5 * * * *": "*/5 * * * *",
		" @hourly ":   "@hourly",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "soon", "-1m", "0s"} {
		_, err := Normalize(bad)
		require.Error(t, err, bad)
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	require.Error(t, s.Add("bad", "61 * * * *", 0, func(context.Context) error { return nil }))
	require.Error(t, s.Add("", "1m", 0, func(context.Context) error { return nil }))
	require.Empty(t, s.Sweeps())
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add("rollover", "1m", time.Second, noop))
	require.NoError(t, s.Add("rollover", "2m", time.Second, noop))
	s.Start(context.Background())

	sweeps := s.Sweeps()
	require.Len(t, sweeps, 1)
	require.Equal(t, "@every 2m0s", sweeps[0].Spec)
	require.False(t, sweeps[0].Next.IsZero())

	require.True(t, s.Remove("rollover"))
	require.False(t, s.Remove("rollover"))
}

func TestTriggerRunsAndSkipsOverlap(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add("reconcile", "1h", 0, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}))

	require.NoError(t, s.Trigger("reconcile"))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.Trigger("reconcile"), errSkipRunning)
	close(release)

	require.Eventually(t, func() bool { return s.Trigger("reconcile") == nil }, time.Second, 5*time.Millisecond)
	require.Error(t, s.Trigger("missing"))
}

func TestSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "x")
	require.GreaterOrEqual(t, jitter, time.Duration(0))
	require.Less(t, jitter, 30*time.Second)
	first := sched.Next(now)
	require.Equal(t, now.Add(time.Minute+jitter), first)
}
