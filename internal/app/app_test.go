package app

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alarmaway/internal/config"
	"alarmaway/internal/domain"
	"alarmaway/internal/response"
	"alarmaway/internal/schedule"

	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateConfig(context.Background(), &config.Config{}))

	tests := []struct {
		name string
		mut  func(c *config.Config)
	}{
		{"unknown storage driver", func(c *config.Config) { c.Storage.Driver = "mongo" }},
		{"sqlite without path", func(c *config.Config) { c.Storage.Driver = "sqlite" }},
		{"postgres without url", func(c *config.Config) { c.Storage.Driver = "postgres" }},
		{"twilio without credentials", func(c *config.Config) { c.Gateway.Driver = "twilio" }},
		{"unknown gateway", func(c *config.Config) { c.Gateway.Driver = "carrier-pigeon" }},
		{"negative workers", func(c *config.Config) { c.Dispatch.Workers = -1 }},
		{"bad retry base", func(c *config.Config) { c.Notifier.RetryBase = "fast" }},
		{"bad step kind", func(c *config.Config) {
			c.Escalation.Steps = []config.StepConfig{{Kind: "email", Offset: "0s"}}
		}},
		{"decreasing offsets", func(c *config.Config) {
			c.Escalation.Steps = []config.StepConfig{{Kind: "call", Offset: "5m"}, {Kind: "text", Offset: "1m"}}
		}},
		{"grace too long", func(c *config.Config) {
			c.Escalation.Steps = []config.StepConfig{{Kind: "call", Offset: "0s", Grace: "1h"}}
		}},
		{"bad ack grace", func(c *config.Config) { c.Escalation.AckGrace = "forever" }},
		{"template without verb", func(c *config.Config) { c.Messages.Verification = "your code" }},
		{"bad timezone", func(c *config.Config) { c.Sweeps.Timezone = "Mars/Olympus" }},
		{"bad sweep schedule", func(c *config.Config) { c.Sweeps.Rollover = "often" }},
		{"unknown reply format", func(c *config.Config) { c.HTTP.ReplyFormat = "json" }},
		{"alerts without chat", func(c *config.Config) { c.Alerts.Enabled = true }},
	}
	for _, tt := range tests {
		cfg := &config.Config{}
		tt.mut(cfg)
		require.Error(t, ValidateConfig(context.Background(), cfg), tt.name)
	}
}

func TestMapPlan(t *testing.T) {
	t.Parallel()

	plan, err := mapPlan(nil)
	require.NoError(t, err)
	require.Equal(t, schedule.DefaultPlan(), plan)
	require.Equal(t, 21*time.Minute, plan.Duration())

	plan, err = mapPlan([]config.StepConfig{
		{Kind: "call", Offset: "0s"},
		{Kind: "Text", Offset: "2m"},
		{Kind: "text", Offset: "4m", Grace: "30s", Body: "Wake up!"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	require.Equal(t, domain.CallStep(), plan.Steps[0].Step)
	require.Equal(t, schedule.DefaultCallGrace, plan.Steps[0].Grace)
	require.Equal(t, domain.TextStep(schedule.DefaultTextBody), plan.Steps[1].Step)
	require.Equal(t, schedule.DefaultTextGrace, plan.Steps[1].Grace)
	require.Equal(t, domain.TextStep("Wake up!"), plan.Steps[2].Step)
	require.Equal(t, 30*time.Second, plan.Steps[2].Grace)
}

func TestMapSweepsDefaults(t *testing.T) {
	t.Parallel()

	sp, err := mapSweepsConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, defaultRolloverSchedule, sp.rollover)
	require.Equal(t, defaultReconcileSchedule, sp.reconcile)
	require.Equal(t, defaultReconcileAfter, sp.reconcileAfter)

	sp, err = mapSweepsConfig(&config.Config{Sweeps: config.SweepsConfig{Rollover: "30s", Reconcile: "*/5 * * * *"}})
	require.NoError(t, err)
	require.Equal(t, "@every 30s", sp.rollover)
	require.Equal(t, "*/5 * * * *", sp.reconcile)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, "memory", sc.Driver)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, time.Second, sc.BusyTimeout)
}

const appConfig = `{
  "logging": {"level": "error"},
  "http": {"addr": "127.0.0.1:0"%s},
  "sweeps": {"rollover": "1h", "reconcile": "1h"}
}`

func writeConfig(t *testing.T, path, extra string) {
	t.Helper()
	body := strings.Replace(appConfig, "%s", extra, 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func postFrom(t *testing.T, base, from string) (int, string) {
	t.Helper()
	resp, err := http.PostForm(base+"/responses/receive", url.Values{"From": {from}})
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestAppServesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, "")

	a, err := NewApp(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	require.Eventually(t, func() bool { return a.HTTPAddr() != "" }, 5*time.Second, 20*time.Millisecond)
	base := "http://" + a.HTTPAddr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(b), sweepRollover)

	code, body := postFrom(t, base, "not-a-number")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, response.DefaultNoAlarms, body)

	// Give the watcher a moment to register before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, `, "reply_format": "twiml"`)

	require.Eventually(t, func() bool {
		_, body := postFrom(t, base, "not-a-number")
		return strings.Contains(body, "<Response>") && strings.Contains(body, response.DefaultNoAlarms)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{},"storage":{"driver":"sqlite"}}`), 0o600))
	_, err := NewApp(path)
	require.ErrorContains(t, err, "storage.path")
}
