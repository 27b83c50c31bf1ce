package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"alarmaway/internal/alarm"
	"alarmaway/internal/alert"
	"alarmaway/internal/config"
	"alarmaway/internal/delivery"
	"alarmaway/internal/domain"
	"alarmaway/internal/gateway"
	"alarmaway/internal/httpapi"
	"alarmaway/internal/ledger"
	"alarmaway/internal/notifier"
	"alarmaway/internal/onboarding"
	"alarmaway/internal/response"
	"alarmaway/internal/schedule"
	"alarmaway/internal/storage"
	"alarmaway/internal/task/engine"
	"alarmaway/internal/task/periodic"
	"alarmaway/internal/task/queue"
	logx "alarmaway/pkg/logx"
)

const (
	defaultRolloverSchedule  = "@every 1m"
	defaultReconcileSchedule = "@every 10m"
	defaultReconcileAfter    = 10 * time.Minute
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Alerts.Enabled,
			MinLevel:   cfg.Alerts.MinLevel,
			RatePerSec: cfg.Alerts.RatePerSec,
		},
	}
}

// mapAlertConfig reports false when alerts are off or have no token.
func mapAlertConfig(cfg *config.Config) (alert.Config, bool) {
	a := cfg.Alerts
	if !a.Enabled || strings.TrimSpace(a.Token) == "" {
		return alert.Config{}, false
	}
	return alert.Config{Token: a.Token, ChatID: a.ChatID, ThreadID: a.ThreadID}, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.URL) == "" {
			return storage.Config{}, fmt.Errorf("storage.url is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		connTimeout, err := parseDurationOrDefault("storage.conn_timeout", sc.ConnTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "postgres", URL: strings.TrimSpace(sc.URL), MaxConns: sc.MaxConns, ConnTimeout: connTimeout}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	g := cfg.Gateway
	timeout, err := parseDurationField("gateway.twilio.timeout", g.Twilio.Timeout)
	if err != nil {
		return gateway.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(g.Driver))
	switch driver {
	case "", "log":
	case "twilio":
		if g.Twilio.AccountSID == "" || g.Twilio.AuthToken == "" || g.Twilio.From == "" {
			return gateway.Config{}, fmt.Errorf("gateway.twilio: account_sid, auth_token and from are required")
		}
	default:
		return gateway.Config{}, fmt.Errorf("unknown gateway.driver: %s", g.Driver)
	}
	return gateway.Config{
		Driver: driver,
		Twilio: gateway.TwilioConfig{
			AccountSID: g.Twilio.AccountSID,
			AuthToken:  g.Twilio.AuthToken,
			From:       g.Twilio.From,
			BaseURL:    g.Twilio.BaseURL,
			Timeout:    timeout,
		},
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	retryBase, err := parseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := parseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := parseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 2*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		SendTimeout:     sendTimeout,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	d := cfg.Dispatch
	if d.Workers < 0 {
		return engine.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if d.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if d.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("dispatch.history_size must be >= 0")
	}
	if d.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("dispatch.retry_max must be >= 0")
	}
	retryBase, err := parseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	retryMaxDelay, err := parseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	runTimeout, err := parseDurationField("dispatch.run_timeout", d.RunTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax := d.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return engine.Config{
		Workers:        d.Workers,
		QueueSize:      d.QueueSize,
		DefaultTimeout: runTimeout,
		HistorySize:    d.HistorySize,
		RetryMax:       retryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMaxDelay,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	d := cfg.Dispatch
	grace, err := parseDurationField("dispatch.default_grace", d.DefaultGrace)
	if err != nil {
		return queue.Config{}, err
	}
	runTimeout, err := parseDurationField("dispatch.run_timeout", d.RunTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	retryMax := d.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return queue.Config{DefaultGrace: grace, RunTimeout: runTimeout, RetryMax: retryMax}, nil
}

// mapPlan builds the escalation plan. An empty list yields the default plan.
func mapPlan(steps []config.StepConfig) (schedule.Plan, error) {
	if len(steps) == 0 {
		return schedule.DefaultPlan(), nil
	}
	plan := schedule.Plan{Steps: make([]schedule.PlannedStep, 0, len(steps))}
	for i, sc := range steps {
		field := fmt.Sprintf("escalation.steps[%d]", i)
		kind, err := domain.ParseStepKind(strings.ToLower(strings.TrimSpace(sc.Kind)))
		if err != nil {
			return schedule.Plan{}, fmt.Errorf("%s: %w", field, err)
		}
		offset, err := parseDurationField(field+".offset", sc.Offset)
		if err != nil {
			return schedule.Plan{}, err
		}
		ps := schedule.PlannedStep{Offset: offset}
		switch kind {
		case domain.StepText:
			body := sc.Body
			if strings.TrimSpace(body) == "" {
				body = schedule.DefaultTextBody
			}
			ps.Step = domain.TextStep(body)
			ps.Grace, err = parseDurationOrDefault(field+".grace", sc.Grace, schedule.DefaultTextGrace)
		default:
			ps.Step = domain.CallStep()
			ps.Grace, err = parseDurationOrDefault(field+".grace", sc.Grace, schedule.DefaultCallGrace)
		}
		if err != nil {
			return schedule.Plan{}, err
		}
		plan.Steps = append(plan.Steps, ps)
	}
	if err := plan.Validate(); err != nil {
		return schedule.Plan{}, err
	}
	return plan, nil
}

func mapAlarmConfig(cfg *config.Config) (alarm.Config, error) {
	plan, err := mapPlan(cfg.Escalation.Steps)
	if err != nil {
		return alarm.Config{}, err
	}
	ackGrace, err := parseDurationField("escalation.ack_grace", cfg.Escalation.AckGrace)
	if err != nil {
		return alarm.Config{}, err
	}
	return alarm.Config{Plan: plan, AckGrace: ackGrace}, nil
}

func mapResponseConfig(cfg *config.Config) response.Config {
	return response.Config{Acknowledged: cfg.Response.Acknowledged, NoAlarms: cfg.Response.NoAlarms}
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	m := cfg.Messages
	for _, f := range []struct{ name, tmpl string }{
		{"messages.sender_welcome", m.SenderWelcome},
		{"messages.user_welcome", m.UserWelcome},
		{"messages.verification", m.Verification},
	} {
		if f.tmpl != "" && strings.Count(f.tmpl, "%s") != 1 {
			return delivery.Config{}, fmt.Errorf("%s: must contain exactly one %%s", f.name)
		}
	}
	return delivery.Config{
		CallScriptURL:   m.CallScriptURL,
		RegistrationURL: m.RegistrationURL,
		SenderWelcome:   m.SenderWelcome,
		UserWelcome:     m.UserWelcome,
		Verification:    m.Verification,
	}, nil
}

func mapOnboardingConfig(cfg *config.Config) (onboarding.Config, error) {
	grace, err := parseDurationField("messages.grace", cfg.Messages.Grace)
	if err != nil {
		return onboarding.Config{}, err
	}
	return onboarding.Config{Grace: grace}, nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	l := cfg.Ledger
	if l.WriteRetries < 0 {
		return ledger.Config{}, fmt.Errorf("ledger.write_retries must be >= 0")
	}
	base, err := parseDurationField("ledger.retry_base", l.RetryBase)
	if err != nil {
		return ledger.Config{}, err
	}
	maxDelay, err := parseDurationField("ledger.retry_max", l.RetryMax)
	if err != nil {
		return ledger.Config{}, err
	}
	retries := l.WriteRetries
	if retries == 0 {
		retries = 3
	}
	return ledger.Config{WriteRetries: retries, RetryBase: base, RetryMax: maxDelay}, nil
}

// sweepPlan is the resolved maintenance schedule.
type sweepPlan struct {
	periodic       periodic.Config
	rollover       string
	reconcile      string
	reconcileAfter time.Duration
}

func mapSweepsConfig(cfg *config.Config) (sweepPlan, error) {
	s := cfg.Sweeps
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return sweepPlan{}, fmt.Errorf("sweeps.timezone: invalid %q: %w", tz, err)
		}
	}
	rollover := defaultRolloverSchedule
	if strings.TrimSpace(s.Rollover) != "" {
		spec, err := periodic.Normalize(s.Rollover)
		if err != nil {
			return sweepPlan{}, fmt.Errorf("sweeps.rollover: %w", err)
		}
		rollover = spec
	}
	reconcile := defaultReconcileSchedule
	if strings.TrimSpace(s.Reconcile) != "" {
		spec, err := periodic.Normalize(s.Reconcile)
		if err != nil {
			return sweepPlan{}, fmt.Errorf("sweeps.reconcile: %w", err)
		}
		reconcile = spec
	}
	after, err := parseDurationOrDefault("ledger.reconcile_after", cfg.Ledger.ReconcileAfter, defaultReconcileAfter)
	if err != nil {
		return sweepPlan{}, err
	}
	return sweepPlan{
		periodic:       periodic.Config{Timezone: strings.TrimSpace(s.Timezone)},
		rollover:       rollover,
		reconcile:      reconcile,
		reconcileAfter: after,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	switch strings.ToLower(strings.TrimSpace(h.ReplyFormat)) {
	case "", httpapi.ReplyText, httpapi.ReplyTwiML:
	default:
		return httpapi.Config{}, fmt.Errorf("http.reply_format: unknown %q", h.ReplyFormat)
	}
	read, err := parseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := parseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := parseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          strings.TrimSpace(h.Addr),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReplyFormat:   strings.ToLower(strings.TrimSpace(h.ReplyFormat)),
		CORSOrigins:   h.CORSOrigins,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// ValidateConfig rejects a config any component would refuse. It backs the
// config manager's reload validator and the CLI's check command.
func ValidateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Alerts.Enabled && cfg.Alerts.ChatID == 0 {
		return fmt.Errorf("alerts.chat_id is required when alerts are enabled")
	}
	checks := []func() error{
		func() error { _, err := mapStorageConfig(cfg); return err },
		func() error { _, err := mapGatewayConfig(cfg); return err },
		func() error { _, err := mapNotifierConfig(cfg); return err },
		func() error { _, err := mapEngineConfig(cfg); return err },
		func() error { _, err := mapQueueConfig(cfg); return err },
		func() error { _, err := mapAlarmConfig(cfg); return err },
		func() error { _, err := mapDeliveryConfig(cfg); return err },
		func() error { _, err := mapOnboardingConfig(cfg); return err },
		func() error { _, err := mapLedgerConfig(cfg); return err },
		func() error { _, err := mapSweepsConfig(cfg); return err },
		func() error { _, err := mapHTTPConfig(cfg); return err },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// EscalationPlan resolves the configured escalation plan.
func EscalationPlan(cfg *config.Config) (schedule.Plan, error) {
	return mapPlan(cfg.Escalation.Steps)
}

// OpenStorage opens the configured store, applying schema migrations for
// the database drivers.
func OpenStorage(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, string, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, "", err
	}
	st, err := storage.Open(ctx, sc, log)
	return st, sc.Driver, err
}
