package config

// Config is the on-disk service configuration (JSON or YAML).
//
// Durations are Go duration strings ("90s", "40m"). Omitted sections fall
// back to each component's defaults. Secrets normally come from the
// environment (see Env) rather than the file.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Alerts     AlertsConfig     `json:"alerts,omitempty"`
	Storage    StorageConfig    `json:"storage,omitempty"`
	Gateway    GatewayConfig    `json:"gateway,omitempty"`
	Notifier   NotifierConfig   `json:"notifier,omitempty"`
	Dispatch   DispatchConfig   `json:"dispatch,omitempty"`
	Escalation EscalationConfig `json:"escalation,omitempty"`
	Response   ResponseConfig   `json:"response,omitempty"`
	Messages   MessagesConfig   `json:"messages,omitempty"`
	Ledger     LedgerConfig     `json:"ledger,omitempty"`
	Sweeps     SweepsConfig     `json:"sweeps,omitempty"`
	HTTP       HTTPConfig       `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertsConfig routes error-level (and alert=true) records to an operator
// Telegram chat. The bot token is read from ALARMAWAY_TELEGRAM_TOKEN.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	Token string `json:"token,omitempty"` // do not log
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./alarmaway.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
	ConnTimeout string `json:"conn_timeout,omitempty"`
}

type GatewayConfig struct {
	// Driver is "log" (dry run, default) or "twilio".
	Driver string       `json:"driver"`
	Twilio TwilioConfig `json:"twilio,omitempty"`
}

type TwilioConfig struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"` // do not log
	From       string `json:"from,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// NotifierConfig bounds outbound provider traffic.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 5
//   - retry_base: "500ms", retry_max_delay: "10s"
//   - send_timeout: "15s"
//   - dedup_window: "2m", dedup_max_entries: 2000
type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// DispatchConfig controls the delayed-job queue and the worker pool that
// executes fired jobs.
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// RunTimeout bounds one handler attempt.
	RunTimeout string `json:"run_timeout,omitempty"`
	// DefaultGrace is the expiry window for jobs submitted without one.
	DefaultGrace string `json:"default_grace,omitempty"`
}

// EscalationConfig is the wake-up plan. An empty step list means the
// built-in call/text/call/text/call/text plan.
type EscalationConfig struct {
	Steps    []StepConfig `json:"steps,omitempty"`
	AckGrace string       `json:"ack_grace,omitempty"`
}

type StepConfig struct {
	Kind   string `json:"kind"` // call | text
	Offset string `json:"offset"`
	Grace  string `json:"grace,omitempty"`
	Body   string `json:"body,omitempty"`
}

type ResponseConfig struct {
	Acknowledged string `json:"acknowledged,omitempty"`
	NoAlarms     string `json:"no_alarms,omitempty"`
}

// MessagesConfig holds the onboarding texts. Format verbs are filled with
// the registration URL, the user's name, and the verification code.
type MessagesConfig struct {
	CallScriptURL   string `json:"call_script_url,omitempty"`
	RegistrationURL string `json:"registration_url,omitempty"`
	SenderWelcome   string `json:"sender_welcome,omitempty"`
	UserWelcome     string `json:"user_welcome,omitempty"`
	Verification    string `json:"verification,omitempty"`
	// Grace is how long an onboarding text may wait in the queue.
	Grace string `json:"grace,omitempty"`
}

type LedgerConfig struct {
	WriteRetries int    `json:"write_retries,omitempty"`
	RetryBase    string `json:"retry_base,omitempty"`
	RetryMax     string `json:"retry_max,omitempty"`
	// ReconcileAfter is how long past expiry an orphaned ticket stays open.
	ReconcileAfter string `json:"reconcile_after,omitempty"`
}

// SweepsConfig schedules the maintenance sweeps. Schedules accept cron
// expressions (seconds optional), descriptors ("@every 1m"), or a bare
// duration ("30s").
type SweepsConfig struct {
	Timezone  string `json:"timezone,omitempty"`
	Rollover  string `json:"rollover,omitempty"`
	Reconcile string `json:"reconcile,omitempty"`
}

// HTTPConfig controls the webhook/admin server.
//
// Security note: the admin API is unauthenticated. Bind to loopback, or set
// allow_insecure when a proxy in front handles access.
type HTTPConfig struct {
	Addr          string   `json:"addr,omitempty"` // default "127.0.0.1:8080"
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`
	ReplyFormat   string   `json:"reply_format,omitempty"` // text | twiml
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	ReadTimeout   string   `json:"read_timeout,omitempty"`
	WriteTimeout  string   `json:"write_timeout,omitempty"`
	IdleTimeout   string   `json:"idle_timeout,omitempty"`
}
