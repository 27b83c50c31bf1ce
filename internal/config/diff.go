package config

import (
	"reflect"
	"sort"
	"strings"

	logx "alarmaway/pkg/logx"
)

// RestartSections lists sections that only take effect on restart.
var RestartSections = map[string]bool{"storage": true, "gateway": true, "http.bind": true}

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets (tokens, database URLs) are reported
// only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oa, na := oldCfg.Alerts, newCfg.Alerts
	if oa.Enabled != na.Enabled || oa.ChatID != na.ChatID || oa.ThreadID != na.ThreadID ||
		oa.MinLevel != na.MinLevel || oa.RatePerSec != na.RatePerSec || (oa.Token != "") != (na.Token != "") {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", na.Enabled),
			logx.String("alerts.min_level", na.MinLevel),
			logx.Int("alerts.rate_per_sec", na.RatePerSec),
			logx.Bool("alerts.token_set", na.Token != ""),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) || oldS.Path != newS.Path || oldS.URL != newS.URL ||
		oldS.BusyTimeout != newS.BusyTimeout || oldS.MaxConns != newS.MaxConns || oldS.ConnTimeout != newS.ConnTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.url_set", strings.TrimSpace(newS.URL) != ""),
		)
	}

	og, ng := oldCfg.Gateway, newCfg.Gateway
	if og.Driver != ng.Driver || og.Twilio.AccountSID != ng.Twilio.AccountSID || og.Twilio.From != ng.Twilio.From ||
		og.Twilio.BaseURL != ng.Twilio.BaseURL || og.Twilio.Timeout != ng.Twilio.Timeout || og.Twilio.AuthToken != ng.Twilio.AuthToken {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.driver", ng.Driver),
			logx.Bool("gateway.twilio_token_set", ng.Twilio.AuthToken != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
			logx.String("notifier.dedup_window", newCfg.Notifier.DedupWindow),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Escalation, newCfg.Escalation) {
		changed = append(changed, "escalation")
		attrs = append(attrs,
			logx.Int("escalation.steps", len(newCfg.Escalation.Steps)),
			logx.String("escalation.ack_grace", newCfg.Escalation.AckGrace),
		)
	}

	if oldCfg.Response != newCfg.Response {
		changed = append(changed, "response")
	}
	if oldCfg.Messages != newCfg.Messages {
		changed = append(changed, "messages")
	}
	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs, logx.Int("ledger.write_retries", newCfg.Ledger.WriteRetries))
	}
	if oldCfg.Sweeps != newCfg.Sweeps {
		changed = append(changed, "sweeps")
		attrs = append(attrs,
			logx.String("sweeps.timezone", newCfg.Sweeps.Timezone),
			logx.String("sweeps.rollover", newCfg.Sweeps.Rollover),
			logx.String("sweeps.reconcile", newCfg.Sweeps.Reconcile),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.ReplyFormat != nh.ReplyFormat {
		changed = append(changed, "http.reply")
		attrs = append(attrs, logx.String("http.reply_format", nh.ReplyFormat))
	}
	oh.ReplyFormat, nh.ReplyFormat = "", ""
	if !reflect.DeepEqual(oh, nh) {
		changed = append(changed, "http.bind")
		attrs = append(attrs,
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
