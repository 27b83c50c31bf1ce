package config

import (
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Env carries secrets and deployment overrides. Set values win over the
// config file.
type Env struct {
	TwilioAccountSID string `env:"ALARMAWAY_TWILIO_ACCOUNT_SID" env-description:"Twilio account SID"`
	TwilioAuthToken  string `env:"ALARMAWAY_TWILIO_AUTH_TOKEN" env-description:"Twilio auth token"`
	TwilioFrom       string `env:"ALARMAWAY_TWILIO_FROM" env-description:"Caller id / sender number (E.164)"`
	TelegramToken    string `env:"ALARMAWAY_TELEGRAM_TOKEN" env-description:"Bot token for operator alerts"`
	DatabaseURL      string `env:"ALARMAWAY_DATABASE_URL" env-description:"Postgres URL; selects the postgres driver"`
	HTTPAddr         string `env:"ALARMAWAY_HTTP_ADDR" env-description:"Webhook/admin listen address"`
	LogLevel         string `env:"ALARMAWAY_LOG_LEVEL" env-description:"Log level override"`
}

func ReadEnv() (Env, error) {
	var e Env
	if err := cleanenv.ReadEnv(&e); err != nil {
		return Env{}, err
	}
	return e, nil
}

// EnvUsage describes the recognized environment variables.
func EnvUsage() string {
	s, err := cleanenv.GetDescription(&Env{}, nil)
	if err != nil {
		return ""
	}
	return s
}

// Apply overlays the set variables onto cfg.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Gateway.Twilio.AccountSID, e.TwilioAccountSID)
	set(&cfg.Gateway.Twilio.AuthToken, e.TwilioAuthToken)
	set(&cfg.Gateway.Twilio.From, e.TwilioFrom)
	set(&cfg.Alerts.Token, e.TelegramToken)
	set(&cfg.HTTP.Addr, e.HTTPAddr)
	set(&cfg.Logging.Level, e.LogLevel)
	if u := strings.TrimSpace(e.DatabaseURL); u != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.URL = u
	}
}
