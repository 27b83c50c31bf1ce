// Package gateway places outbound calls and texts through a telephony
// provider. Only worker-side delivery handlers talk to it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "alarmaway/pkg/logx"
)

type Gateway interface {
	// PlaceCall dials number and plays the call script at scriptURL.
	PlaceCall(ctx context.Context, number, scriptURL string) (sid string, err error)
	SendText(ctx context.Context, number, body string) (sid string, err error)
}

// Config selects and configures the provider.
//
// Driver values:
//   - "log": dry run, sends nothing (default)
//   - "twilio": Twilio REST API via twilio-go
type Config struct {
	Driver string
	Twilio TwilioConfig
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// From is the caller id / sender number, E.164.
	From    string
	BaseURL string
	Timeout time.Duration
}

// New builds the configured gateway.
func New(cfg Config, log logx.Logger) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "twilio":
		return NewTwilio(cfg.Twilio, log)
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", cfg.Driver)
	}
}

// APIError is an error response from the provider. Status is the HTTP status
// the provider reported, or 0 when it reported none.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gateway: http %d: code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: http %d: %s", e.Status, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// IsPermanent reports whether err is a provider rejection that a retry
// cannot fix (bad number, bad credentials).
func IsPermanent(err error) bool {
	var api *APIError
	return errors.As(err, &api) && !api.Temporary()
}
