package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "alarmaway/pkg/logx"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Twilio places calls and texts through the Twilio REST API.
type Twilio struct {
	cfg  TwilioConfig
	rest *twilio.RestClient
	log  logx.Logger
}

func NewTwilio(cfg TwilioConfig, log logx.Logger) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	if cfg.From == "" {
		return nil, errors.New("twilio: from number is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
		if err != nil || base.Host == "" {
			return nil, fmt.Errorf("twilio: bad base url %q", cfg.BaseURL)
		}
		hc.Transport = &rebaseTransport{base: base, next: http.DefaultTransport}
	}
	c := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  hc,
	}
	c.SetAccountSid(cfg.AccountSID)

	return &Twilio{
		cfg:  cfg,
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{Client: c}),
		log:  log.With(logx.String("comp", "gateway.twilio")),
	}, nil
}

func (t *Twilio) PlaceCall(ctx context.Context, number, scriptURL string) (string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(number)
	params.SetFrom(t.cfg.From)
	params.SetUrl(scriptURL)
	params.SetMethod(http.MethodGet)

	return t.do(ctx, "call", func() (*string, *string, error) {
		call, err := t.rest.Api.CreateCall(params)
		if err != nil {
			return nil, nil, err
		}
		return call.Sid, call.Status, nil
	})
}

func (t *Twilio) SendText(ctx context.Context, number, body string) (string, error) {
	params := &openapi.CreateMessageParams{}
	params.SetTo(number)
	params.SetFrom(t.cfg.From)
	params.SetBody(body)

	return t.do(ctx, "message", func() (*string, *string, error) {
		msg, err := t.rest.Api.CreateMessage(params)
		if err != nil {
			return nil, nil, err
		}
		return msg.Sid, msg.Status, nil
	})
}

type twilioResult struct {
	sid, status *string
	err         error
}

// do runs one SDK call. The SDK takes no context, so ctx only bounds the
// wait; the request itself is bounded by the client timeout.
func (t *Twilio) do(ctx context.Context, resource string, call func() (sid, status *string, err error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	start := time.Now()
	done := make(chan twilioResult, 1)
	go func() {
		sid, status, err := call()
		done <- twilioResult{sid: sid, status: status, err: err}
	}()

	var res twilioResult
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return "", mapTwilioError(resource, res.err)
	}
	if res.sid == nil || *res.sid == "" {
		return "", fmt.Errorf("twilio %s: response has no sid", resource)
	}
	status := ""
	if res.status != nil {
		status = *res.status
	}
	t.log.Debug("twilio request ok",
		logx.String("resource", resource),
		logx.String("sid", *res.sid),
		logx.String("status", status),
		logx.Duration("took", time.Since(start)),
	)
	return *res.sid, nil
}

func mapTwilioError(resource string, err error) error {
	var rest *twclient.TwilioRestError
	if errors.As(err, &rest) {
		return &APIError{Status: rest.Status, Code: rest.Code, Message: rest.Message}
	}
	return fmt.Errorf("twilio %s: %w", resource, err)
}

// rebaseTransport points SDK requests at a different API host.
type rebaseTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (r *rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = r.base.Scheme
	out.URL.Host = r.base.Host
	out.URL.Path = r.base.Path + req.URL.Path
	out.Host = r.base.Host
	return r.next.RoundTrip(out)
}
