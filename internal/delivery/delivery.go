// Package delivery holds the worker-side handlers for dispatch jobs. Each
// handler resolves its target at fire time and hands the call or text to the
// notifier; none of them touch ledger state.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"alarmaway/internal/domain"
	"alarmaway/internal/gateway"
	"alarmaway/internal/notifier"
	"alarmaway/internal/schedule"
	"alarmaway/internal/storage"
	"alarmaway/internal/task/engine"
	"alarmaway/internal/task/queue"
	logx "alarmaway/pkg/logx"
)

const (
	KindAlarmCall     = schedule.KindAlarmCall
	KindAlarmText     = schedule.KindAlarmText
	KindPhoneVerify   = "phone.verify"
	KindSenderWelcome = "sender.welcome"
	KindUserWelcome   = "user.welcome"
)

const DefaultCallScriptURL = "http://canopyinnovation.com/twresp.xml"

// AlarmPayload is the payload of alarm.call and alarm.text jobs.
type AlarmPayload struct {
	AlarmID string `json:"alarm_id"`
	PhoneID string `json:"phone_id"`
	Step    int    `json:"step"`
	Body    string `json:"body,omitempty"`
}

type VerifyPayload struct {
	PhoneID string `json:"phone_id"`
	Code    string `json:"code"`
}

type SenderWelcomePayload struct {
	Number string `json:"number"`
}

type UserWelcomePayload struct {
	UserID  string `json:"user_id"`
	PhoneID string `json:"phone_id"`
}

type Config struct {
	CallScriptURL string
	// RegistrationURL is substituted into SenderWelcome.
	RegistrationURL string
	SenderWelcome   string
	UserWelcome     string
	Verification    string
}

func (c Config) withDefaults() Config {
	if c.CallScriptURL == "" {
		c.CallScriptURL = DefaultCallScriptURL
	}
	if c.RegistrationURL == "" {
		c.RegistrationURL = "http://alarmaway.com"
	}
	if c.SenderWelcome == "" {
		c.SenderWelcome = "Welcome to AlarmAway! To complete registration, please visit %s"
	}
	if c.UserWelcome == "" {
		c.UserWelcome = "Welcome to AlarmAway, %s! Reply to any wake-up call or text to stop it."
	}
	if c.Verification == "" {
		c.Verification = "Your AlarmAway verification code is %s"
	}
	return c
}

// Sender is the notifier surface handlers use.
type Sender interface {
	Call(ctx context.Context, key, number, scriptURL string) (notifier.Result, error)
	Text(ctx context.Context, key, number, body string) (notifier.Result, error)
}

// Registrar accepts job handlers. *queue.Service satisfies it.
type Registrar interface {
	Handle(kind string, h queue.Handler)
}

type Handlers struct {
	phones storage.PhoneStore
	users  storage.UserStore
	send   Sender
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, phones storage.PhoneStore, users storage.UserStore, send Sender, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{
		phones: phones,
		users:  users,
		send:   send,
		log:    log.With(logx.String("comp", "delivery")),
		cfg:    cfg.withDefaults(),
	}
}

func (h *Handlers) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

func (h *Handlers) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Register installs every handler on r.
func (h *Handlers) Register(r Registrar) {
	r.Handle(KindAlarmCall, h.alarmCall)
	r.Handle(KindAlarmText, h.alarmText)
	r.Handle(KindPhoneVerify, h.phoneVerify)
	r.Handle(KindSenderWelcome, h.senderWelcome)
	r.Handle(KindUserWelcome, h.userWelcome)
}

func (h *Handlers) alarmCall(ctx context.Context, job queue.Job) error {
	var p AlarmPayload
	if err := job.Decode(&p); err != nil {
		return engine.NoRetry(fmt.Errorf("decode %s: %w", job.Kind, err))
	}
	number, err := h.number(ctx, p.PhoneID)
	if err != nil {
		return err
	}
	res, err := h.send.Call(ctx, job.ID, number, h.config().CallScriptURL)
	return h.done(job, p.AlarmID, res, err)
}

func (h *Handlers) alarmText(ctx context.Context, job queue.Job) error {
	var p AlarmPayload
	if err := job.Decode(&p); err != nil {
		return engine.NoRetry(fmt.Errorf("decode %s: %w", job.Kind, err))
	}
	body := p.Body
	if body == "" {
		body = schedule.DefaultTextBody
	}
	number, err := h.number(ctx, p.PhoneID)
	if err != nil {
		return err
	}
	res, err := h.send.Text(ctx, job.ID, number, body)
	return h.done(job, p.AlarmID, res, err)
}

func (h *Handlers) phoneVerify(ctx context.Context, job queue.Job) error {
	var p VerifyPayload
	if err := job.Decode(&p); err != nil {
		return engine.NoRetry(fmt.Errorf("decode %s: %w", job.Kind, err))
	}
	number, err := h.number(ctx, p.PhoneID)
	if err != nil {
		return err
	}
	res, err := h.send.Text(ctx, job.ID, number, fmt.Sprintf(h.config().Verification, p.Code))
	return h.done(job, "", res, err)
}

func (h *Handlers) senderWelcome(ctx context.Context, job queue.Job) error {
	var p SenderWelcomePayload
	if err := job.Decode(&p); err != nil {
		return engine.NoRetry(fmt.Errorf("decode %s: %w", job.Kind, err))
	}
	if p.Number == "" {
		return engine.NoRetry(errors.New("sender.welcome without number"))
	}
	cfg := h.config()
	res, err := h.send.Text(ctx, job.ID, domain.E164(p.Number), fmt.Sprintf(cfg.SenderWelcome, cfg.RegistrationURL))
	return h.done(job, "", res, err)
}

func (h *Handlers) userWelcome(ctx context.Context, job queue.Job) error {
	var p UserWelcomePayload
	if err := job.Decode(&p); err != nil {
		return engine.NoRetry(fmt.Errorf("decode %s: %w", job.Kind, err))
	}
	u, err := h.users.GetUser(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return engine.NoRetry(fmt.Errorf("user %s removed before welcome: %w", p.UserID, err))
		}
		return err
	}
	number, err := h.number(ctx, p.PhoneID)
	if err != nil {
		return err
	}
	name := u.Name
	if name == "" {
		name = u.Email
	}
	res, err := h.send.Text(ctx, job.ID, number, fmt.Sprintf(h.config().UserWelcome, name))
	return h.done(job, "", res, err)
}

// number resolves a phone id to its E.164 number. A phone removed after the
// job was queued is a permanent failure.
func (h *Handlers) number(ctx context.Context, phoneID string) (string, error) {
	p, err := h.phones.GetPhone(ctx, phoneID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", engine.NoRetry(fmt.Errorf("phone %s removed before delivery: %w", phoneID, err))
		}
		return "", err
	}
	return domain.E164(p.Number), nil
}

func (h *Handlers) done(job queue.Job, alarmID string, res notifier.Result, err error) error {
	if err != nil {
		if gateway.IsPermanent(err) {
			return engine.NoRetry(err)
		}
		return err
	}
	h.log.Debug("delivered",
		logx.String("kind", job.Kind),
		logx.String("job_id", job.ID),
		logx.String("alarm_id", alarmID),
		logx.String("sid", res.SID),
		logx.Bool("deduped", res.Deduped),
	)
	return nil
}
