// Package response turns an inbound text into acknowledgments. A reply from a
// registered number stops every recent escalation on that number and re-arms
// it for the next day; a reply from an unknown number starts onboarding.
package response

import (
	"context"
	"errors"
	"sync"
	"time"

	"alarmaway/internal/alarm"
	"alarmaway/internal/domain"
	"alarmaway/internal/eventbus"
	"alarmaway/internal/storage"
	logx "alarmaway/pkg/logx"
)

const (
	DefaultAcknowledged = "Great, Have a nice day!"
	DefaultNoAlarms     = "No alarms running!"
)

type Config struct {
	Acknowledged string
	NoAlarms     string
}

func (c Config) withDefaults() Config {
	if c.Acknowledged == "" {
		c.Acknowledged = DefaultAcknowledged
	}
	if c.NoAlarms == "" {
		c.NoAlarms = DefaultNoAlarms
	}
	return c
}

// Scheduler is the alarm surface the handler needs. *alarm.Scheduler
// satisfies it.
type Scheduler interface {
	AcknowledgeIfRecent(ctx context.Context, id string, at time.Time) (bool, error)
}

var _ Scheduler = (*alarm.Scheduler)(nil)

type Onboarder interface {
	WelcomeSender(ctx context.Context, number string) error
}

type Store interface {
	PhoneByNumber(ctx context.Context, number string) (domain.Phone, error)
	ListAlarms(ctx context.Context, f storage.AlarmFilter) ([]domain.Alarm, error)
}

type Deps struct {
	Store     Store
	Scheduler Scheduler
	Onboarder Onboarder
	Log       logx.Logger
	Bus       eventbus.Bus
	Now       func() time.Time
}

// Reply is what goes back to the sender. Text is empty for unknown senders.
type Reply struct {
	Text    string   `json:"text"`
	Matched []string `json:"matched,omitempty"`
}

// MatchEvent is the payload of response.* bus events.
type MatchEvent struct {
	Number  string   `json:"number"`
	Matched []string `json:"matched,omitempty"`
}

type Handler struct {
	d Deps

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, d Deps) *Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "response"))
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{d: d, cfg: cfg.withDefaults()}
}

func (h *Handler) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

func (h *Handler) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Handle processes one inbound message from rawFrom.
//
// A malformed sender returns the no-alarms reply with a *domain.ValidationError.
// An unknown sender triggers onboarding and returns an empty reply with a
// *domain.UnknownSenderError.
func (h *Handler) Handle(ctx context.Context, rawFrom string) (Reply, error) {
	cfg := h.config()

	number, err := domain.NormalizeSender(rawFrom)
	if err != nil {
		h.d.Log.Warn("inbound message from malformed sender", logx.String("from", rawFrom), logx.Err(err))
		return Reply{Text: cfg.NoAlarms}, err
	}

	phone, err := h.d.Store.PhoneByNumber(ctx, number)
	if errors.Is(err, domain.ErrNotFound) {
		h.d.Log.Info("inbound message from unknown sender", logx.String("number", number))
		h.publish(eventbus.ResponseUnknown, MatchEvent{Number: number})
		if h.d.Onboarder != nil {
			if err := h.d.Onboarder.WelcomeSender(ctx, number); err != nil {
				h.d.Log.Warn("sender welcome failed", logx.String("number", number), logx.Err(err))
			}
		}
		return Reply{}, &domain.UnknownSenderError{Number: number}
	}
	if err != nil {
		return Reply{}, err
	}

	alarms, err := h.d.Store.ListAlarms(ctx, storage.AlarmFilter{PhoneID: phone.ID, ArmedOnly: true})
	if err != nil {
		return Reply{}, err
	}

	var matched []string
	now := h.d.Now()
	for _, a := range alarms {
		stopped, err := h.d.Scheduler.AcknowledgeIfRecent(ctx, a.ID, now)
		if err != nil {
			h.d.Log.Error("acknowledge failed", logx.String("alarm_id", a.ID), logx.Bool("stopped", stopped), logx.Err(err))
		}
		if stopped {
			matched = append(matched, a.ID)
		}
	}

	if len(matched) == 0 {
		h.d.Log.Info("reply matched no running alarm", logx.String("phone_id", phone.ID), logx.Int("armed", len(alarms)))
		return Reply{Text: cfg.NoAlarms}, nil
	}
	h.d.Log.Info("escalation acknowledged", logx.String("phone_id", phone.ID), logx.Int("alarms", len(matched)))
	h.publish(eventbus.ResponseMatched, MatchEvent{Number: number, Matched: matched})
	return Reply{Text: cfg.Acknowledged, Matched: matched}, nil
}

func (h *Handler) publish(typ string, ev MatchEvent) {
	if h.d.Bus == nil {
		return
	}
	h.d.Bus.Publish(eventbus.Event{Type: typ, Time: h.d.Now(), Data: ev})
}
