// Package httpapi serves the gateway's inbound-message webhook and a small
// admin API over the alarm scheduler.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"alarmaway/internal/alarm"
	"alarmaway/internal/domain"
	"alarmaway/internal/response"
	"alarmaway/internal/schedule"
	"alarmaway/internal/storage"
	logx "alarmaway/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

const (
	ReplyText  = "text"
	ReplyTwiML = "twiml"
)

// Alarms is the scheduler surface the API drives. *alarm.Scheduler
// satisfies it.
type Alarms interface {
	Plan() schedule.Plan
	Create(ctx context.Context, ownerID, phoneID string, tod domain.TimeOfDay) (domain.Alarm, error)
	Get(ctx context.Context, id string) (domain.Alarm, error)
	Tickets(ctx context.Context, id string) ([]domain.Ticket, error)
	Arm(ctx context.Context, id string) ([]domain.Ticket, error)
	Disarm(ctx context.Context, id string) (alarm.DisarmResult, error)
	Remove(ctx context.Context, id string) error
	Respond(ctx context.Context, id string) ([]domain.Ticket, error)
	NextRunTime(ctx context.Context, id string) (time.Time, error)
	RemovePhone(ctx context.Context, phoneID string) error
	RemoveUser(ctx context.Context, userID string) error
}

type Responder interface {
	Handle(ctx context.Context, rawFrom string) (response.Reply, error)
}

type Onboarder interface {
	SendVerification(ctx context.Context, phone domain.Phone) (string, error)
	WelcomeUser(ctx context.Context, user domain.User, phone domain.Phone) error
}

type Store interface {
	storage.UserStore
	storage.PhoneStore
}

type Deps struct {
	Store     Store
	Alarms    Alarms
	Responder Responder
	Onboarder Onboarder
	// Health, when set, is embedded in /healthz output.
	Health func() any
	Log    logx.Logger
	Now    func() time.Time
}

type API struct {
	d           Deps
	replyFormat atomic.Value // string
}

func New(d Deps) *API {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "api"))
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &API{d: d}
	a.replyFormat.Store(ReplyText)
	return a
}

func (a *API) setReplyFormat(f string) {
	f = strings.ToLower(strings.TrimSpace(f))
	if f != ReplyTwiML {
		f = ReplyText
	}
	a.replyFormat.Store(f)
}

func (a *API) format() string { return a.replyFormat.Load().(string) }

// Router builds the full handler tree for cfg.
func (a *API) Router(cfg Config) http.Handler {
	a.setReplyFormat(cfg.ReplyFormat)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	r.Post("/responses/receive", a.receive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		}).Handler)
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/users", a.createUser)
		r.Delete("/users/{id}", a.deleteUser)

		r.Post("/phones", a.createPhone)
		r.Delete("/phones/{id}", a.deletePhone)
		r.Post("/phones/{id}/verification", a.sendVerification)

		r.Post("/alarms", a.createAlarm)
		r.Route("/alarms/{id}", func(r chi.Router) {
			r.Get("/", a.getAlarm)
			r.Delete("/", a.deleteAlarm)
			r.Post("/arm", a.armAlarm)
			r.Post("/disarm", a.disarmAlarm)
			r.Post("/respond", a.respondAlarm)
			r.Get("/tickets", a.alarmTickets)
		})

		r.Get("/schedule/preview", a.schedulePreview)
	})

	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}
