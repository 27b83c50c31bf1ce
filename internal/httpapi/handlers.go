package httpapi

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"strings"
	"time"

	"alarmaway/internal/alarm"
	"alarmaway/internal/domain"
	logx "alarmaway/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "time": a.d.Now().UTC()}
	if a.d.Health != nil {
		out["runtime"] = a.d.Health()
	}
	writeJSON(w, http.StatusOK, out)
}

// receive is the gateway's inbound-message callback. It always answers 200
// unless processing failed in a way worth a gateway retry.
func (a *API) receive(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeReply(w, "")
		return
	}
	from := r.PostForm.Get("From")

	reply, err := a.d.Responder.Handle(r.Context(), from)
	var ve *domain.ValidationError
	var unknown *domain.UnknownSenderError
	switch {
	case err == nil, errors.As(err, &ve), errors.As(err, &unknown):
		a.writeReply(w, reply.Text)
	default:
		a.d.Log.Error("inbound message failed", logx.String("from", from), logx.Err(err))
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	}
}

func (a *API) writeReply(w http.ResponseWriter, text string) {
	if a.format() == ReplyTwiML {
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xml.Header))
		_ = xml.NewEncoder(w).Encode(twimlResponse{Message: text})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

type createUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	// Number, when set, registers the user's first phone and sends the
	// account welcome to it.
	Number string `json:"number"`
}

type createUserResponse struct {
	User  domain.User   `json:"user"`
	Phone *domain.Phone `json:"phone,omitempty"`
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		a.writeError(w, r, &domain.ValidationError{Field: "email", Reason: "required"})
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			a.writeError(w, r, &domain.ValidationError{Field: "timezone", Reason: err.Error()})
			return
		}
	}
	var number string
	if req.Number != "" {
		n, err := domain.CanonicalNumber(req.Number)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		number = n
	}

	now := a.d.Now().UTC()
	u := domain.User{ID: uuid.NewString(), Email: req.Email, Name: req.Name, Timezone: req.Timezone, CreatedAt: now}
	if err := a.d.Store.CreateUser(r.Context(), u); err != nil {
		a.writeError(w, r, err)
		return
	}
	out := createUserResponse{User: u}
	if number != "" {
		p, err := a.newPhone(r, u.ID, number)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		out.Phone = &p
		if a.d.Onboarder != nil {
			if err := a.d.Onboarder.WelcomeUser(r.Context(), u, p); err != nil {
				a.d.Log.Warn("user welcome failed", logx.String("user_id", u.ID), logx.Err(err))
			}
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Alarms.RemoveUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPhoneRequest struct {
	OwnerID string `json:"owner_id"`
	Number  string `json:"number"`
}

func (a *API) createPhone(w http.ResponseWriter, r *http.Request) {
	var req createPhoneRequest
	if !a.decode(w, r, &req) {
		return
	}
	number, err := domain.CanonicalNumber(req.Number)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.d.Store.GetUser(r.Context(), req.OwnerID); err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := a.newPhone(r, req.OwnerID, number)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) newPhone(r *http.Request, ownerID, number string) (domain.Phone, error) {
	if _, err := a.d.Store.PhoneByNumber(r.Context(), number); err == nil {
		return domain.Phone{}, &domain.ValidationError{Field: "number", Reason: "already registered"}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Phone{}, err
	}
	p := domain.Phone{ID: uuid.NewString(), OwnerID: ownerID, Number: number, CreatedAt: a.d.Now().UTC()}
	if err := a.d.Store.CreatePhone(r.Context(), p); err != nil {
		return domain.Phone{}, err
	}
	return p, nil
}

func (a *API) deletePhone(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Alarms.RemovePhone(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) sendVerification(w http.ResponseWriter, r *http.Request) {
	p, err := a.d.Store.GetPhone(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if a.d.Onboarder == nil {
		http.Error(w, "onboarding disabled", http.StatusServiceUnavailable)
		return
	}
	code, err := a.d.Onboarder.SendVerification(r.Context(), p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"phone_id": p.ID, "code": code})
}

type createAlarmRequest struct {
	OwnerID string `json:"owner_id"`
	PhoneID string `json:"phone_id"`
	// Time is "HH:MM". It is read in the owner's timezone when Local is set,
	// otherwise as UTC.
	Time  string `json:"time"`
	Local bool   `json:"local"`
	Arm   bool   `json:"arm"`
}

type alarmView struct {
	domain.Alarm
	TimeUTC string     `json:"time_utc"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (a *API) createAlarm(w http.ResponseWriter, r *http.Request) {
	var req createAlarmRequest
	if !a.decode(w, r, &req) {
		return
	}
	now := a.d.Now()
	loc := time.UTC
	if req.Local {
		u, err := a.d.Store.GetUser(r.Context(), req.OwnerID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		loc = u.Location()
	}
	tod, err := domain.TimeOfDayFromLocal(req.Time, loc, now)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	al, err := a.d.Alarms.Create(r.Context(), req.OwnerID, req.PhoneID, tod)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Arm {
		if _, err := a.d.Alarms.Arm(r.Context(), al.ID); err != nil {
			a.writeError(w, r, err)
			return
		}
		al.Armed = true
	}
	writeJSON(w, http.StatusCreated, a.view(r, al))
}

func (a *API) getAlarm(w http.ResponseWriter, r *http.Request) {
	al, err := a.d.Alarms.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(r, al))
}

func (a *API) view(r *http.Request, al domain.Alarm) alarmView {
	v := alarmView{Alarm: al, TimeUTC: al.Time.String()}
	if al.Armed {
		if t, err := a.d.Alarms.NextRunTime(r.Context(), al.ID); err == nil && !t.IsZero() {
			v.NextRun = &t
		}
	}
	return v
}

func (a *API) deleteAlarm(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Alarms.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) armAlarm(w http.ResponseWriter, r *http.Request) {
	tickets, err := a.d.Alarms.Arm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (a *API) disarmAlarm(w http.ResponseWriter, r *http.Request) {
	res, err := a.d.Alarms.Disarm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) respondAlarm(w http.ResponseWriter, r *http.Request) {
	tickets, err := a.d.Alarms.Respond(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (a *API) alarmTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := a.d.Alarms.Tickets(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []domain.Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

type slotView struct {
	Index     int       `json:"index"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body,omitempty"`
	FireAt    time.Time `json:"fire_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// schedulePreview computes the next escalation for ?time=HH:MM (UTC),
// optionally as of ?now=RFC3339.
func (a *API) schedulePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tod, err := domain.ParseTimeOfDay(q.Get("time"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	now := a.d.Now()
	if s := q.Get("now"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			a.writeError(w, r, &domain.ValidationError{Field: "now", Reason: err.Error()})
			return
		}
		now = t
	}
	slots := a.d.Alarms.Plan().Compute(tod, now)
	out := make([]slotView, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotView{Index: s.Index, Kind: s.Step.Kind.String(), Body: s.Step.Body, FireAt: s.FireAt, ExpiresAt: s.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"time": tod.String(), "slots": out})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.writeError(w, r, &domain.ValidationError{Reason: "malformed json: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.d.Log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), RequestID: middleware.GetReqID(r.Context())})
}

func statusFor(err error) int {
	var (
		ve      *domain.ValidationError
		armed   *domain.AlreadyArmedError
		partial *domain.PartialArmError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &armed), errors.Is(err, domain.ErrMustDisarm):
		return http.StatusConflict
	case errors.As(err, &partial):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ Alarms = (*alarm.Scheduler)(nil)
