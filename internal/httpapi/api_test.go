package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"alarmaway/internal/alarm"
	"alarmaway/internal/domain"
	"alarmaway/internal/ledger"
	"alarmaway/internal/response"
	"alarmaway/internal/storage"
	"alarmaway/internal/task/queue"
	logx "alarmaway/pkg/logx"

	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu   sync.Mutex
	seq  int
	live map[string]queue.Request
}

func (f *fakeJobs) Submit(_ context.Context, req queue.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	f.live[id] = req
	return id, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[id]
	delete(f.live, id)
	return ok, nil
}

type fakeOnboarder struct {
	mu       sync.Mutex
	welcomed []string
	users    []string
}

func (f *fakeOnboarder) WelcomeSender(_ context.Context, number string) error {
	f.mu.Lock()
	f.welcomed = append(f.welcomed, number)
	f.mu.Unlock()
	return nil
}

func (f *fakeOnboarder) SendVerification(context.Context, domain.Phone) (string, error) {
	return "123456", nil
}

func (f *fakeOnboarder) WelcomeUser(_ context.Context, u domain.User, _ domain.Phone) error {
	f.mu.Lock()
	f.users = append(f.users, u.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeOnboarder) snapshot() (welcomed, users []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.welcomed...), append([]string(nil), f.users...)
}

type fixture struct {
	srv   *httptest.Server
	api   *API
	store storage.Store
	sched *alarm.Scheduler
	onb   *fakeOnboarder
	clock *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemory()
	clk := &clock{t: t0}
	now := clk.Now
	led := ledger.New(ledger.Config{}, store, logx.Nop(), nil)
	sched, err := alarm.New(alarm.Config{}, alarm.Deps{Store: store, Ledger: led, Jobs: &fakeJobs{live: map[string]queue.Request{}}, Now: now})
	require.NoError(t, err)
	onb := &fakeOnboarder{}
	resp := response.New(response.Config{}, response.Deps{Store: store, Scheduler: sched, Onboarder: onb, Now: now})
	api := New(Deps{Store: store, Alarms: sched, Responder: resp, Onboarder: onb, Now: now})

	srv := httptest.NewServer(api.Router(cfg.withDefaults()))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, api: api, store: store, sched: sched, onb: onb, clock: clk}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	return res, buf.Bytes()
}

func (f *fixture) receive(t *testing.T, from string) (*http.Response, string) {
	t.Helper()
	res, err := f.srv.Client().PostForm(f.srv.URL+"/responses/receive", url.Values{"From": {from}, "Body": {"ok"}})
	require.NoError(t, err)
	defer res.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	return res, buf.String()
}

// seed registers a user with one phone and an armed 07:00 alarm.
func (f *fixture) seed(t *testing.T) domain.Alarm {
	t.Helper()
	res, body := f.do(t, http.MethodPost, "/api/v1/users", map[string]string{"email": "a@example.com", "number": "(555) 123-4567"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var cu createUserResponse
	require.NoError(t, json.Unmarshal(body, &cu))
	require.NotNil(t, cu.Phone)
	require.Equal(t, "5551234567", cu.Phone.Number)

	res, body = f.do(t, http.MethodPost, "/api/v1/alarms", map[string]any{"owner_id": cu.User.ID, "phone_id": cu.Phone.ID, "time": "07:00", "arm": true})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var a alarmView
	require.NoError(t, json.Unmarshal(body, &a))
	require.True(t, a.Armed)
	require.NotNil(t, a.NextRun)
	return a.Alarm
}

func TestReceiveAcknowledgesRunningAlarm(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	a := f.seed(t)

	f.clock.Set(time.Date(2026, 5, 4, 7, 4, 0, 0, time.UTC))
	res, body := f.receive(t, "+15551234567")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain"))
	require.Equal(t, response.DefaultAcknowledged, body)

	w, ok, err := f.sched.Escalation(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 5, 5, 7, 0, 0, 0, time.UTC), w.Start)
}

func TestReceiveOutsideWindowReportsNoAlarms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.seed(t)

	res, body := f.receive(t, "+15551234567")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, response.DefaultNoAlarms, body)
}

func TestReceiveUnknownSenderStartsOnboarding(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	res, body := f.receive(t, "+15559876543")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Empty(t, body)
	welcomed, _ := f.onb.snapshot()
	require.Equal(t, []string{"5559876543"}, welcomed)
}

func TestReceiveMalformedSender(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	res, body := f.receive(t, "5551234567")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, response.DefaultNoAlarms, body)
	welcomed, _ := f.onb.snapshot()
	require.Empty(t, welcomed)
}

func TestReceiveTwiML(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ReplyFormat: ReplyTwiML})
	f.seed(t)
	res, body := f.receive(t, "+15551234567")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "application/xml")
	require.Contains(t, body, "<Response><Message>No alarms running!</Message></Response>")
}

func TestAlarmLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	a := f.seed(t)
	_, users := f.onb.snapshot()
	require.Len(t, users, 1)

	res, _ := f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/arm", nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = f.do(t, http.MethodDelete, "/api/v1/alarms/"+a.ID, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)

	res, body := f.do(t, http.MethodGet, "/api/v1/alarms/"+a.ID+"/tickets", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var tl struct {
		Tickets []domain.Ticket `json:"tickets"`
	}
	require.NoError(t, json.Unmarshal(body, &tl))
	require.Len(t, tl.Tickets, 6)

	res, body = f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/disarm", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var dr alarm.DisarmResult
	require.NoError(t, json.Unmarshal(body, &dr))
	require.Equal(t, 6, dr.Closed)

	res, _ = f.do(t, http.MethodDelete, "/api/v1/alarms/"+a.ID, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, _ = f.do(t, http.MethodGet, "/api/v1/alarms/"+a.ID, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDeleteUserCascades(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	a := f.seed(t)

	res, _ := f.do(t, http.MethodDelete, "/api/v1/users/"+a.OwnerID, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	_, err := f.store.GetAlarm(context.Background(), a.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.GetPhone(context.Background(), a.PhoneID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateValidationErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	a := f.seed(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"bad time", "/api/v1/alarms", map[string]any{"owner_id": a.OwnerID, "phone_id": a.PhoneID, "time": "25:00"}, http.StatusBadRequest},
		{"unknown phone", "/api/v1/alarms", map[string]any{"owner_id": a.OwnerID, "phone_id": "nope", "time": "07:00"}, http.StatusNotFound},
		{"unknown field", "/api/v1/alarms", map[string]any{"owner": a.OwnerID}, http.StatusBadRequest},
		{"bad number", "/api/v1/phones", map[string]any{"owner_id": a.OwnerID, "number": "12345"}, http.StatusBadRequest},
		{"duplicate number", "/api/v1/phones", map[string]any{"owner_id": a.OwnerID, "number": "555-123-4567"}, http.StatusBadRequest},
		{"missing email", "/api/v1/users", map[string]any{"name": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		res, body := f.do(t, http.MethodPost, tt.path, tt.body)
		require.Equal(t, tt.status, res.StatusCode, "%s: %s", tt.name, body)
	}
}

func TestSendVerification(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	a := f.seed(t)

	res, body := f.do(t, http.MethodPost, "/api/v1/phones/"+a.PhoneID+"/verification", nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Contains(t, string(body), `"code":"123456"`)

	res, _ = f.do(t, http.MethodPost, "/api/v1/phones/missing/verification", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSchedulePreview(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	res, body := f.do(t, http.MethodGet, "/api/v1/schedule/preview?time=07:00&now=2026-05-04T08:00:00Z", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out struct {
		Slots []slotView `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Slots, 6)
	require.Equal(t, "call", out.Slots[0].Kind)
	require.Equal(t, time.Date(2026, 5, 5, 7, 0, 0, 0, time.UTC), out.Slots[0].FireAt.UTC())
	require.Equal(t, "text", out.Slots[1].Kind)
	require.Equal(t, time.Date(2026, 5, 5, 7, 21, 0, 0, time.UTC), out.Slots[5].ExpiresAt.UTC())
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	res, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(body), `"status":"ok"`)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusBadRequest, statusFor(&domain.ValidationError{Reason: "x"}))
	require.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("phone: %w", domain.ErrNotFound)))
	require.Equal(t, http.StatusConflict, statusFor(&domain.AlreadyArmedError{AlarmID: "a"}))
	require.Equal(t, http.StatusConflict, statusFor(domain.ErrMustDisarm))
	require.Equal(t, http.StatusServiceUnavailable, statusFor(&domain.PartialArmError{Err: context.DeadlineExceeded}))
	require.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}

func TestLoopbackGuard(t *testing.T) {
	t.Parallel()

	require.True(t, isLoopbackAddr("127.0.0.1:8080"))
	require.True(t, isLoopbackAddr("localhost:8080"))
	require.True(t, isLoopbackAddr("[::1]:8080"))
	require.False(t, isLoopbackAddr(":8080"))
	require.False(t, isLoopbackAddr("0.0.0.0:8080"))

	s := NewServer(Config{Addr: "0.0.0.0:0"}, New(Deps{}), logx.Nop())
	require.Error(t, s.serveOnce(context.Background()))
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	s := NewServer(Config{Addr: "127.0.0.1:0"}, f.api, logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	res, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	require.Empty(t, s.Addr())
	require.Nil(t, s.Supervisor())
}

func TestServerGivesUpOnBusyAddr(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	s := NewServer(Config{Addr: busy.Addr().String(), MaxRestarts: 1}, New(Deps{}), logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case err := <-s.Fatal():
		require.ErrorContains(t, err, "http.serve")
	case <-time.After(5 * time.Second):
		t.Fatal("server kept restarting on a busy address")
	}
	require.EqualValues(t, 2, s.Supervisor().Health().Restarts["http.serve"])
}

func TestServerStopIsNotFatal(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Addr: "127.0.0.1:0"}, New(Deps{}), logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case err := <-s.Fatal():
		t.Fatalf("unexpected fatal: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
