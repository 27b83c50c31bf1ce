package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "alarmaway/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestTwilioPlaceCall(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/2010-04-01/Accounts/AC123/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "AC123", user)
		require.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "+15551234567", r.PostForm.Get("To"))
		require.Equal(t, "+15550000000", r.PostForm.Get("From"))
		require.Equal(t, "http://example.com/script.xml", r.PostForm.Get("Url"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CAabc","status":"queued"}`))
	}))
	defer srv.Close()

	g, err := NewTwilio(TwilioConfig{AccountSID: "AC123", AuthToken: "secret", From: "+15550000000", BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	sid, err := g.PlaceCall(context.Background(), "+15551234567", "http://example.com/script.xml")
	require.NoError(t, err)
	require.Equal(t, "CAabc", sid)
}

func TestTwilioErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"bad number", http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`, true},
		{"bad credentials", http.StatusUnauthorized, `{"code":20003,"message":"Authenticate","status":401}`, true},
		{"rate limited", http.StatusTooManyRequests, `{"code":20429,"message":"Too Many Requests","status":429}`, false},
		{"server error", http.StatusBadGateway, `{"code":20500,"message":"Internal Server Error","status":502}`, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			g, err := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "t", From: "+15550000000", BaseURL: srv.URL}, logx.Nop())
			require.NoError(t, err)
			_, err = g.SendText(context.Background(), "+15551234567", "hi")
			var api *APIError
			require.ErrorAs(t, err, &api)
			require.Equal(t, tc.status, api.Status)
			require.Equal(t, tc.permanent, IsPermanent(err))
		})
	}
}

func TestTwilioUndecodableErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	g, err := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "t", From: "+15550000000", BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	_, err = g.SendText(context.Background(), "+15551234567", "hi")
	require.Error(t, err)
	require.False(t, IsPermanent(err))
}

func TestTwilioSendTextForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2010-04-01/Accounts/AC9/Messages.json", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "Are you up yet?", r.PostForm.Get("Body"))
		require.Equal(t, "+15550000000", r.PostForm.Get("From"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SMabc","status":"queued"}`))
	}))
	defer srv.Close()

	g, err := NewTwilio(TwilioConfig{AccountSID: "AC9", AuthToken: "t", From: "+15550000000", BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	sid, err := g.SendText(context.Background(), "+15551234567", "Are you up yet?")
	require.NoError(t, err)
	require.Equal(t, "SMabc", sid)
}

func TestTwilioHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	g, err := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "t", From: "+15550000000", BaseURL: "http://127.0.0.1:1"}, logx.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.PlaceCall(ctx, "+15551234567", "http://x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewDrivers(t *testing.T) {
	t.Parallel()

	g, err := New(Config{}, logx.Nop())
	require.NoError(t, err)
	require.IsType(t, &Log{}, g)

	_, err = New(Config{Driver: "twilio"}, logx.Nop())
	require.Error(t, err)

	_, err = New(Config{Driver: "pigeon"}, logx.Nop())
	require.Error(t, err)
}

func TestLogGatewayRecords(t *testing.T) {
	t.Parallel()

	g := NewLog(logx.Nop())
	_, err := g.PlaceCall(context.Background(), "+15551234567", "http://x")
	require.NoError(t, err)
	_, err = g.SendText(context.Background(), "+15551234567", "Are you up yet?")
	require.NoError(t, err)

	sent := g.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "call", sent[0].Kind)
	require.Equal(t, "Are you up yet?", sent[1].Body)
}
