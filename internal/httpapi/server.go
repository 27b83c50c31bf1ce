package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "alarmaway/internal/runtime/supervisor"
	logx "alarmaway/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Config controls the inbound webhook and admin API server.
//
// Security:
//   - The admin API has no authentication; keep it on loopback (default).
//   - Binding to a non-loopback address requires AllowInsecure.
type Config struct {
	Addr          string
	AllowInsecure bool
	Pprof         bool
	// ReplyFormat is "text" (default) or "twiml".
	ReplyFormat string
	CORSOrigins []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxRestarts bounds serve-loop restarts before the server gives up and
	// reports on Fatal. Default 10.
	MaxRestarts int
}

func (c Config) withDefaults() Config {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	return c
}

// Server runs the router under a supervised restart loop.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	api *API

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	addr     string
	fatal    chan error
}

func NewServer(cfg Config, api *API, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:   cfg.withDefaults(),
		api:   api,
		log:   log.With(logx.String("comp", "http")),
		fatal: make(chan error, 1),
	}
}

// Fatal delivers the last error once the serve loop has given up restarting.
func (s *Server) Fatal() <-chan error { return s.fatal }

// Supervisor returns the serve loop's supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listener address, empty until the server is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Apply stores cfg. Only the reply format takes effect live; the bind
// address and timeouts need a restart.
func (s *Server) Apply(cfg Config) (restartRequired bool) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	s.api.setReplyFormat(cfg.ReplyFormat)
	return needsRestart(prev, cfg)
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr || a.AllowInsecure != b.AllowInsecure || a.Pprof != b.Pprof {
		return true
	}
	if strings.Join(a.CORSOrigins, ",") != strings.Join(b.CORSOrigins, ",") {
		return true
	}
	return a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		// Only a final give-up cancels this supervisor; see watchGiveUp.
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(true),
		)
		sup := s.sup
		maxRestarts := s.cfg.MaxRestarts
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			rtsup.WithMaxRestarts(maxRestarts),
			rtsup.WithFatalOnFinalError(true),
		)
		go s.watchGiveUp(ctx, sup)
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone, s.addr = nil, nil, nil, nil, ""
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) watchGiveUp(parent context.Context, sup *rtsup.Supervisor) {
	<-sup.Context().Done()
	s.mu.Lock()
	gaveUp := s.sup == sup && s.stopDone == nil && parent.Err() == nil
	s.mu.Unlock()
	if !gaveUp {
		return
	}
	err := sup.Err()
	if err == nil {
		err = errors.New("http serve loop gave up")
	}
	s.log.Error("http server gave up restarting", logx.Err(err), logx.Alert())
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	if !cur.AllowInsecure && !isLoopbackAddr(cur.Addr) {
		s.log.Error("http refused to start: non-loopback addr requires allow_insecure", logx.String("addr", cur.Addr))
		return errors.New("http refused to start: insecure bind")
	}
	if cur.AllowInsecure && !isLoopbackAddr(cur.Addr) {
		s.log.Warn("admin api exposed on non-loopback addr without auth", logx.String("addr", cur.Addr))
	}

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", cur.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.api.Router(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.Pprof), logx.String("reply_format", cur.ReplyFormat))

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln, s.addr = nil, nil, ""
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
