package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"alarmaway/internal/eventbus"
	"alarmaway/internal/gateway"
	"alarmaway/internal/storage"
	logx "alarmaway/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrEmpty = errors.New("notifier: empty delivery")

// Service is safe for concurrent use. Send blocks the caller; concurrency
// comes from the task engine workers that call it.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log   logx.Logger
	gw    gateway.Gateway
	bus   eventbus.Bus
	store storage.DedupStore
	now   func() time.Time

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. store may be nil for memory-only dedup.
func New(cfg Config, gw gateway.Gateway, store storage.DedupStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		gw:    gw,
		bus:   bus,
		store: store,
		now:   time.Now,
		dedup: map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Call(ctx context.Context, key, number, scriptURL string) (Result, error) {
	return s.Send(ctx, Delivery{Key: key, Channel: ChannelCall, Number: number, ScriptURL: scriptURL})
}

func (s *Service) Text(ctx context.Context, key, number, body string) (Result, error) {
	return s.Send(ctx, Delivery{Key: key, Channel: ChannelText, Number: number, Body: body})
}

// Send delivers d unless its key was already delivered within the dedup
// window. Provider rejections come back as permanent errors
// (see gateway.IsPermanent) and are not retried.
func (s *Service) Send(ctx context.Context, d Delivery) (Result, error) {
	if d.Number == "" || (d.Channel == ChannelText && d.Body == "") || (d.Channel == ChannelCall && d.ScriptURL == "") {
		return Result{}, ErrEmpty
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	key := dedupKey(d)
	if cfg.DedupWindow > 0 && key != "" && s.seen(ctx, key) {
		s.log.Debug("delivery deduped", logx.String("channel", string(d.Channel)), logx.String("key", d.Key))
		s.publish(eventbus.NotifierDeduped, d, "", nil)
		return Result{Deduped: true}, nil
	}

	maxAttempts := 1 + cfg.RetryMax
	var (
		sid     string
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		sid, lastErr = s.dispatch(callCtx, d)
		cancel()
		if lastErr == nil || gateway.IsPermanent(lastErr) || ctx.Err() != nil {
			break
		}
		s.log.Debug("delivery failed", logx.String("channel", string(d.Channel)), logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = errors.Join(lastErr, ctx.Err())
			attempt = maxAttempts + 1
		}
	}
	attempt = min(attempt, maxAttempts)

	item := HistoryItem{At: s.now(), Channel: d.Channel, Number: d.Number, SID: sid, Attempts: attempt}
	if lastErr != nil {
		item.Error = lastErr.Error()
		s.appendHistory(item)
		s.publish(eventbus.NotifierFailed, d, "", lastErr)
		return Result{Attempts: attempt}, fmt.Errorf("%s to %s: %w", d.Channel, d.Number, lastErr)
	}

	if cfg.DedupWindow > 0 && key != "" {
		s.remember(ctx, key, s.now().Add(cfg.DedupWindow), cfg.DedupMaxEntries)
	}
	s.appendHistory(item)
	s.publish(eventbus.NotifierSent, d, sid, nil)
	return Result{SID: sid, Attempts: attempt}, nil
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) dispatch(ctx context.Context, d Delivery) (string, error) {
	switch d.Channel {
	case ChannelCall:
		return s.gw.PlaceCall(ctx, d.Number, d.ScriptURL)
	case ChannelText:
		return s.gw.SendText(ctx, d.Number, d.Body)
	default:
		return "", fmt.Errorf("unknown channel %q", d.Channel)
	}
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, d Delivery, sid string, err error) {
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{Channel: d.Channel, Number: d.Number, Key: d.Key, SID: sid, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func dedupKey(d Delivery) string {
	if d.Key == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(d.Channel))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(d.Number))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(d.Key))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) seen(ctx context.Context, key string) bool {
	now := s.now()
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if s.store == nil {
		return false
	}
	until, ok, err := s.store.GetDedup(ctx, key)
	if err != nil {
		// Better to ring twice than not at all.
		s.log.Warn("dedup lookup failed", logx.Err(err))
		return false
	}
	if ok && now.Before(until) {
		s.dmu.Lock()
		s.dedup[key] = until
		s.dmu.Unlock()
		return true
	}
	return false
}

func (s *Service) remember(ctx context.Context, key string, until time.Time, maxEntries int) {
	now := s.now()
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if s.store != nil {
		if err := s.store.PutDedup(ctx, key, until); err != nil {
			s.log.Warn("dedup persist failed", logx.Err(err))
		}
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
