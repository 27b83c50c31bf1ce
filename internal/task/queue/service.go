package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"alarmaway/internal/eventbus"
	"alarmaway/internal/storage"
	"alarmaway/internal/task/engine"
	logx "alarmaway/pkg/logx"

	"github.com/google/uuid"
)

var ErrUnknownKind = errors.New("no handler for job kind")

type pendingJob struct {
	job   Job
	timer *time.Timer
	ver   uint64
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	exec  Executor
	store storage.JobStore
	now   func() time.Time

	handlers map[string]Handler
	pending  map[string]*pendingJob
	running  map[string]context.CancelFunc
	seq      uint64
	started  bool
}

// New builds a queue. store may be nil, in which case jobs live only in memory.
func New(cfg Config, exec Executor, store storage.JobStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "dispatch")),
		bus:      bus,
		exec:     exec,
		store:    store,
		now:      time.Now,
		handlers: map[string]Handler{},
		pending:  map[string]*pendingJob{},
		running:  map[string]context.CancelFunc{},
	}
}

// Handle registers the handler for a job kind. Register before Start.
func (s *Service) Handle(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Submit accepts a job and returns its id.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	kind := strings.TrimSpace(req.Kind)
	s.mu.Lock()
	_, ok := s.handlers[kind]
	cfg := s.cfg
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	now := s.now()
	job := Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		FireAt:    req.FireAt,
		ExpiresAt: req.ExpiresAt,
	}
	if job.FireAt.IsZero() {
		job.FireAt = now
	}
	if job.ExpiresAt.IsZero() {
		job.ExpiresAt = job.FireAt.Add(cfg.DefaultGrace)
	}
	if job.ExpiresAt.Before(job.FireAt) {
		return "", fmt.Errorf("job expires (%s) before it fires (%s)", job.ExpiresAt.Format(time.RFC3339), job.FireAt.Format(time.RFC3339))
	}

	if s.store != nil {
		err := s.store.PutJob(ctx, storage.PendingJob{
			ID: job.ID, Kind: job.Kind, Payload: job.Payload,
			FireAt: job.FireAt, ExpiresAt: job.ExpiresAt, CreatedAt: now,
		})
		if err != nil {
			return "", fmt.Errorf("persist job: %w", err)
		}
	}

	s.mu.Lock()
	s.addLocked(job)
	s.mu.Unlock()

	s.log.Debug("job scheduled", logx.String("id", job.ID), logx.String("kind", kind), logx.Time("fire_at", job.FireAt))
	s.publish(eventbus.DispatchScheduled, job, "")
	return job.ID, nil
}

// Cancel revokes a job. acked reports whether the job was pending and got
// unscheduled, or was running and got terminated.
func (s *Service) Cancel(ctx context.Context, id string, terminate bool) (bool, error) {
	s.mu.Lock()
	if p, ok := s.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, id)
		s.mu.Unlock()

		s.publish(eventbus.DispatchCancelled, p.job, "pending")
		if s.store != nil {
			if err := s.store.DeleteJob(ctx, id); err != nil {
				// The row survives, so a restart would resurrect the job.
				return false, fmt.Errorf("delete persisted job: %w", err)
			}
		}
		return true, nil
	}
	cancel, running := s.running[id]
	s.mu.Unlock()

	if running && terminate {
		cancel()
		s.log.Debug("running job terminated", logx.String("id", id))
		s.publish(eventbus.DispatchCancelled, Job{ID: id}, "terminated")
		return true, nil
	}
	return false, nil
}

// Start restores persisted jobs and arms their timers.
func (s *Service) Start(ctx context.Context) error {
	var restored []Job
	if s.store != nil {
		rows, err := s.store.ListJobs(ctx)
		if err != nil {
			return fmt.Errorf("restore jobs: %w", err)
		}
		for _, r := range rows {
			restored = append(restored, Job{ID: r.ID, Kind: r.Kind, Payload: r.Payload, FireAt: r.FireAt, ExpiresAt: r.ExpiresAt})
		}
	}

	s.mu.Lock()
	s.started = true
	for _, j := range restored {
		if _, ok := s.pending[j.ID]; !ok {
			s.pending[j.ID] = &pendingJob{job: j}
		}
	}
	for _, p := range s.pending {
		if p.timer == nil {
			s.armLocked(p)
		}
	}
	n := len(s.pending)
	s.mu.Unlock()

	s.log.Info("dispatch queue started", logx.Int("pending", n), logx.Int("restored", len(restored)))
	return nil
}

// Stop disarms timers. Pending jobs stay persisted for the next Start.
func (s *Service) Stop(context.Context) {
	s.mu.Lock()
	s.started = false
	for _, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	n := len(s.pending)
	s.mu.Unlock()
	s.log.Info("dispatch queue stopped", logx.Int("pending", n))
}

// Pending lists jobs not yet fired, ordered by fire time.
func (s *Service) Pending() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

func (s *Service) addLocked(job Job) {
	p := &pendingJob{job: job}
	s.pending[job.ID] = p
	if s.started {
		s.armLocked(p)
	}
}

func (s *Service) armLocked(p *pendingJob) {
	s.seq++
	p.ver = s.seq
	id, ver := p.job.ID, p.ver
	delay := max(p.job.FireAt.Sub(s.now()), 0)
	p.timer = time.AfterFunc(delay, func() { s.fire(id, ver) })
}

func (s *Service) fire(id string, ver uint64) {
	s.mu.Lock()
	p, ok := s.pending[id]
	// Cancelled or re-armed since this timer was set.
	if !ok || p.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	h := s.handlers[p.job.Kind]
	cfg := s.cfg
	job := p.job

	jctx, cancel := context.WithCancel(context.Background())
	s.running[id] = cancel
	s.mu.Unlock()

	if s.store != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.DeleteJob(dctx, id); err != nil {
			s.log.Warn("failed to delete fired job", logx.String("id", id), logx.Err(err))
		}
		dcancel()
	}

	now := s.now()
	if now.After(job.ExpiresAt) {
		s.finish(id)
		s.missed(job, now)
		return
	}
	if h == nil {
		s.finish(id)
		s.log.Error("fired job has no handler", logx.String("id", id), logx.String("kind", job.Kind))
		return
	}

	s.publish(eventbus.DispatchFired, job, "")
	err := s.exec.Enqueue(engine.Task{
		ID:       id,
		Name:     job.Kind,
		Timeout:  cfg.RunTimeout,
		Deadline: job.ExpiresAt,
		Opt:      engine.TaskOptions{RetryMax: cfg.RetryMax},
		Run: func(ctx context.Context) error {
			if jctx.Err() != nil {
				return engine.NoRetry(jctx.Err())
			}
			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			unhook := context.AfterFunc(jctx, stop)
			defer unhook()
			return h(runCtx, job)
		},
		OnDone: func() { s.finish(id) },
	})
	if err != nil {
		s.finish(id)
		s.log.Error("failed to hand fired job to engine", logx.String("id", id), logx.String("kind", job.Kind), logx.Err(err), logx.Alert())
		s.publish(eventbus.DispatchMissed, job, "enqueue: "+err.Error())
	}
}

func (s *Service) finish(id string) {
	s.mu.Lock()
	cancel := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) missed(job Job, now time.Time) {
	s.log.Warn("job missed its window",
		logx.String("id", job.ID),
		logx.String("kind", job.Kind),
		logx.Time("expires_at", job.ExpiresAt),
		logx.Duration("late_by", now.Sub(job.ExpiresAt)),
	)
	s.publish(eventbus.DispatchMissed, job, "expired")
}

func (s *Service) publish(typ string, job Job, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: DispatchEvent{
		ID: job.ID, Kind: job.Kind, FireAt: job.FireAt, ExpiresAt: job.ExpiresAt, Reason: reason,
	}})
}
