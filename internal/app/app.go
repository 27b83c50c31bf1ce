package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"alarmaway/internal/alarm"
	"alarmaway/internal/alert"
	"alarmaway/internal/config"
	"alarmaway/internal/delivery"
	"alarmaway/internal/eventbus"
	"alarmaway/internal/gateway"
	"alarmaway/internal/httpapi"
	"alarmaway/internal/ledger"
	"alarmaway/internal/notifier"
	"alarmaway/internal/onboarding"
	"alarmaway/internal/response"
	rtsup "alarmaway/internal/runtime/supervisor"
	"alarmaway/internal/storage"
	"alarmaway/internal/task/engine"
	"alarmaway/internal/task/periodic"
	"alarmaway/internal/task/queue"
	logx "alarmaway/pkg/logx"
)

const (
	sweepRollover  = "alarm.rollover"
	sweepReconcile = "ledger.reconcile"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	alerts *alert.Telegram
	bus    eventbus.Bus
	store  storage.Store

	engine  *engine.Service
	jobs    *queue.Service
	sweeps  *periodic.Service
	notif   *notifier.Service
	deliv   *delivery.Handlers
	ledger  *ledger.Ledger
	alarms  *alarm.Scheduler
	onboard *onboarding.Service
	resp    *response.Handler
	http    *httpapi.Server

	reconcileAfter atomic.Int64
	sweepSpecs     [2]string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "alert"))

	// The alert sink is only built when a token is present; a chat change
	// later is applied with SetTarget.
	var (
		alerter logx.Alerter
		tg      *alert.Telegram
	)
	if ac, ok := mapAlertConfig(cfg); ok {
		tg, err = alert.NewTelegram(ac, bootLog)
		if err != nil {
			return nil, err
		}
		alerter = tg
	} else if cfg.Alerts.Enabled {
		bootLog.Warn("alerts enabled but no telegram token set; alerts are dropped")
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), alerter)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, driver, err := OpenStorage(context.Background(), cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driver))

	a, err := build(cfg, store, bus, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	a.logs = logSvc
	a.alerts = tg
	return a, nil
}

// build wires every component on top of an open store. cfg must already be
// validated.
func build(cfg *config.Config, store storage.Store, bus eventbus.Bus, log logx.Logger) (*App, error) {
	gwCfg, _ := mapGatewayConfig(cfg)
	gw, err := gateway.New(gwCfg, log)
	if err != nil {
		return nil, err
	}

	engCfg, _ := mapEngineConfig(cfg)
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)

	qCfg, _ := mapQueueConfig(cfg)
	jobs := queue.New(qCfg, engineSvc, store, log, bus)

	nCfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(nCfg, gw, store, log, bus)

	dCfg, _ := mapDeliveryConfig(cfg)
	deliv := delivery.New(dCfg, store, store, notif, log)
	deliv.Register(jobs)

	lCfg, _ := mapLedgerConfig(cfg)
	led := ledger.New(lCfg, store, log, bus)

	aCfg, _ := mapAlarmConfig(cfg)
	alarms, err := alarm.New(aCfg, alarm.Deps{
		Store:  store,
		Ledger: led,
		Jobs:   jobs,
		Log:    log,
		Bus:    bus,
	})
	if err != nil {
		return nil, err
	}

	oCfg, _ := mapOnboardingConfig(cfg)
	onboard := onboarding.New(oCfg, jobs, led, log)

	resp := response.New(mapResponseConfig(cfg), response.Deps{
		Store:     store,
		Scheduler: alarms,
		Onboarder: onboard,
		Log:       log,
		Bus:       bus,
	})

	sp, _ := mapSweepsConfig(cfg)
	sweeps := periodic.New(sp.periodic, engineSvc, log, bus)

	a := &App{
		log:     log,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		jobs:    jobs,
		sweeps:  sweeps,
		notif:   notif,
		deliv:   deliv,
		ledger:  led,
		alarms:  alarms,
		onboard: onboard,
		resp:    resp,
	}
	if err := a.registerSweeps(sp); err != nil {
		return nil, err
	}

	hCfg, _ := mapHTTPConfig(cfg)
	api := httpapi.New(httpapi.Deps{
		Store:     store,
		Alarms:    alarms,
		Responder: resp,
		Onboarder: onboard,
		Health:    a.health,
		Log:       log,
	})
	a.http = httpapi.NewServer(hCfg, api, log)
	return a, nil
}

// registerSweeps (re)binds the maintenance sweeps. Unchanged schedules are
// left alone so their next run time is kept.
func (a *App) registerSweeps(sp sweepPlan) error {
	a.reconcileAfter.Store(int64(sp.reconcileAfter))
	if a.sweepSpecs[0] != sp.rollover {
		if err := a.sweeps.Add(sweepRollover, sp.rollover, time.Minute, a.rollover); err != nil {
			return fmt.Errorf("sweeps.rollover: %w", err)
		}
		a.sweepSpecs[0] = sp.rollover
	}
	if a.sweepSpecs[1] != sp.reconcile {
		if err := a.sweeps.Add(sweepReconcile, sp.reconcile, 2*time.Minute, a.reconcile); err != nil {
			return fmt.Errorf("sweeps.reconcile: %w", err)
		}
		a.sweepSpecs[1] = sp.reconcile
	}
	return nil
}

func (a *App) rollover(ctx context.Context) error {
	n, err := a.alarms.Rollover(ctx)
	if n > 0 {
		a.log.Info("alarms rolled over", logx.Int("count", n))
	}
	return err
}

func (a *App) reconcile(ctx context.Context) error {
	n, err := a.alarms.Reconcile(ctx, time.Duration(a.reconcileAfter.Load()))
	if n > 0 {
		a.log.Info("stale tickets reconciled", logx.Int("count", n))
	}
	return err
}

// health is embedded in /healthz.
func (a *App) health() any {
	snap := a.engine.Snapshot()
	out := map[string]any{
		"engine": map[string]any{
			"workers":         snap.Workers,
			"queue_len":       snap.QueueLen,
			"queue_cap":       snap.QueueCap,
			"in_flight":       snap.InFlight,
			"dropped_full":    snap.DroppedFull,
			"dropped_expired": snap.DroppedExpired,
		},
		"pending_jobs": len(a.jobs.Pending()),
		"sweeps":       a.sweeps.Sweeps(),
	}
	if a.sup != nil {
		out["app"] = a.sup.Health()
	}
	if sup := a.engine.Supervisor(); sup != nil {
		out["engine_supervisor"] = sup.Health()
	}
	return out
}

// Alarms exposes the scheduler for embedding callers and tests.
func (a *App) Alarms() *alarm.Scheduler { return a.alarms }

// HTTPAddr is the bound listener address, empty until the server is up.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(ValidateConfig)
	}

	// Engine first: the queue re-arms persisted jobs into it on start.
	a.engine.Start(a.sup.Context())
	if err := a.jobs.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("dispatch queue: %w", err)
	}
	a.sweeps.Start(a.sup.Context())
	a.http.Start(a.sup.Context())
	// The webhook is the only way to acknowledge an alarm; if it cannot
	// serve, stop so the service manager restarts the process.
	a.sup.Go("http.fatal", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err := <-a.http.Fatal():
			return err
		}
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case newCfg, ok := <-sub:
					if !ok {
						return nil
					}
					// Coalesce bursts: keep only the latest config in the channel.
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(c, lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})

		// Watch heals its own fsnotify failures. A panic or an early return is
		// restarted a few times; losing hot reload never stops the app.
		a.sup.GoRestart("config.watch", a.cfgm.Watch,
			rtsup.WithStopOnCleanExit(false),
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithMaxRestarts(5),
		)
	}

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes a reloaded config into every live component. Sections
// that need a restart are reported and left as they are.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if a.alerts != nil {
		a.alerts.SetTarget(newCfg.Alerts.ChatID, newCfg.Alerts.ThreadID)
	}
	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if c, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, c)
	}
	if c, err := mapQueueConfig(newCfg); err == nil {
		a.jobs.Apply(c)
	}
	if c, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(c)
	}
	if c, err := mapDeliveryConfig(newCfg); err == nil {
		a.deliv.Apply(c)
	}
	if c, err := mapLedgerConfig(newCfg); err == nil {
		a.ledger.Apply(c)
	}
	if c, err := mapAlarmConfig(newCfg); err != nil {
		a.log.Warn("invalid escalation config; keeping previous", logx.Err(err))
	} else if err := a.alarms.Apply(c); err != nil {
		a.log.Warn("escalation config rejected; keeping previous", logx.Err(err))
	}
	a.resp.Apply(mapResponseConfig(newCfg))

	if sp, err := mapSweepsConfig(newCfg); err != nil {
		a.log.Warn("invalid sweeps config; keeping previous", logx.Err(err))
	} else {
		a.sweeps.Apply(sp.periodic)
		if err := a.registerSweeps(sp); err != nil {
			a.log.Warn("sweep reschedule failed", logx.Err(err))
		}
	}

	if c, err := mapHTTPConfig(newCfg); err == nil {
		a.http.Apply(c)
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Stop inbound traffic first, then the producers of work, then the
	// workers, then storage.
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "sweeps", 2*time.Second, func(c context.Context) error { a.sweeps.Stop(c); return nil })
	a.step(ctx, "queue", 1*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.step(ctx, "engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
