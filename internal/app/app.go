package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"medbot/internal/appointment"
	"medbot/internal/config"
	"medbot/internal/eventbus"
	"medbot/internal/jobs"
	"medbot/internal/notify"
	"medbot/internal/ops"
	"medbot/internal/records"
	"medbot/internal/reminder"
	rtsup "medbot/internal/runtime/supervisor"
	"medbot/internal/storage"
	"medbot/internal/task/engine"
	"medbot/internal/timezone"
	"medbot/internal/transport"
	"medbot/internal/transport/console"
	"medbot/internal/transport/telegram"
	logx "medbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sender       transport.Sender
	engine       *engine.Service
	registry     *jobs.Registry
	tz           *timezone.Resolver
	dispatcher   *notify.Dispatcher
	reminders    *reminder.Scheduler
	appointments *appointment.Scheduler
	records      *records.Service
	ops          *ops.Server

	ready atomic.Bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	// Nothing below has started yet; a failure only releases the store and log file.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	var sender transport.Sender
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		log.Warn("telegram.token is empty; notifications go to the console sender")
		sender = console.New(log.With(logx.String("comp", "console")))
	} else {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return fail(err)
		}
		tg, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(err)
		}
		sender = tg
	}

	ec, err := mapEngine(cfg)
	if err != nil {
		return fail(err)
	}
	eng := engine.New(ec, log.With(logx.String("comp", "taskengine")), bus)

	rc, err := mapRegistry(cfg)
	if err != nil {
		return fail(err)
	}
	reg := jobs.New(rc, eng, log.With(logx.String("comp", "jobs")), bus)

	tz, err := timezone.NewResolver(cfg.Scheduler.TimezoneAliases)
	if err != nil {
		return fail(err)
	}

	nc, err := mapNotifier(cfg)
	if err != nil {
		return fail(err)
	}
	disp := notify.New(nc, sender, log.With(logx.String("comp", "notify")), bus, store)

	rem := reminder.New(mapReminder(cfg), reg, tz, disp, store, store, log.With(logx.String("comp", "reminder")))
	ac, err := mapAppointment(cfg)
	if err != nil {
		return fail(err)
	}
	appt := appointment.New(ac, reg, tz, disp, store, log.With(logx.String("comp", "appointment")))
	recs := records.New(store, rem, appt, log.With(logx.String("comp", "records")))

	a := &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		sender:       sender,
		engine:       eng,
		registry:     reg,
		tz:           tz,
		dispatcher:   disp,
		reminders:    rem,
		appointments: appt,
		records:      recs,
	}
	router := ops.NewRouter(ops.Deps{
		Jobs:       reg,
		Engine:     eng,
		History:    disp,
		DeliveryDB: store,
		Records:    recs,
		Recover:    a.RecoverAll,
		Ready:      a.ready.Load,
		Log:        log.With(logx.String("comp", "ops")),
	})
	a.ops = ops.NewServer(mapOps(cfg), router, log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) Records() *records.Service      { return a.records }
func (a *App) Registry() *jobs.Registry       { return a.registry }
func (a *App) Dispatcher() *notify.Dispatcher { return a.dispatcher }
func (a *App) Ready() bool                    { return a.ready.Load() }

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

// RecoverAll rebuilds triggers for every active reminder and appointment.
// It is idempotent: each entity's jobs are replaced, never duplicated.
func (a *App) RecoverAll(ctx context.Context) ([]jobs.RecoveryReport, error) {
	var errs []error
	reports := make([]jobs.RecoveryReport, 0, 2)

	rr, err := a.reminders.Recover(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reminders: %w", err))
	}
	reports = append(reports, rr)

	ar, err := a.appointments.Recover(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("appointments: %w", err))
	}
	reports = append(reports, ar)

	for _, r := range reports {
		fields := []logx.Field{
			logx.String("kind", r.Kind),
			logx.Int("loaded", r.Loaded),
			logx.Int("scheduled", r.Scheduled),
			logx.Int("jobs", r.Jobs),
			logx.Int("failures", len(r.Failures)),
		}
		if len(r.Failures) > 0 {
			a.log.Warn("recovery finished with failures", append(fields, logx.Any("failed", r.Failures))...)
		} else {
			a.log.Info("recovery finished", fields...)
		}
	}
	return reports, errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: Validate has already run, this adds the
	// checks that need live components.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := timezone.NewResolver(cfg.Scheduler.TimezoneAliases); err != nil {
			return err
		}
		if _, err := mapAppointment(cfg); err != nil {
			return err
		}
		_, err := mapNotifier(cfg)
		return err
	})

	a.engine.Start(a.sup.Context())
	a.registry.Start(a.sup.Context())

	reports, err := a.RecoverAll(a.sup.Context())
	if err != nil {
		// Storage unreadable at boot: nothing would ever fire.
		return fmt.Errorf("startup recovery: %w", err)
	}
	a.ready.Store(true)
	a.notifyAdmin(a.sup.Context(), reports)

	a.ops.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					logEvent(a.log, e)
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("jobs", a.registry.Len()))
	return nil
}

// logEvent traces the per-task chatter and logs the rest at debug.
func logEvent(log logx.Logger, e eventbus.Event) {
	if eventbus.Is(e, "task") {
		log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
}

// applyConfig pushes a validated config into the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch, attrs := config.Summarize(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(ch.Sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	if len(ch.RestartOnly) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(ch.RestartOnly, ",")))
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogging(newCfg))
	}

	if ch.Has("scheduler") {
		if err := a.tz.SetAliases(newCfg.Scheduler.TimezoneAliases); err != nil {
			a.log.Warn("invalid timezone aliases; keeping previous", logx.Err(err))
		}
		if rc, err := mapRegistry(newCfg); err == nil {
			a.registry.SetMaxJobs(rc.MaxJobs)
		}
		a.reminders.SetConfig(mapReminder(newCfg))
		if ac, err := mapAppointment(newCfg); err != nil {
			a.log.Warn("invalid appointment offsets; keeping previous", logx.Err(err))
		} else {
			a.appointments.SetConfig(ac)
		}
	}

	if ch.Has("notifier") {
		if nc, err := mapNotifier(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.dispatcher.Apply(nc)
		}
	}

	if ch.Has("ops") {
		a.ops.Reconfigure(ctx, mapOps(newCfg))
	}

	if ch.Reschedule {
		a.log.Info("scheduling inputs changed; rebuilding triggers")
		if _, err := a.RecoverAll(ctx); err != nil {
			a.log.Error("reschedule after reload failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

// notifyAdmin sends a one-line recovery summary to telegram.admin_chat_id.
func (a *App) notifyAdmin(ctx context.Context, reports []jobs.RecoveryReport) {
	chatID := a.cfgm.Get().Telegram.AdminChatID
	if chatID == 0 {
		return
	}
	parts := make([]string, 0, len(reports))
	for _, r := range reports {
		parts = append(parts, r.String())
	}
	text := "medbot started: " + strings.Join(parts, "; ")
	a.dispatcher.Dispatch(notify.WithSubject(ctx, "admin:startup"), chatID, text)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.ready.Store(false)
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Order: stop accepting ops writes, stop arming triggers, drain fires,
	// then close storage the fires write into.
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("registry", 2*time.Second, func(c context.Context) error { a.registry.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
