package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"autochirp/internal/config"
	"autochirp/internal/dispatch"
	"autochirp/internal/eventbus"
	"autochirp/internal/metrics"
	"autochirp/internal/notifier"
	"autochirp/internal/observability/httpserver"
	"autochirp/internal/publisher"
	"autochirp/internal/runtime/supervisor"
	"autochirp/internal/scheduler"
	"autochirp/internal/storage"
	logx "autochirp/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	// fires runs per-message work. It never cancels on error, so one bad
	// message cannot stop the process.
	fires *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	pub     publisher.Publisher
	sched   *scheduler.Service
	disp    *dispatch.Dispatcher
	metrics *metrics.Metrics
	http    *httpserver.Service
	notif   *notifier.Service

	started time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logCfg, err := mapLoggingConfig(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}

	sc, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(context.Background(), sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	pc, err := mapPublisherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pub, err := publisher.Open(pc, log.With(logx.String("comp", "publisher")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	nc, tc, err := mapAlertsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sender, err := alertSender(nc, tc)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		pub:     pub,
		sched:   scheduler.New(scheduler.Config{Location: loc}, log.With(logx.String("comp", "scheduler"))),
		metrics: metrics.New(),
		notif:   notifier.New(nc, sender, log),
	}
	a.http = httpserver.New(mapHTTPConfig(cfg), httpserver.Handlers{
		Metrics: a.metrics.Handler(),
		Health:  a.Health,
		Status:  a.status,
	}, log)
	return a, nil
}

// Dispatcher is the admission interface for front-ends. It is nil before
// Start.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.fires = supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log.With(logx.String("comp", "fires"))))

	pol, err := mapPolicy(cfg)
	if err != nil {
		return err
	}
	disp, err := dispatch.New(dispatch.Options{
		Store:      a.store,
		Publisher:  a.pub,
		Timers:     a.sched,
		Supervisor: a.fires,
		Bus:        a.bus,
		Policy:     pol,
		Log:        a.log.With(logx.String("comp", "dispatch")),
	})
	if err != nil {
		return err
	}
	a.disp = disp
	a.sched.SetFireFunc(disp.Fire)

	a.metrics.GaugeFunc("armed_timers", "Timers currently armed.", func() float64 { return float64(a.sched.Len()) })
	a.metrics.GaugeFunc("inflight_fires", "Fires currently being processed.", func() float64 { return float64(disp.InFlight()) })
	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus) })
	a.notif.Start(a.sup.Context())
	a.sup.Go0("notifier.watch", func(c context.Context) { a.notif.Watch(c, a.bus) })

	events, unsub := a.bus.Subscribe(256)
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
				a.log.Debug("event",
					logx.String("kind", string(e.Kind)),
					logx.Int64("user", e.UserID),
					logx.Int64("msg", e.MessageID),
					logx.Int("attempt", e.Attempt),
				)
			}
		}
	})

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if err := a.sched.AddCron("reconcile", mapReconcileSpec(cfg), a.reconcile); err != nil {
		return fmt.Errorf("scheduler.reconcile: %w", err)
	}
	a.sched.Start(a.sup.Context())

	n, err := disp.Recover(ctx)
	if err != nil {
		return err
	}
	a.refreshPending(ctx)
	a.http.Start(a.sup.Context())

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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("armed", n), logx.String("pending", humanize.Comma(a.pendingCount(ctx))))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if lc, err := mapLoggingConfig(next); err != nil {
		a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
	} else {
		a.logs.Apply(lc)
	}
	if pol, err := mapPolicy(next); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.ApplyPolicy(pol)
	}
	a.http.Reconfigure(ctx, mapHTTPConfig(next))
	if slices.Contains(sections, "alerts") {
		a.applyAlerts(ctx, next)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyAlerts(ctx context.Context, cfg *config.Config) {
	nc, tc, err := mapAlertsConfig(cfg)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		return
	}
	sender, err := alertSender(nc, tc)
	if err != nil {
		a.log.Warn("alerts sender unavailable; keeping previous", logx.Err(err))
		return
	}
	was := a.notif.Enabled()
	a.notif.Apply(nc, sender)
	switch {
	case was && !nc.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !was && nc.Enabled:
		a.notif.Start(a.sup.Context())
	}
}

func (a *App) reconcile(ctx context.Context) {
	n, err := a.disp.Reconcile(ctx)
	if err != nil {
		a.log.Warn("reconcile failed", logx.Err(err))
		return
	}
	a.refreshPending(ctx)
	if n > 0 {
		a.log.Info("reconcile picked up tweets", logx.String("armed", humanize.Comma(int64(n))))
	}
}

func (a *App) pendingCount(ctx context.Context) int64 {
	n, err := a.store.CountPending(ctx)
	if err != nil {
		a.log.Warn("count pending failed", logx.Err(err))
		return 0
	}
	return n
}

func (a *App) refreshPending(ctx context.Context) {
	a.metrics.SetPending(a.pendingCount(ctx))
}

// Health reports whether the app can fire tweets.
func (a *App) Health(ctx context.Context) error {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return errors.New("not running")
	}
	return a.store.Ping(ctx)
}

type statusView struct {
	Uptime     string                      `json:"uptime"`
	Started    time.Time                   `json:"started"`
	Armed      int                         `json:"armed"`
	InFlight   int                         `json:"in_flight"`
	NextDue    []scheduler.Ref             `json:"next_due,omitempty"`
	Goroutines int64                       `json:"goroutines"`
	Workers    []supervisor.GoroutineStats `json:"workers,omitempty"`
	Alerts     []notifier.HistoryItem      `json:"alerts,omitempty"`
}

func (a *App) status() any {
	v := statusView{
		Uptime:  humanize.RelTime(a.started, time.Now(), "", ""),
		Started: a.started,
		Armed:   a.sched.Len(),
	}
	if a.disp != nil {
		v.InFlight = a.disp.InFlight()
	}
	if snap := a.sched.Snapshot(); len(snap) > 0 {
		v.NextDue = snap[:min(len(snap), 10)]
	}
	if a.sup != nil {
		v.Goroutines = a.sup.Counters().Active
		v.Workers = a.sup.Stats()
	}
	if a.fires != nil {
		v.Goroutines += a.fires.Counters().Active
		v.Workers = append(v.Workers, a.fires.Stats()...)
	}
	v.Alerts = a.notif.Snapshot()
	return v
}

// ShutdownTimeout is the configured upper bound for Stop.
func (a *App) ShutdownTimeout() time.Duration {
	d, err := mapShutdownTimeout(a.cfgm.Get())
	if err != nil {
		return 15 * time.Second
	}
	return d
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Timers go first so nothing new starts firing.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "dispatch.drain", 10*time.Second, func(c context.Context) error {
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		for a.disp != nil && a.disp.InFlight() > 0 {
			select {
			case <-c.Done():
				return fmt.Errorf("%d fires still in flight: %w", a.disp.InFlight(), c.Err())
			case <-t.C:
			}
		}
		return nil
	})

	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.step(ctx, "fires", 2*time.Second, func(c context.Context) error { return a.fires.Stop(c) })

	a.sup.Cancel()

	a.step(ctx, "http", 1*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "resources", 1*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if c, ok := a.pub.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context; a step that overruns is
// logged when it eventually returns.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
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
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
