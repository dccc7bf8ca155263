package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"droidsched/internal/config"
	"droidsched/internal/device"
	"droidsched/internal/dispatch"
	"droidsched/internal/eventbus"
	rtsup "droidsched/internal/runtime/supervisor"
	"droidsched/internal/storage"
	"droidsched/internal/task"
	"droidsched/internal/trigger"
	logx "droidsched/pkg/logx"
)

// App assembles the whole scheduler: config, logging, storage, device pool,
// queue, dispatcher and cron triggers.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store

	pool  *device.Pool
	queue *task.Queue
	disp  *dispatch.Service
	trig  *trigger.Service

	// trigOn mirrors the last applied trigger.enabled flag. Written from
	// Start and the single config.reload goroutine only.
	trigOn bool

	sup *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	durs, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.Storage != nil {
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: durs.StorageBusy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
	}

	prober := buildProber(cfg.Pool, durs.ProbeTimeout)
	pool := device.NewPool(prober, log.With(logx.String("comp", "pool")))
	queue := task.NewQueue(task.DefaultHistorySize)

	exec := buildExecutor(cfg.Agent, durs.AgentTimeout)
	disp := dispatch.New(dispatchConfig(cfg, durs), pool, queue, exec, log, bus)

	trig := trigger.New(trigger.Config{
		Enabled:  cfg.Trigger.Enabled,
		Timezone: cfg.Trigger.Timezone,
	}, disp.SubmitJob, log, bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   store,
		pool:    pool,
		queue:   queue,
		disp:    disp,
		trig:    trig,
	}

	if store != nil {
		disp.OnJobComplete(a.archiveJob)
	}
	return a, nil
}

// Dispatch exposes the dispatcher for callers embedding the app.
func (a *App) Dispatch() *dispatch.Service { return a.disp }

// Triggers exposes the trigger service.
func (a *App) Triggers() *trigger.Service { return a.trig }

// Pool exposes the device pool.
func (a *App) Pool() *device.Pool { return a.pool }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	for _, id := range cfg.Devices {
		if err := a.pool.Add(runCtx, id); err != nil {
			a.log.Warn("device registration failed", logx.String("device", id), logx.Err(err))
		}
	}

	a.disp.Start(runCtx)

	if err := a.seedTemplates(runCtx, cfg); err != nil {
		return err
	}
	if cfg.Trigger.Enabled {
		a.trig.Start()
	}
	a.trigOn = cfg.Trigger.Enabled

	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(c, cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts; only the newest snapshot matters.
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
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("devices", len(cfg.Devices)), logx.Bool("trigger", cfg.Trigger.Enabled))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Triggers first so nothing new lands in the queue, then the dispatcher,
	// then background loops and storage.
	step("trigger", 2*time.Second, func(context.Context) error { a.trig.Stop(); return nil })
	step("dispatch", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })

	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}

	if a.store != nil {
		step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// seedTemplates restores persisted schedule templates, then layers config
// templates on top. A config template with the same id replaces the stored
// one.
func (a *App) seedTemplates(ctx context.Context, cfg *config.Config) error {
	if a.store != nil {
		stored, err := a.store.ListTemplates(ctx)
		if err != nil {
			return fmt.Errorf("restore templates: %w", err)
		}
		for _, t := range stored {
			if _, err := a.trig.Add(t); err != nil {
				a.log.Warn("stored template rejected", logx.String("id", t.ID), logx.Err(err))
			}
		}
		if len(stored) > 0 {
			a.log.Info("templates restored", logx.Int("count", len(stored)))
		}
	}

	for i, tc := range cfg.Templates {
		timeout, err := tc.ParseTimeout()
		if err != nil {
			return fmt.Errorf("templates[%d] (%s): %w", i, tc.Name, err)
		}
		tpl := trigger.Template{
			ID:         tc.ID,
			Name:       tc.Name,
			Task:       tc.Task,
			Spec:       tc.Spec,
			DeviceID:   tc.DeviceID,
			MaxRetries: tc.MaxRetries,
			Timeout:    timeout,
		}
		id, err := a.trig.Add(tpl)
		if err != nil {
			return fmt.Errorf("templates[%d] (%s): %w", i, tc.Name, err)
		}
		if a.store != nil {
			tpl.ID = id
			if err := a.store.SaveTemplate(ctx, tpl); err != nil {
				a.log.Warn("template persist failed", logx.String("id", id), logx.Err(err))
			}
		}
	}
	return nil
}

// archiveJob is the dispatcher's completion callback when storage is enabled.
func (a *App) archiveJob(j *task.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.AppendJob(ctx, storage.RecordJob(j)); err != nil {
		a.log.Warn("job archive failed", logx.String("job", j.ID), logx.Err(err))
	}
}

// applyConfig pushes a validated hot-reload snapshot into the live services.
// Device list and template changes take effect; storage driver changes need a
// restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if durs, err := cfg.ParseDurations(); err == nil {
		a.disp.Apply(dispatchConfig(cfg, durs))
	} else {
		a.log.Warn("dispatch config not applied", logx.Err(err))
	}

	a.trig.Apply(trigger.Config{
		Enabled:  cfg.Trigger.Enabled,
		Timezone: cfg.Trigger.Timezone,
	})
	switch {
	case a.trigOn && !cfg.Trigger.Enabled:
		a.log.Info("trigger disabled via config")
		a.trig.Stop()
	case !a.trigOn && cfg.Trigger.Enabled:
		a.log.Info("trigger enabled via config")
		a.trig.Start()
	}
	a.trigOn = cfg.Trigger.Enabled

	a.syncDevices(ctx, cfg.Devices)

	if err := a.seedTemplates(ctx, cfg); err != nil {
		a.log.Warn("template reseed failed", logx.Err(err))
	}

	a.log.Info("config applied")
}

// syncDevices reconciles the pool with the configured serial list. Busy
// devices slated for removal are left alone and retried on the next reload.
func (a *App) syncDevices(ctx context.Context, want []string) {
	wanted := map[string]bool{}
	for _, id := range want {
		wanted[strings.TrimSpace(id)] = true
	}

	for _, d := range a.pool.List() {
		if wanted[d.ID] {
			delete(wanted, d.ID)
			continue
		}
		if err := a.pool.Remove(d.ID); err != nil {
			a.log.Warn("device removal deferred", logx.String("device", d.ID), logx.Err(err))
		} else {
			a.log.Info("device removed via config", logx.String("device", d.ID))
		}
	}
	for id := range wanted {
		if err := a.pool.Add(ctx, id); err != nil {
			a.log.Warn("device registration failed", logx.String("device", id), logx.Err(err))
		} else {
			a.log.Info("device added via config", logx.String("device", id))
		}
	}
}
