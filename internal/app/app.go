// Package app wires configuration, logging, schedulers, refresh triggers,
// storage and diagnostics into one service and runs its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"circuitpoll/internal/config"
	"circuitpoll/internal/eventbus"
	"circuitpoll/internal/inventory"
	"circuitpoll/internal/metrics"
	"circuitpoll/internal/observability/diag"
	"circuitpoll/internal/poll/dispatcher"
	"circuitpoll/internal/poll/scheduler"
	"circuitpoll/internal/refresh"
	"circuitpoll/internal/runtime/supervisor"
	"circuitpoll/internal/simulate"
	"circuitpoll/internal/storage"
	logx "circuitpoll/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	reg   *prometheus.Registry
	store storage.Store

	inv     *inventory.Inventory
	client  *simulate.Client
	probe   *simulate.Probe
	session *simulate.Session

	sensor  *scheduler.Scheduler
	scene   *scheduler.Scheduler
	refresh *refresh.Service
	diag    *diag.Service

	startedAt time.Time
}

// NewApp loads and validates the config at cfgPath and builds every
// component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(reg)

	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		log.Info("dispatch history storage enabled", logx.String("driver", sc.Driver))
	}
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	inv := inventory.New(cfg.InventoryDevices()...)

	simCfg, err := cfg.Simulation.Simulate()
	if err != nil {
		return fail(err)
	}
	client := simulate.NewClient(simCfg)
	probe := simulate.NewProbe(cfg.Simulation.IsOnline())
	session := simulate.NewSession()
	deps := scheduler.Deps{Client: client, Probe: probe, Session: session, Directory: inv}

	opts := []dispatcher.Option{dispatcher.WithMetrics(mc)}
	if store != nil {
		opts = append(opts, dispatcher.WithHistoryStore(store))
	}

	sensorCfg, err := cfg.SensorScheduler.Scheduler("sensor_scheduler", config.DefaultSensorScheduler)
	if err != nil {
		return fail(err)
	}
	sensor, err := scheduler.NewSensorScheduler(sensorCfg, deps, root, bus, opts...)
	if err != nil {
		return fail(err)
	}
	sceneCfg, err := cfg.SceneScheduler.Scheduler("scene_scheduler", config.DefaultSceneScheduler)
	if err != nil {
		return fail(err)
	}
	scene, err := scheduler.NewSceneReadingScheduler(sceneCfg, deps, root, bus, opts...)
	if err != nil {
		return fail(err)
	}

	ref := refresh.New(cfg.RefreshConfig(), inv, map[string]refresh.Target{
		sensor.Name(): sensor,
		scene.Name():  scene,
	}, root)

	dc, err := cfg.DiagConfig()
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		reg:     reg,
		store:   store,
		inv:     inv,
		client:  client,
		probe:   probe,
		session: session,
		sensor:  sensor,
		scene:   scene,
		refresh: ref,
	}
	a.diag = diag.New(dc, diag.Sources{
		Gatherer: reg,
		Snapshot: func() any { return a.Snapshot(context.Background()) },
		Health:   a.Health,
	}, root)
	return a, nil
}

func (a *App) Sensor() *scheduler.Scheduler    { return a.sensor }
func (a *App) Scene() *scheduler.Scheduler     { return a.scene }
func (a *App) Inventory() *inventory.Inventory { return a.inv }
func (a *App) Probe() *simulate.Probe          { return a.probe }
func (a *App) Diag() *diag.Service             { return a.diag }
func (a *App) Registry() *prometheus.Registry  { return a.reg }

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

// Health reports an error while the service is not fully dispatching.
func (a *App) Health() error {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return errors.New("app not running")
	}
	var down []string
	for _, s := range []*scheduler.Scheduler{a.sensor, a.scene} {
		if !s.Running() {
			down = append(down, s.Name())
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("scheduler not running: %s", strings.Join(down, ","))
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Parse already ran Validate; only reject what cannot be applied live.
		if _, err := cfg.DiagConfig(); err != nil {
			return err
		}
		return nil
	})

	a.sensor.Start(runCtx)
	a.scene.Start(runCtx)
	a.refresh.Start(runCtx)
	a.diag.Start(runCtx)

	events, unsub := a.bus.Subscribe(256)
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
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("devices", a.inv.Len()),
		logx.String("config", a.cfgm.Path()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.stopStep(ctx, "refresh", 2*time.Second, func(c context.Context) error { a.refresh.Stop(c); return nil })
	// Stop disarms timers; Wait lets reads already on the wire finish.
	a.stopStep(ctx, "schedulers", 5*time.Second, func(c context.Context) error {
		a.sensor.Stop()
		a.scene.Stop()
		return errors.Join(a.sensor.Wait(c), a.scene.Wait(c))
	})
	a.stopStep(ctx, "diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.stopStep(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.stopStep(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
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
