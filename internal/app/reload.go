package app

import (
	"context"
	"strings"

	"circuitpoll/internal/config"
	"circuitpoll/internal/inventory"
	"circuitpoll/internal/poll/scheduler"
	logx "circuitpoll/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable parts of newCfg into the running
// components. Scheduler timing and storage need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	if oldCfg == nil {
		oldCfg = &config.Config{}
	}
	sections, attrs, devChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(newCfg.Logging.Logx())

	if len(devChanged) > 0 {
		res := a.inv.Sync(newCfg.InventoryDevices(), a.dropDeviceJobs)
		a.log.Info("devices synced",
			logx.Int("added", res.Added),
			logx.Int("removed", res.Removed),
			logx.Int("updated", res.Updated),
		)
	}

	a.refresh.Apply(newCfg.RefreshConfig())

	if dc, err := newCfg.DiagConfig(); err != nil {
		a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	a.probe.SetOnline(newCfg.Simulation.IsOnline())
	oldSim, _ := oldCfg.Simulation.Simulate()
	newSim, _ := newCfg.Simulation.Simulate()
	if oldSim != newSim {
		a.log.Warn("simulation timing changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded", fields...)
}

// dropDeviceJobs discards pending reads for a device leaving the inventory
// or moving to another circuit. It runs while the device still resolves to
// its old circuit.
func (a *App) dropDeviceJobs(dev inventory.Device) {
	for _, s := range []*scheduler.Scheduler{a.sensor, a.scene} {
		n, err := s.RemoveSensorJobs(dev.ID)
		if err != nil {
			a.log.Warn("pending job removal failed", logx.String("scheduler", s.Name()), logx.String("device", string(dev.ID)), logx.Err(err))
			continue
		}
		if n > 0 {
			a.log.Info("pending jobs removed", logx.String("scheduler", s.Name()), logx.String("device", string(dev.ID)), logx.Int("removed", n))
		}
	}
}
