package app

import (
	"context"
	"time"

	"circuitpoll/internal/eventbus"
	"circuitpoll/internal/inventory"
	"circuitpoll/internal/poll/scheduler"
	"circuitpoll/internal/refresh"
	"circuitpoll/internal/runtime/supervisor"
	"circuitpoll/internal/storage"
	logx "circuitpoll/pkg/logx"
)

const snapshotHistory = 20

// Snapshot is the JSON document served on /debug/scheduler.
type Snapshot struct {
	StartedAt     time.Time             `json:"started_at"`
	Uptime        string                `json:"uptime"`
	Healthy       bool                  `json:"healthy"`
	Schedulers    []scheduler.Snapshot  `json:"schedulers"`
	Triggers      []refresh.TriggerInfo `json:"triggers"`
	Devices       []inventory.View      `json:"devices"`
	Supervisor    *supervisor.Snapshot  `json:"supervisor,omitempty"`
	EventsDropped uint64                `json:"events_dropped"`
	Simulation    SimulationStats       `json:"simulation"`
	History       []storage.Record      `json:"history,omitempty"`
}

type SimulationStats struct {
	Calls       uint64 `json:"calls"`
	Failures    uint64 `json:"failures"`
	ProbeChecks uint64 `json:"probe_checks"`
}

func (a *App) Snapshot(ctx context.Context) Snapshot {
	out := Snapshot{
		StartedAt:     a.startedAt,
		Healthy:       a.Health() == nil,
		Schedulers:    []scheduler.Snapshot{a.sensor.Snapshot(), a.scene.Snapshot()},
		Triggers:      a.refresh.Snapshot(),
		Devices:       a.inv.Snapshot(),
		EventsDropped: eventbus.Dropped(a.bus),
		Simulation: SimulationStats{
			Calls:       a.client.Calls(),
			Failures:    a.client.Failures(),
			ProbeChecks: a.probe.Checks(),
		},
	}
	if !a.startedAt.IsZero() {
		out.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.sup != nil {
		s := a.sup.Snapshot()
		out.Supervisor = &s
	}
	if a.store != nil {
		hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		recs, err := a.store.RecentDispatches(hctx, snapshotHistory)
		cancel()
		if err != nil {
			a.log.Warn("dispatch history read failed", logx.Err(err))
		}
		out.History = recs
	}
	return out
}
