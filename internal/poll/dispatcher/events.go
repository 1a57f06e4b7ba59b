package dispatcher

import (
	"time"

	"circuitpoll/internal/eventbus"
)

const (
	EventJobQueued       = "job.queued"
	EventJobReplaced     = "job.replaced"
	EventJobDispatched   = "job.dispatched"
	EventJobFailed       = "job.failed"
	EventJobRemoved      = "job.removed"
	EventDispatchOffline = "dispatch.offline"
)

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	Scheduler  string        `json:"scheduler"`
	Circuit    string        `json:"circuit"`
	Device     string        `json:"device,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	Tier       string        `json:"tier,omitempty"`
	Readiness  time.Time     `json:"readiness,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Removed    int           `json:"removed,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (d *Dispatcher) publish(typ string, at time.Time, ev JobEvent) {
	if d.bus == nil {
		return
	}
	ev.Scheduler = d.cfg.Name
	d.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
