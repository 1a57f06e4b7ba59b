package dispatcher

import (
	"sort"
	"time"
)

type HistoryItem struct {
	Circuit    string        `json:"circuit"`
	Device     string        `json:"device"`
	Kind       string        `json:"kind"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// CircuitSnapshot is the per-circuit part of Snapshot.
type CircuitSnapshot struct {
	ID          string    `json:"id"`
	Pending     int       `json:"pending"`
	PendingKeys []string  `json:"pending_keys,omitempty"`
	Armed       bool      `json:"armed"`
	Firing      bool      `json:"firing"`
	NextWake    time.Time `json:"next_wake,omitempty"`
	NextAllowed time.Time `json:"next_allowed,omitempty"`
	LastRun     time.Time `json:"last_run,omitempty"`
	Dispatched  uint64    `json:"dispatched"`
	Failed      uint64    `json:"failed"`
	Offline     uint64    `json:"offline"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Name              string        `json:"name"`
	Running           bool          `json:"running"`
	MinInterval       time.Duration `json:"min_interval"`
	ConnectionRecheck time.Duration `json:"connection_recheck"`
	InFlight          int64         `json:"in_flight"`

	Inserted     uint64 `json:"inserted"`
	Replaced     uint64 `json:"replaced"`
	Ignored      uint64 `json:"ignored"`
	Dispatched   uint64 `json:"dispatched"`
	Failed       uint64 `json:"failed"`
	Removed      uint64 `json:"removed"`
	OfflineSkips uint64 `json:"offline_skips"`

	Circuits []CircuitSnapshot `json:"circuits"`
	History  []HistoryItem     `json:"history"`
}

// maxSnapshotKeys bounds PendingKeys per circuit.
const maxSnapshotKeys = 32

func (d *Dispatcher) Snapshot() Snapshot {
	s := Snapshot{
		Name:              d.cfg.Name,
		Running:           d.Running(),
		MinInterval:       d.cfg.MinInterval,
		ConnectionRecheck: d.cfg.ConnectionRecheck,
		InFlight:          d.inflight.Load(),
		Inserted:          d.inserted.Load(),
		Replaced:          d.replaced.Load(),
		Ignored:           d.ignored.Load(),
		Dispatched:        d.dispatched.Load(),
		Failed:            d.failed.Load(),
		Removed:           d.removed.Load(),
		OfflineSkips:      d.offlineSkips.Load(),
	}

	for _, c := range d.circuitList() {
		cs := CircuitSnapshot{
			ID:          string(c.id),
			Pending:     c.q.Len(),
			NextAllowed: c.q.NextAllowed(),
			Dispatched:  c.dispatched.Load(),
			Failed:      c.failed.Load(),
			Offline:     c.offline.Load(),
		}
		if n := c.lastRun.Load(); n != 0 {
			cs.LastRun = time.Unix(0, n)
		}
		keys := c.q.Keys()
		if len(keys) > maxSnapshotKeys {
			keys = keys[:maxSnapshotKeys]
		}
		for _, k := range keys {
			cs.PendingKeys = append(cs.PendingKeys, k.String())
		}
		c.mu.Lock()
		cs.Armed = c.armed
		cs.Firing = c.firing
		if c.armed {
			cs.NextWake = c.deadline
		}
		c.mu.Unlock()
		s.Circuits = append(s.Circuits, cs)
	}
	sort.Slice(s.Circuits, func(i, j int) bool { return s.Circuits[i].ID < s.Circuits[j].ID })

	d.hmu.Lock()
	s.History = make([]HistoryItem, len(d.history))
	copy(s.History, d.history)
	d.hmu.Unlock()
	return s
}
