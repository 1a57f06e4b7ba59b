package dispatcher

import (
	"time"

	"circuitpoll/internal/metrics"
	"circuitpoll/internal/poll/job"
	"circuitpoll/internal/storage"
)

// Config controls one dispatcher instance.
type Config struct {
	// Name labels logs, events and metrics ("sensor", "scene").
	Name string

	// MinInterval is the minimum spacing between two dispatches on one circuit.
	MinInterval time.Duration

	// ConnectionRecheck is how long a circuit waits before retrying after the
	// connectivity probe reported the server unreachable. 0 means MinInterval.
	ConnectionRecheck time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.ConnectionRecheck <= 0 {
		c.ConnectionRecheck = c.MinInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Deps are the boundary collaborators used while dispatching. Any of them may
// be nil: a nil Probe is treated as always online and a nil Session yields an
// empty token.
type Deps struct {
	Client  job.APIClient
	Probe   job.ConnectivityProbe
	Session job.SessionProvider
}

type Option func(*Dispatcher)

// WithMetrics records dispatcher activity on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHistoryStore appends every completed dispatch to st.
func WithHistoryStore(st storage.Store) Option {
	return func(d *Dispatcher) { d.store = st }
}

// WithClock overrides time.Now. Timers still run on the real clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}
