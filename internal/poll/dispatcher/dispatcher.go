// Package dispatcher drains per-circuit job queues.
//
// Every circuit owns one timer. The timer is armed while the circuit's queue
// holds jobs and is torn down as soon as it drains; the next insertion arms
// it again. A timer fire dispatches at most one job and executes it on the
// timer goroutine, so a slow read only delays its own circuit.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"circuitpoll/internal/eventbus"
	"circuitpoll/internal/metrics"
	"circuitpoll/internal/poll/job"
	"circuitpoll/internal/poll/queue"
	"circuitpoll/internal/storage"
	logx "circuitpoll/pkg/logx"
)

const offlineWarnEvery = 30 * time.Second

type Dispatcher struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Collector
	store   storage.Store
	now     func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context

	regMu    sync.Mutex
	circuits map[job.CircuitID]*circuit

	hmu     sync.Mutex
	history []HistoryItem

	inflight atomic.Int64

	inserted     atomic.Uint64
	replaced     atomic.Uint64
	ignored      atomic.Uint64
	dispatched   atomic.Uint64
	failed       atomic.Uint64
	removed      atomic.Uint64
	offlineSkips atomic.Uint64

	offlineWarn rate.Sometimes
}

type circuit struct {
	id job.CircuitID
	q  *queue.Queue

	mu       sync.Mutex
	timer    *time.Timer
	armed    bool
	firing   bool
	deadline time.Time
	gen      uint64
	queuedAt map[job.Key]time.Time

	// notBefore holds the timer back after an offline tick until the
	// connectivity recheck is due, whoever arms it next.
	notBefore time.Time

	dispatched atomic.Uint64
	failed     atomic.Uint64
	offline    atomic.Uint64
	lastRun    atomic.Int64 // unix nano
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:         cfg,
		deps:        deps,
		log:         log.With(logx.String("comp", "dispatcher"), logx.String("scheduler", cfg.Name)),
		bus:         bus,
		now:         time.Now,
		ctx:         context.Background(),
		circuits:    make(map[job.CircuitID]*circuit),
		offlineWarn: rate.Sometimes{First: 1, Interval: offlineWarnEvery},
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

func (d *Dispatcher) Name() string { return d.cfg.Name }

// Start arms the timers of every circuit that already holds jobs. Start is
// idempotent. ctx only carries values into Execute; cancelling it does not
// abort reads.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx = context.WithoutCancel(ctx)
	d.mu.Unlock()

	armed := 0
	for _, c := range d.circuitList() {
		if !c.q.IsEmpty() {
			d.schedule(c, 0)
			armed++
		}
	}
	d.log.Info("dispatcher started",
		logx.Duration("min_interval", d.cfg.MinInterval),
		logx.Int("circuits_armed", armed),
	)
}

// Stop disarms all timers. Pending jobs stay queued and a read that is
// already executing runs to completion. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	for _, c := range d.circuitList() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.armed = false
		c.gen++
		c.mu.Unlock()
		d.metrics.SetArmed(d.cfg.Name, string(c.id), false)
	}
	d.log.Info("dispatcher stopped", logx.Int64("in_flight", d.inflight.Load()))
}

// Wait blocks until no job is executing or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d.inflight.Load() == 0 {
		return nil
	}
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if d.inflight.Load() == 0 {
				return nil
			}
		}
	}
}

func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Insert queues j on its circuit, creating the circuit on first use. tier
// only labels logs, events and metrics.
func (d *Dispatcher) Insert(j job.Job, tier string) (queue.InsertResult, error) {
	if j == nil {
		return queue.Ignored, ErrNilJob
	}
	return d.InsertAt(j, j.ReadinessTimestamp(), tier)
}

// InsertAt is Insert with an explicit readiness. The job is stamped with at
// only if its circuit queue accepts it.
func (d *Dispatcher) InsertAt(j job.Job, at time.Time, tier string) (queue.InsertResult, error) {
	if j == nil {
		return queue.Ignored, ErrNilJob
	}
	cid := j.CircuitID()
	if cid == "" {
		return queue.Ignored, ErrUnknownCircuit
	}
	c := d.circuitFor(cid)
	now := d.now()
	key := j.Key()

	// queuedAt is written before the job becomes visible so a concurrent fire
	// always finds it.
	c.mu.Lock()
	_, had := c.queuedAt[key]
	if !had {
		c.queuedAt[key] = now
	}
	c.mu.Unlock()

	res := c.q.InsertAt(j, at)
	if res == queue.Ignored && !had {
		c.mu.Lock()
		delete(c.queuedAt, key)
		c.mu.Unlock()
	}

	ev := JobEvent{
		Circuit:   string(cid),
		Device:    string(key.Device),
		Kind:      string(key.Kind),
		Tier:      tier,
		Readiness: at,
	}
	switch res {
	case queue.Added:
		d.inserted.Add(1)
		d.publish(EventJobQueued, now, ev)
	case queue.Replaced:
		d.replaced.Add(1)
		d.publish(EventJobReplaced, now, ev)
	default:
		d.ignored.Add(1)
	}
	d.metrics.RecordInsert(d.cfg.Name, string(cid), tier, res.String())
	d.metrics.SetPending(d.cfg.Name, string(cid), c.q.Len())

	if d.log.Enabled(logx.LevelTrace) {
		d.log.Trace("job insert",
			logx.String("circuit", string(cid)),
			logx.Stringer("job", key),
			logx.String("tier", tier),
			logx.Stringer("result", res),
		)
	}

	if res != queue.Ignored {
		d.schedule(c, 0)
	}
	return res, nil
}

// RemoveJobsForDevice drops all pending jobs of device on circuit. A job that
// is already executing is not affected.
func (d *Dispatcher) RemoveJobsForDevice(cid job.CircuitID, device job.DeviceID) int {
	c := d.lookup(cid)
	if c == nil {
		return 0
	}
	n := c.q.RemoveJobsForDevice(device)

	c.mu.Lock()
	for k := range c.queuedAt {
		if k.Device == device {
			delete(c.queuedAt, k)
		}
	}
	c.mu.Unlock()

	if n > 0 {
		d.removed.Add(uint64(n))
		d.metrics.RecordRemoved(d.cfg.Name, string(cid), n)
		d.publish(EventJobRemoved, d.now(), JobEvent{Circuit: string(cid), Device: string(device), Removed: n})
		d.log.Debug("device jobs removed",
			logx.String("circuit", string(cid)),
			logx.String("device", string(device)),
			logx.Int("removed", n),
		)
	}
	d.metrics.SetPending(d.cfg.Name, string(cid), c.q.Len())
	d.schedule(c, 0)
	return n
}

// Pending reports the number of queued jobs on cid.
func (d *Dispatcher) Pending(cid job.CircuitID) int {
	c := d.lookup(cid)
	if c == nil {
		return 0
	}
	return c.q.Len()
}

func (d *Dispatcher) circuitFor(cid job.CircuitID) *circuit {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	c := d.circuits[cid]
	if c == nil {
		c = &circuit{
			id:       cid,
			q:        queue.New(d.cfg.MinInterval),
			queuedAt: make(map[job.Key]time.Time),
		}
		d.circuits[cid] = c
		d.log.Debug("circuit registered", logx.String("circuit", string(cid)))
	}
	return c
}

func (d *Dispatcher) lookup(cid job.CircuitID) *circuit {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	return d.circuits[cid]
}

func (d *Dispatcher) circuitList() []*circuit {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	out := make([]*circuit, 0, len(d.circuits))
	for _, c := range d.circuits {
		out = append(out, c)
	}
	return out
}

// schedule arms, pulls forward or tears down c's timer to match its queue.
// floor is a lower bound on the wait (used for the connectivity recheck).
func (d *Dispatcher) schedule(c *circuit, floor time.Duration) {
	if !d.Running() {
		return
	}
	now := d.now()
	wait, ok := c.q.PeekNextWake(now)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firing {
		// the fire in progress reschedules when it finishes
		return
	}
	if !ok {
		if c.armed {
			c.timer.Stop()
			c.armed = false
			c.gen++
			d.metrics.SetArmed(d.cfg.Name, string(c.id), false)
		}
		return
	}
	if wait < floor {
		wait = floor
	}
	if nb := c.notBefore; nb.After(now.Add(wait)) {
		wait = nb.Sub(now)
	}
	deadline := now.Add(wait)
	if c.armed {
		if !deadline.Before(c.deadline) {
			return
		}
		if !c.timer.Stop() {
			// already fired; the callback is waiting for c.mu
			return
		}
		c.timer.Reset(wait)
		c.deadline = deadline
		return
	}
	gen := c.gen
	c.timer = time.AfterFunc(wait, func() { d.fire(c, gen) })
	c.armed = true
	c.deadline = deadline
	d.metrics.SetArmed(d.cfg.Name, string(c.id), true)
}

func (d *Dispatcher) fire(c *circuit, gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.armed {
		c.mu.Unlock()
		return
	}
	c.armed = false
	c.firing = true
	c.notBefore = time.Time{}
	d.inflight.Add(1)
	c.mu.Unlock()

	floor := d.tick(c)

	c.mu.Lock()
	c.firing = false
	if floor > 0 {
		c.notBefore = d.now().Add(floor)
	}
	c.mu.Unlock()
	d.inflight.Add(-1)

	if c.q.IsEmpty() {
		d.metrics.SetArmed(d.cfg.Name, string(c.id), false)
	}
	d.schedule(c, floor)
}

// tick performs one dispatch attempt and returns the minimum wait before the
// next one.
func (d *Dispatcher) tick(c *circuit) time.Duration {
	now := d.now()
	if !c.q.CanPoll(now) {
		return 0
	}

	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	if d.deps.Probe != nil && !d.deps.Probe.CheckConnection(ctx) {
		d.onOffline(c, now)
		return d.cfg.ConnectionRecheck
	}

	j := c.q.PollReady(now)
	if j == nil {
		return 0
	}
	c.mu.Lock()
	queuedAt, ok := c.queuedAt[j.Key()]
	delete(c.queuedAt, j.Key())
	c.mu.Unlock()
	if !ok {
		queuedAt = now
	}
	d.metrics.SetPending(d.cfg.Name, string(c.id), c.q.Len())

	d.execute(ctx, c, j, now, queuedAt)
	return 0
}

func (d *Dispatcher) onOffline(c *circuit, now time.Time) {
	d.offlineSkips.Add(1)
	c.offline.Add(1)
	d.metrics.RecordOfflineSkip(d.cfg.Name, string(c.id))
	d.publish(EventDispatchOffline, now, JobEvent{Circuit: string(c.id)})
	d.offlineWarn.Do(func() {
		d.log.Warn("server unreachable, dispatch deferred",
			logx.String("circuit", string(c.id)),
			logx.Int("pending", c.q.Len()),
			logx.Duration("recheck", d.cfg.ConnectionRecheck),
			logx.Uint64("skipped_offline", d.offlineSkips.Load()),
		)
	})
}
