// Package metrics exposes dispatcher activity as Prometheus metrics.
//
// All recording methods are safe on a nil *Collector so components can take
// one optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "circuitpoll"

type Collector struct {
	inserted     *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	failed       *prometheus.CounterVec
	removed      *prometheus.CounterVec
	offlineSkips *prometheus.CounterVec
	execDuration *prometheus.HistogramVec
	queueDelay   *prometheus.HistogramVec
	pending      *prometheus.GaugeVec
	armedTimers  *prometheus.GaugeVec
}

// NewCollector builds the collector and registers it on reg. A nil reg
// registers on prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := []string{"scheduler", "circuit"}
	c := &Collector{
		inserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_inserted_total",
			Help:      "Jobs submitted to a circuit queue, by tier and insert result.",
		}, []string{"scheduler", "circuit", "tier", "result"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs taken from a circuit queue and executed.",
		}, labels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Executed jobs that returned an error or panicked.",
		}, labels),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_removed_total",
			Help:      "Pending jobs dropped because their device went away.",
		}, labels),
		offlineSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_skipped_offline_total",
			Help:      "Timer fires that dispatched nothing because the server was unreachable.",
		}, labels),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execute_seconds",
			Help:      "Time spent inside Job.Execute.",
			Buckets:   prometheus.DefBuckets,
		}, labels),
		queueDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_delay_seconds",
			Help:      "Time between a job becoming due and its dispatch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, labels),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs currently waiting in a circuit queue.",
		}, labels),
		armedTimers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_timer_armed",
			Help:      "1 while a circuit has a dispatch timer armed.",
		}, labels),
	}
	reg.MustRegister(
		c.inserted, c.dispatched, c.failed, c.removed, c.offlineSkips,
		c.execDuration, c.queueDelay, c.pending, c.armedTimers,
	)
	return c
}

func (c *Collector) RecordInsert(scheduler, circuit, tier, result string) {
	if c == nil {
		return
	}
	c.inserted.WithLabelValues(scheduler, circuit, tier, result).Inc()
}

// RecordDispatch records one executed job. delay is how long it waited past
// its readiness; negative values (strict readiness far in the past) are not
// observed.
func (c *Collector) RecordDispatch(scheduler, circuit string, delay, took time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(scheduler, circuit).Inc()
	c.execDuration.WithLabelValues(scheduler, circuit).Observe(took.Seconds())
	if delay >= 0 {
		c.queueDelay.WithLabelValues(scheduler, circuit).Observe(delay.Seconds())
	}
	if failed {
		c.failed.WithLabelValues(scheduler, circuit).Inc()
	}
}

func (c *Collector) RecordRemoved(scheduler, circuit string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.removed.WithLabelValues(scheduler, circuit).Add(float64(n))
}

func (c *Collector) RecordOfflineSkip(scheduler, circuit string) {
	if c == nil {
		return
	}
	c.offlineSkips.WithLabelValues(scheduler, circuit).Inc()
}

func (c *Collector) SetPending(scheduler, circuit string, n int) {
	if c == nil {
		return
	}
	c.pending.WithLabelValues(scheduler, circuit).Set(float64(n))
}

func (c *Collector) SetArmed(scheduler, circuit string, armed bool) {
	if c == nil {
		return
	}
	v := 0.0
	if armed {
		v = 1
	}
	c.armedTimers.WithLabelValues(scheduler, circuit).Set(v)
}
