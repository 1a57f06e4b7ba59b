package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circuitpoll/internal/eventbus"
	"circuitpoll/internal/metrics"
	"circuitpoll/internal/poll/job"
	"circuitpoll/internal/poll/queue"
	"circuitpoll/internal/storage"
	logx "circuitpoll/pkg/logx"
)

const testInterval = 20 * time.Millisecond

type recorder struct {
	mu   sync.Mutex
	runs []run
}

type run struct {
	key job.Key
	at  time.Time
}

func (r *recorder) job(dev job.DeviceID, cid job.CircuitID, at time.Time, err error) *job.FuncJob {
	j := job.NewFunc(dev, cid, "k", func(context.Context, job.APIClient, string) error {
		r.mu.Lock()
		r.runs = append(r.runs, run{key: job.Key{Device: dev, Kind: "k"}, at: time.Now()})
		r.mu.Unlock()
		return err
	})
	j.SetReadinessTimestamp(at)
	return j
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *recorder) snapshot() []run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]run(nil), r.runs...)
}

type flagProbe struct{ online atomic.Bool }

func (p *flagProbe) CheckConnection(context.Context) bool { return p.online.Load() }

type countingProbe struct{ checks atomic.Int64 }

func (p *countingProbe) CheckConnection(context.Context) bool {
	p.checks.Add(1)
	return false
}

type staticSession string

func (s staticSession) SessionToken() string { return string(s) }

func newTestDispatcher(t *testing.T, deps Deps, opts ...Option) *Dispatcher {
	t.Helper()
	d := New(Config{Name: "test", MinInterval: testInterval}, deps, logx.Nop(), nil, opts...)
	t.Cleanup(d.Stop)
	return d
}

func circuitSnap(d *Dispatcher, id string) CircuitSnapshot {
	for _, c := range d.Snapshot().Circuits {
		if c.ID == id {
			return c
		}
	}
	return CircuitSnapshot{}
}

func TestDispatchOrderAndSpacing(t *testing.T) {
	var rec recorder
	d := newTestDispatcher(t, Deps{})
	now := time.Now()

	_, err := d.Insert(rec.job("d3", "c1", now.Add(-1*time.Millisecond), nil), "high")
	require.NoError(t, err)
	_, err = d.Insert(rec.job("d1", "c1", now.Add(-3*time.Millisecond), nil), "high")
	require.NoError(t, err)
	_, err = d.Insert(rec.job("d2", "c1", now.Add(-2*time.Millisecond), nil), "high")
	require.NoError(t, err)

	d.Start(context.Background())
	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)

	runs := rec.snapshot()
	assert.Equal(t, job.DeviceID("d1"), runs[0].key.Device)
	assert.Equal(t, job.DeviceID("d2"), runs[1].key.Device)
	assert.Equal(t, job.DeviceID("d3"), runs[2].key.Device)
	for i := 1; i < len(runs); i++ {
		assert.GreaterOrEqual(t, runs[i].at.Sub(runs[i-1].at), testInterval-5*time.Millisecond)
	}

	// drained circuits disarm their timer
	require.Eventually(t, func() bool { return !circuitSnap(d, "c1").Armed }, time.Second, 5*time.Millisecond)
	snap := d.Snapshot()
	assert.Equal(t, uint64(3), snap.Dispatched)
	assert.Len(t, snap.History, 3)
}

func TestInsertBeforeStartWaits(t *testing.T) {
	var rec recorder
	d := newTestDispatcher(t, Deps{})
	_, err := d.Insert(rec.job("d1", "c1", time.Now(), nil), "high")
	require.NoError(t, err)

	time.Sleep(3 * testInterval)
	assert.Zero(t, rec.count())
	assert.Equal(t, 1, d.Pending("c1"))

	d.Start(context.Background())
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopKeepsPendingJobs(t *testing.T) {
	var rec recorder
	d := newTestDispatcher(t, Deps{})
	d.Start(context.Background())
	d.Stop()
	d.Stop()

	_, err := d.Insert(rec.job("d1", "c1", time.Now(), nil), "high")
	require.NoError(t, err)
	time.Sleep(3 * testInterval)
	assert.Zero(t, rec.count())
	assert.False(t, circuitSnap(d, "c1").Armed)

	d.Start(context.Background())
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFailedAndPanickingJobsDoNotBlock(t *testing.T) {
	var rec recorder
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	d := New(Config{Name: "test", MinInterval: testInterval}, Deps{}, logx.Nop(), bus)
	t.Cleanup(d.Stop)

	now := time.Now()
	boom := job.NewFunc("d0", "c1", "panic", func(context.Context, job.APIClient, string) error {
		panic("bad sensor")
	})
	boom.SetReadinessTimestamp(now.Add(-3 * time.Millisecond))
	_, err := d.Insert(boom, "high")
	require.NoError(t, err)
	_, err = d.Insert(rec.job("d1", "c1", now.Add(-2*time.Millisecond), errors.New("timeout")), "high")
	require.NoError(t, err)
	_, err = d.Insert(rec.job("d2", "c1", now.Add(-1*time.Millisecond), nil), "high")
	require.NoError(t, err)

	d.Start(context.Background())
	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.Snapshot().Dispatched == 3 }, time.Second, 5*time.Millisecond)

	snap := d.Snapshot()
	assert.Equal(t, uint64(2), snap.Failed)
	assert.Zero(t, d.Pending("c1"), "failed jobs are not requeued")

	failed := 0
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventJobFailed {
			failed++
			assert.NotEmpty(t, ev.Data.(JobEvent).Error)
		}
	}
	assert.Equal(t, 2, failed)
}

func TestOfflineDefersDispatch(t *testing.T) {
	var rec recorder
	probe := &flagProbe{}
	reg := prometheus.NewRegistry()
	d := New(Config{Name: "test", MinInterval: testInterval, ConnectionRecheck: 10 * time.Millisecond},
		Deps{Probe: probe}, logx.Nop(), nil, WithMetrics(metrics.NewCollector(reg)))
	t.Cleanup(d.Stop)

	_, err := d.Insert(rec.job("d1", "c1", time.Now(), nil), "high")
	require.NoError(t, err)
	d.Start(context.Background())

	require.Eventually(t, func() bool { return d.Snapshot().OfflineSkips >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.count())
	assert.Equal(t, 1, d.Pending("c1"))

	probe.online.Store(true)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInsertWhileOfflineKeepsRecheckDelay(t *testing.T) {
	var rec recorder
	probe := &countingProbe{}
	d := New(Config{Name: "test", MinInterval: testInterval, ConnectionRecheck: 300 * time.Millisecond},
		Deps{Probe: probe}, logx.Nop(), nil)
	t.Cleanup(d.Stop)
	d.Start(context.Background())

	_, err := d.Insert(rec.job("d1", "c1", time.Now(), nil), "low")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return probe.checks.Load() == 1 }, time.Second, 2*time.Millisecond)

	// a more urgent job must not pull the timer in front of the recheck
	_, err = d.Insert(rec.job("d2", "c1", time.Now().Add(-time.Second), nil), "high")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), probe.checks.Load())
	assert.Equal(t, 2, d.Pending("c1"))
	assert.Zero(t, rec.count())

	require.Eventually(t, func() bool { return probe.checks.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentProducersAndRemovals(t *testing.T) {
	d := newTestDispatcher(t, Deps{})
	d.Start(context.Background())

	circuits := []job.CircuitID{"c1", "c2", "c3"}
	var mu sync.Mutex
	runs := map[job.CircuitID][]time.Time{}
	mk := func(cid job.CircuitID, dev job.DeviceID, at time.Time) job.Job {
		j := job.NewFunc(dev, cid, "k", func(context.Context, job.APIClient, string) error {
			mu.Lock()
			runs[cid] = append(runs[cid], time.Now())
			mu.Unlock()
			return nil
		})
		j.SetReadinessTimestamp(at)
		return j
	}

	const producers, inserts = 8, 40
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < inserts; i++ {
				cid := circuits[(p+i)%len(circuits)]
				dev := job.DeviceID(fmt.Sprintf("d%d", i%5))
				_, err := d.Insert(mk(cid, dev, time.Now().Add(-time.Duration(p)*time.Millisecond)), "high")
				assert.NoError(t, err)
				if i%7 == 0 {
					d.RemoveJobsForDevice(cid, job.DeviceID(fmt.Sprintf("d%d", (i+1)%5)))
				}
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, cid := range circuits {
			if d.Pending(cid) != 0 {
				return false
			}
		}
		return d.Snapshot().InFlight == 0
	}, 5*time.Second, 10*time.Millisecond)

	snap := d.Snapshot()
	assert.Equal(t, uint64(producers*inserts), snap.Inserted+snap.Replaced+snap.Ignored)
	assert.Equal(t, snap.Inserted, snap.Dispatched+snap.Removed)

	mu.Lock()
	defer mu.Unlock()
	var total int
	for cid, times := range runs {
		total += len(times)
		for i := 1; i < len(times); i++ {
			// execution starts just after the poll that closed the gate
			assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), testInterval-time.Millisecond,
				"circuit %s run %d", cid, i)
		}
	}
	assert.Equal(t, int(snap.Dispatched), total)
}

func TestRemoveJobsForDevice(t *testing.T) {
	var rec recorder
	d := newTestDispatcher(t, Deps{})
	d.Start(context.Background())

	later := time.Now().Add(time.Hour)
	other := job.NewFunc("d1", "c1", "other", nil)
	other.SetReadinessTimestamp(later)
	_, _ = d.Insert(rec.job("d1", "c1", later, nil), "low")
	_, _ = d.Insert(other, "low")
	_, _ = d.Insert(rec.job("d2", "c1", later, nil), "low")
	require.True(t, circuitSnap(d, "c1").Armed)

	assert.Equal(t, 0, d.RemoveJobsForDevice("missing", "d1"))
	assert.Equal(t, 2, d.RemoveJobsForDevice("c1", "d1"))
	assert.Equal(t, 1, d.Pending("c1"))
	assert.True(t, circuitSnap(d, "c1").Armed)

	assert.Equal(t, 1, d.RemoveJobsForDevice("c1", "d2"))
	assert.False(t, circuitSnap(d, "c1").Armed)
	assert.Equal(t, uint64(3), d.Snapshot().Removed)
}

func TestEarlierInsertPullsTimerForward(t *testing.T) {
	var rec recorder
	d := newTestDispatcher(t, Deps{})
	d.Start(context.Background())

	_, err := d.Insert(rec.job("late", "c1", time.Now().Add(time.Hour), nil), "low")
	require.NoError(t, err)
	_, err = d.Insert(rec.job("now", "c1", time.Now(), nil), "high")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, job.DeviceID("now"), rec.snapshot()[0].key.Device)
	require.Eventually(t, func() bool { return circuitSnap(d, "c1").Armed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.Pending("c1"))
}

func TestCircuitsAreIndependent(t *testing.T) {
	var rec recorder
	d := newTestDispatcher(t, Deps{})
	d.Start(context.Background())

	release := make(chan struct{})
	slow := job.NewFunc("slow", "c1", "k", func(context.Context, job.APIClient, string) error {
		<-release
		return nil
	})
	slow.SetReadinessTimestamp(time.Now())
	_, err := d.Insert(slow, "high")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return circuitSnap(d, "c1").Firing }, time.Second, 2*time.Millisecond)

	_, err = d.Insert(rec.job("fast", "c2", time.Now(), nil), "high")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	// a stopped dispatcher still lets the running read finish
	d.Stop()
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, uint64(2), d.Snapshot().Dispatched)
}

func TestInsertContractViolations(t *testing.T) {
	d := newTestDispatcher(t, Deps{})

	res, err := d.Insert(nil, "high")
	assert.ErrorIs(t, err, ErrNilJob)
	assert.Equal(t, queue.Ignored, res)

	_, err = d.Insert(job.NewFunc("d1", "", "k", nil), "high")
	assert.ErrorIs(t, err, ErrUnknownCircuit)
	assert.Empty(t, d.Snapshot().Circuits)
}

func TestInsertDedupCounters(t *testing.T) {
	d := newTestDispatcher(t, Deps{})
	at := time.Now().Add(time.Hour)

	mk := func(at time.Time) job.Job {
		j := job.NewFunc("d1", "c1", "k", nil)
		j.SetReadinessTimestamp(at)
		return j
	}
	res, _ := d.Insert(mk(at), "low")
	assert.Equal(t, queue.Added, res)
	res, _ = d.Insert(mk(at), "low")
	assert.Equal(t, queue.Ignored, res)
	res, _ = d.Insert(mk(at.Add(-time.Minute)), "medium")
	assert.Equal(t, queue.Replaced, res)

	snap := d.Snapshot()
	assert.Equal(t, uint64(1), snap.Inserted)
	assert.Equal(t, uint64(1), snap.Ignored)
	assert.Equal(t, uint64(1), snap.Replaced)
	assert.Equal(t, 1, snap.Circuits[0].Pending)
}

func TestSessionTokenAndHistoryStore(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h.jsonl")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	var gotToken atomic.Value
	d := newTestDispatcher(t, Deps{Session: staticSession("tok-1")}, WithHistoryStore(st))
	j := job.NewFunc("d1", "c1", "active-power", func(_ context.Context, _ job.APIClient, token string) error {
		gotToken.Store(token)
		return nil
	})
	j.SetReadinessTimestamp(time.Now())
	_, err = d.Insert(j, "high")
	require.NoError(t, err)
	d.Start(context.Background())

	require.Eventually(t, func() bool {
		recs, err := st.RecentDispatches(context.Background(), 10)
		return err == nil && len(recs) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tok-1", gotToken.Load())

	recs, _ := st.RecentDispatches(context.Background(), 10)
	assert.Equal(t, "test", recs[0].Scheduler)
	assert.Equal(t, "active-power", recs[0].Kind)
	assert.True(t, recs[0].OK)
}
