package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circuitpoll/internal/inventory"
	"circuitpoll/internal/poll/job"
	logx "circuitpoll/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		err   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "@every 30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "cron:0 0 * * *", kind: SpecCron, cron: "0 0 * * *"},
		{in: "10m", kind: SpecInterval, every: 10 * time.Minute},
		{in: "every:1h", kind: SpecInterval, every: time.Hour},
		{in: "00:30", kind: SpecInterval, every: 30 * time.Minute},
		{in: "01:15", kind: SpecInterval, every: 75 * time.Minute},
		{in: "", err: true},
		{in: "00:00", err: true},
		{in: "00:75", err: true},
		{in: "-5s", err: true},
		{in: "soon", err: true},
		{in: "cron:", err: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.kind, got.Kind, tt.in)
		assert.Equal(t, tt.cron, got.Cron, tt.in)
		assert.Equal(t, tt.every, got.Every, tt.in)
	}
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	sched, jitter := intervalWithSpread(10*time.Second, now, "t", true)
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 10*time.Second)

	first := sched.Next(now)
	assert.Equal(t, now.Add(10*time.Second+jitter), first)
	assert.Equal(t, first.Add(10*time.Second), sched.Next(first))
	assert.Equal(t, first.Add(20*time.Second), sched.Next(first.Add(10*time.Second)))
	assert.Equal(t, first, sched.Next(now.Add(time.Second)), "before the first run")

	_, jitter = intervalWithSpread(10*time.Second, now, "t", false)
	assert.Zero(t, jitter)
}

func TestTriggerValidate(t *testing.T) {
	t.Parallel()
	ok := Trigger{Name: "power", Schedule: "30s", Scheduler: "sensor", Kind: KindActivePower, Tier: "low"}
	require.NoError(t, ok.Validate())

	bad := []Trigger{
		{Schedule: "30s", Kind: KindActivePower, Tier: "low"},
		{Name: "x", Schedule: "whenever", Kind: KindActivePower, Tier: "low"},
		{Name: "x", Schedule: "30s", Kind: "temperature", Tier: "low"},
		{Name: "x", Schedule: "30s", Kind: KindActivePower, Tier: "asap"},
		{Name: "x", Schedule: "30s", Kind: KindSceneConfig, Tier: "low", Scenes: []int{200}},
	}
	for _, b := range bad {
		assert.Error(t, b.Validate(), b.Name)
	}
}

type fakeTarget struct {
	mu   sync.Mutex
	jobs []job.Job
	fail error
	tier string
}

func (f *fakeTarget) AddJob(label string, j job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.tier = label
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeTarget) keys() []job.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]job.Key, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j.Key())
	}
	return out
}

func testInventory() *inventory.Inventory {
	return inventory.New(
		inventory.Device{ID: "d1", Circuit: "c1", Sensors: []job.SensorType{job.SensorActivePower}, Scenes: []int{5, 17}},
		inventory.Device{ID: "d2", Circuit: "c2", Sensors: []job.SensorType{job.SensorOutputCurrent}},
		inventory.Device{ID: "d3", Circuit: "c2"},
	)
}

func TestRunNowBuildsJobs(t *testing.T) {
	t.Parallel()
	sensor := &fakeTarget{}
	scene := &fakeTarget{}
	svc := New(Config{Triggers: []Trigger{
		{Name: "power", Schedule: "1m", Scheduler: "sensor", Kind: KindActivePower, Tier: "low"},
		{Name: "outputs", Schedule: "1m", Scheduler: "sensor", Kind: KindOutputValue, Tier: "medium", Devices: []string{"d2"}},
		{Name: "scenes", Schedule: "1h", Scheduler: "scene", Kind: KindSceneConfig, Tier: "high"},
		{Name: "scene-out", Schedule: "1h", Scheduler: "scene", Kind: KindSceneOutput, Tier: "low", Scenes: []int{0}},
	}}, testInventory(), map[string]Target{"sensor": sensor, "scene": scene}, logx.Nop())

	// d2 lacks active-power; d3 declares no sensors and is assumed to have it
	n, err := svc.RunNow("power")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []job.Key{{Device: "d1", Kind: "active-power"}, {Device: "d3", Kind: "active-power"}}, sensor.keys())
	assert.Equal(t, "low", sensor.tier)

	n, err = svc.RunNow("outputs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.RunNow("scenes")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []job.Key{{Device: "d1", Kind: "scene-config[5]"}, {Device: "d1", Kind: "scene-config[17]"}}, scene.keys())

	n, err = svc.RunNow("scene-out")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = svc.RunNow("missing")
	assert.Error(t, err)
}

func TestSubmitContinuesAfterError(t *testing.T) {
	t.Parallel()
	boom := errors.New("rejected")
	svc := New(Config{Triggers: []Trigger{
		{Name: "outputs", Schedule: "1m", Scheduler: "sensor", Kind: KindOutputValue, Tier: "low"},
		{Name: "orphan", Schedule: "1m", Scheduler: "nowhere", Kind: KindOutputValue, Tier: "low"},
	}}, testInventory(), map[string]Target{"sensor": &fakeTarget{fail: boom}}, logx.Nop())

	n, err := svc.RunNow("outputs")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)

	_, err = svc.RunNow("orphan")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestScheduledTriggerFires(t *testing.T) {
	target := &fakeTarget{}
	svc := New(Config{Enabled: true, Triggers: []Trigger{
		{Name: "outputs", Schedule: "@every 1s", Scheduler: "sensor", Kind: KindOutputValue, Tier: "low"},
		{Name: "broken", Schedule: "1s", Scheduler: "missing", Kind: KindOutputValue, Tier: "low"},
	}}, testInventory(), map[string]Target{"sensor": target}, logx.Nop())

	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	snap := svc.Snapshot()
	require.Len(t, snap, 1, "triggers with unknown targets are not registered")
	assert.False(t, snap[0].Next.IsZero())

	require.Eventually(t, func() bool { return len(target.keys()) >= 3 }, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, svc.Snapshot()[0].Runs, uint64(1))

	svc.Apply(Config{Enabled: false})
	assert.Empty(t, svc.Snapshot())
}
