package scheduler

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circuitpoll/internal/poll/job"
	"circuitpoll/internal/poll/priority"
	"circuitpoll/internal/poll/queue"
	logx "circuitpoll/pkg/logx"
)

type mapDirectory map[job.DeviceID]job.CircuitID

func (m mapDirectory) CircuitOf(d job.DeviceID) (job.CircuitID, bool) {
	c, ok := m[d]
	return c, ok
}

func validConfig() Config {
	return Config{MinInterval: 500 * time.Millisecond, MediumFactor: 2, LowFactor: 10}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"zero interval", func(c *Config) { c.MinInterval = 0 }, false},
		{"negative interval", func(c *Config) { c.MinInterval = -time.Second }, false},
		{"medium factor one", func(c *Config) { c.MediumFactor = 1 }, false},
		{"low factor below one", func(c *Config) { c.LowFactor = 0.5 }, false},
		{"negative recheck", func(c *Config) { c.ConnectionRecheck = -1 }, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := NewSensorScheduler(cfg, Deps{}, logx.Nop(), nil)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			_, err = NewSceneReadingScheduler(cfg, Deps{}, logx.Nop(), nil)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := New(validConfig(), nil, Deps{}, logx.Nop(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSoftReadiness(t *testing.T) {
	t.Parallel()
	s, err := NewSensorScheduler(validConfig(), Deps{}, logx.Nop(), nil)
	require.NoError(t, err)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }

	high := job.NewOutputValueJob("d1", "c1", nil)
	medium := job.NewConsumptionJob("d2", "c1", job.SensorActivePower, nil)
	low := job.NewConsumptionJob("d3", "c1", job.SensorActivePower, nil)
	require.NoError(t, s.AddHighPriorityJob(high))
	require.NoError(t, s.AddMediumPriorityJob(medium))
	require.NoError(t, s.AddLowPriorityJob(low))

	assert.Equal(t, base, high.ReadinessTimestamp())
	assert.Equal(t, base.Add(time.Second), medium.ReadinessTimestamp())
	assert.Equal(t, base.Add(5*time.Second), low.ReadinessTimestamp())
	assert.Equal(t, 3, s.Pending("c1"))
	assert.Equal(t, "soft", s.Snapshot().Policy)
	assert.Equal(t, "sensor", s.Name())
}

func TestStrictReadinessUsesSceneHint(t *testing.T) {
	t.Parallel()
	s, err := NewSceneReadingScheduler(validConfig(), Deps{}, logx.Nop(), nil)
	require.NoError(t, err)

	j := job.NewSceneConfigJob("d1", "c1", 127, nil)
	require.NoError(t, s.AddMediumPriorityJob(j))
	assert.Equal(t, time.UnixMilli(1127), j.ReadinessTimestamp())

	o := job.NewSceneOutputValueJob("d1", "c1", 5, nil)
	require.NoError(t, s.AddJob("HIGH", o))
	assert.Equal(t, time.UnixMilli(5), o.ReadinessTimestamp())
	assert.Equal(t, "strict", s.Snapshot().Policy)
}

func TestAddJobUnknownTier(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s, err := NewSensorScheduler(validConfig(), Deps{}, logx.NewWriter(&buf, "debug"), nil)
	require.NoError(t, err)

	err = s.AddJob("urgent", job.NewOutputValueJob("d1", "c1", nil))
	require.ErrorIs(t, err, priority.ErrUnknownTier)
	assert.Zero(t, s.Pending("c1"))
	assert.Contains(t, buf.String(), "unknown priority tier")
}

func TestAddJobWithoutCircuit(t *testing.T) {
	t.Parallel()
	s, err := NewSensorScheduler(validConfig(), Deps{}, logx.Nop(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.AddHighPriorityJob(nil), ErrUnknownCircuit)
	assert.ErrorIs(t, s.AddLowPriorityJob(job.NewOutputValueJob("d1", "", nil)), ErrUnknownCircuit)
	assert.Empty(t, s.Snapshot().Circuits)
}

func TestInsertReportsDedup(t *testing.T) {
	t.Parallel()
	s, err := NewSensorScheduler(validConfig(), Deps{}, logx.Nop(), nil)
	require.NoError(t, err)

	res, err := s.Insert(priority.Low, job.NewOutputValueJob("d1", "c1", nil))
	require.NoError(t, err)
	assert.Equal(t, queue.Added, res)
	res, _ = s.Insert(priority.Low, job.NewOutputValueJob("d1", "c1", nil))
	assert.Equal(t, queue.Ignored, res)
	res, _ = s.Insert(priority.High, job.NewOutputValueJob("d1", "c1", nil))
	assert.Equal(t, queue.Replaced, res)
	assert.Equal(t, 1, s.Pending("c1"))
}

func TestInsertRejectsOutOfRangeTier(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s, err := NewSensorScheduler(validConfig(), Deps{}, logx.NewWriter(&buf, "debug"), nil)
	require.NoError(t, err)

	j := job.NewOutputValueJob("d1", "c1", nil)
	res, err := s.Insert(priority.Tier(7), j)
	require.ErrorIs(t, err, priority.ErrUnknownTier)
	assert.Equal(t, queue.Ignored, res)
	assert.Zero(t, s.Pending("c1"))
	assert.True(t, j.ReadinessTimestamp().IsZero())
	assert.Contains(t, buf.String(), "unknown priority tier")
}

func TestIgnoredResubmitKeepsReadiness(t *testing.T) {
	t.Parallel()
	s, err := NewSensorScheduler(validConfig(), Deps{}, logx.Nop(), nil)
	require.NoError(t, err)

	j := job.NewOutputValueJob("d1", "c1", nil)
	res, err := s.Insert(priority.High, j)
	require.NoError(t, err)
	require.Equal(t, queue.Added, res)
	queued := j.ReadinessTimestamp()

	res, err = s.Insert(priority.Low, j)
	require.NoError(t, err)
	assert.Equal(t, queue.Ignored, res)
	assert.Equal(t, queued, j.ReadinessTimestamp())
}

func TestRemoveSensorJobs(t *testing.T) {
	t.Parallel()
	dir := mapDirectory{"d1": "c1", "d2": "c2"}
	s, err := NewSensorScheduler(validConfig(), Deps{Directory: dir}, logx.Nop(), nil)
	require.NoError(t, err)

	require.NoError(t, s.AddLowPriorityJob(job.NewOutputValueJob("d1", "c1", nil)))
	require.NoError(t, s.AddLowPriorityJob(job.NewConsumptionJob("d1", "c1", job.SensorActivePower, nil)))
	require.NoError(t, s.AddLowPriorityJob(job.NewOutputValueJob("d2", "c2", nil)))

	n, err := s.RemoveSensorJobs("d1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, s.Pending("c1"))
	assert.Equal(t, 1, s.Pending("c2"))

	_, err = s.RemoveSensorJobs("ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	noDir, err := NewSensorScheduler(validConfig(), Deps{}, logx.Nop(), nil)
	require.NoError(t, err)
	_, err = noDir.RemoveSensorJobs("d1")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

type orderSink struct {
	mu     sync.Mutex
	scenes []int
}

func (s *orderSink) SetSceneConfig(cfg job.SceneConfig) {
	s.mu.Lock()
	s.scenes = append(s.scenes, cfg.Scene)
	s.mu.Unlock()
}

func (s *orderSink) SetSceneOutputValue(int, job.SceneOutputValue) {}

func (s *orderSink) got() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.scenes...)
}

type sceneClient struct{}

func (sceneClient) DeviceConsumption(context.Context, string, job.DeviceID, job.SensorType) (int, error) {
	return 0, nil
}
func (sceneClient) DeviceOutputValue(context.Context, string, job.DeviceID) (int, error) {
	return 0, nil
}
func (sceneClient) DeviceSceneConfig(context.Context, string, job.DeviceID, int) (job.SceneConfig, error) {
	return job.SceneConfig{}, nil
}
func (sceneClient) DeviceSceneOutputValue(context.Context, string, job.DeviceID, int) (job.SceneOutputValue, error) {
	return job.SceneOutputValue{}, nil
}

func TestSceneSchedulerEndToEnd(t *testing.T) {
	cfg := validConfig()
	cfg.MinInterval = 10 * time.Millisecond
	s, err := NewSceneReadingScheduler(cfg, Deps{Client: sceneClient{}}, logx.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	sink := &orderSink{}
	require.NoError(t, s.AddLowPriorityJob(job.NewSceneConfigJob("d1", "c1", 0, sink)))
	require.NoError(t, s.AddMediumPriorityJob(job.NewSceneConfigJob("d1", "c1", 127, sink)))
	require.NoError(t, s.AddHighPriorityJob(job.NewSceneConfigJob("d1", "c1", 5, sink)))
	require.NoError(t, s.AddHighPriorityJob(job.NewSceneConfigJob("d2", "c1", 64, sink)))

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(sink.got()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{5, 64, 127, 0}, sink.got())

	s.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.False(t, s.Snapshot().Running)
}
