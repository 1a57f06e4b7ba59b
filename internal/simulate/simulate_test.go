package simulate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDeterministicValues(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{Seed: 1})
	ctx := context.Background()

	a, err := c.DeviceOutputValue(ctx, "tok", "d1")
	require.NoError(t, err)
	b, err := c.DeviceOutputValue(ctx, "tok", "d1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 256)

	cfg, err := c.DeviceSceneConfig(ctx, "tok", "d1", 17)
	require.NoError(t, err)
	assert.Equal(t, 17, cfg.Scene)

	v, err := c.DeviceSceneOutputValue(ctx, "tok", "d1", 17)
	require.NoError(t, err)
	assert.Equal(t, -1, v.Angle)
	assert.Equal(t, uint64(4), c.Calls(), "every read counts, including repeats")
}

func TestClientFailureRatio(t *testing.T) {
	t.Parallel()
	always := NewClient(Config{FailureRatio: 1, Seed: 7})
	_, err := always.DeviceConsumption(context.Background(), "", "d1", "active-power")
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, uint64(1), always.Failures())

	never := NewClient(Config{Seed: 7})
	for i := 0; i < 20; i++ {
		_, err := never.DeviceConsumption(context.Background(), "", "d1", "active-power")
		require.NoError(t, err)
	}
	assert.Zero(t, never.Failures())
}

func TestClientLatencyHonoursContext(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{Latency: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.DeviceOutputValue(ctx, "", "d1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProbeAndSession(t *testing.T) {
	t.Parallel()
	p := NewProbe(false)
	assert.False(t, p.CheckConnection(context.Background()))
	p.SetOnline(true)
	assert.True(t, p.CheckConnection(context.Background()))
	assert.Equal(t, uint64(2), p.Checks())

	s := NewSession()
	first := s.SessionToken()
	assert.Contains(t, first, "sim-")
	assert.NotEqual(t, first, s.Rotate())
}
