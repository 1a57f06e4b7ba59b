package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoft(t *testing.T) {
	t.Parallel()
	p := Soft(500*time.Millisecond, 2, 10)
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, now, p(High, now, 99))
	assert.Equal(t, now.Add(time.Second), p(Medium, now, 0))
	assert.Equal(t, now.Add(5*time.Second), p(Low, now, 0))
}

func TestStrictBuckets(t *testing.T) {
	t.Parallel()
	p := Strict()
	now := time.Now()

	assert.Equal(t, time.UnixMilli(12), p(High, now, 12))
	assert.Equal(t, time.UnixMilli(1012), p(Medium, now, 12))
	assert.Equal(t, time.UnixMilli(2012), p(Low, now, 12))
}

func TestStrictTierSeparation(t *testing.T) {
	t.Parallel()
	p := Strict()
	now := time.Now()

	highLate := p(High, now, 127)
	mediumEarly := p(Medium, now, 0)
	assert.True(t, highLate.Before(mediumEarly))
	assert.True(t, p(High, now, 5).Before(p(Medium, now, 127)))

	// out of range hints are clamped into their own bucket
	assert.Equal(t, time.UnixMilli(999), p(High, now, 5000))
	assert.Equal(t, time.UnixMilli(1000), p(Medium, now, -3))
	assert.True(t, p(High, now, 5000).Before(p(Medium, now, 0)))
}

func TestStrictIsAlwaysDue(t *testing.T) {
	t.Parallel()
	assert.True(t, Strict()(Low, time.Now(), 999).Before(time.Now()))
}

func TestTierValid(t *testing.T) {
	t.Parallel()
	for _, tier := range []Tier{High, Medium, Low} {
		assert.True(t, tier.Valid(), tier.String())
	}
	assert.False(t, Tier(-1).Valid())
	assert.False(t, Tier(3).Valid())
	assert.Equal(t, "tier(3)", Tier(3).String())
}

func TestParseTier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Tier
		ok   bool
	}{
		{"high", High, true},
		{"Medium", Medium, true},
		{" LOW ", Low, true},
		{"urgent", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if !tt.ok {
			require.ErrorIs(t, err, ErrUnknownTier, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, got, mustParse(t, got.String()))
	}
}

func mustParse(t *testing.T, s string) Tier {
	t.Helper()
	tier, err := ParseTier(s)
	require.NoError(t, err)
	return tier
}
