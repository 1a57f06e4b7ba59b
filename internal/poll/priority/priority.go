// Package priority maps a requested urgency tier to a readiness timestamp.
//
// Two policy families exist. Soft policies delay lower tiers by a multiple of
// the circuit's minimum dispatch interval, so everything eventually runs and
// aging is implicit in wall time. Strict policies place each tier into its own
// millisecond bucket near the Unix epoch: every job is always due, and the
// bucket order alone decides what leaves first.
package priority

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownTier = errors.New("unknown priority tier")

type Tier int

const (
	High Tier = iota
	Medium
	Low
)

func (t Tier) String() string {
	switch t {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func (t Tier) Valid() bool { return t >= High && t <= Low }

// ParseTier accepts "high", "medium" or "low" in any case.
func ParseTier(label string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "high":
		return High, nil
	case "medium":
		return Medium, nil
	case "low":
		return Low, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, label)
	}
}

// Policy computes the readiness of a job inserted at now. extra is the job's
// priority hint (the scene number for scene reads, 0 otherwise).
type Policy func(tier Tier, now time.Time, extra int) time.Time

// Soft delays medium and low jobs by minInterval scaled by the given factor.
// The deadline is computed once; a waiting job is not re-aged.
func Soft(minInterval time.Duration, mediumFactor, lowFactor float64) Policy {
	medium := scale(minInterval, mediumFactor)
	low := scale(minInterval, lowFactor)
	return func(tier Tier, now time.Time, _ int) time.Time {
		switch tier {
		case Medium:
			return now.Add(medium)
		case Low:
			return now.Add(low)
		default:
			return now
		}
	}
}

const (
	bucketWidth = 1000
	maxHint     = bucketWidth - 1
)

// Strict returns readiness tier*1000+hint milliseconds past the epoch. hint is
// clamped into [0, 999] so a tier never spills into the next one.
func Strict() Policy {
	return func(tier Tier, _ time.Time, extra int) time.Time {
		if extra < 0 {
			extra = 0
		} else if extra > maxHint {
			extra = maxHint
		}
		t := tier
		if t < High || t > Low {
			t = Low
		}
		return time.UnixMilli(int64(t)*bucketWidth + int64(extra))
	}
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}
