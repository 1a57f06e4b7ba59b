package scheduler

import (
	"fmt"
	"time"
)

// Config is supplied at construction and validated there; nothing is coerced.
type Config struct {
	Name string

	MinInterval  time.Duration
	MediumFactor float64
	LowFactor    float64

	// ConnectionRecheck and HistorySize are passed to the dispatcher; zero
	// selects its defaults.
	ConnectionRecheck time.Duration
	HistorySize       int
}

func (c Config) Validate() error {
	if c.MinInterval <= 0 {
		return fmt.Errorf("%w: min interval must be positive, got %s", ErrInvalidConfig, c.MinInterval)
	}
	if c.MediumFactor <= 1 {
		return fmt.Errorf("%w: medium factor must be > 1, got %v", ErrInvalidConfig, c.MediumFactor)
	}
	if c.LowFactor <= 1 {
		return fmt.Errorf("%w: low factor must be > 1, got %v", ErrInvalidConfig, c.LowFactor)
	}
	if c.ConnectionRecheck < 0 {
		return fmt.Errorf("%w: connection recheck must not be negative", ErrInvalidConfig)
	}
	return nil
}
