package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetain is the number of records kept when Config.Retain is zero.
const DefaultRetain = 10000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, compacted to the newest Retain records
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return DefaultRetain
	}
	return c.Retain
}

// Record describes one executed job.
type Record struct {
	At           time.Time `json:"at"`
	Scheduler    string    `json:"scheduler"`
	Circuit      string    `json:"circuit"`
	Device       string    `json:"device"`
	Kind         string    `json:"kind"`
	QueueDelayMS int64     `json:"queue_delay_ms"`
	TookMS       int64     `json:"took_ms"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
}
