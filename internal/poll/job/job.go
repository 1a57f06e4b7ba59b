package job

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DeviceID identifies a device on the bus (its dSUID or equivalent).
type DeviceID string

// CircuitID identifies the circuit (meter) a device is wired to.
type CircuitID string

// Kind names the value a job reads, e.g. "active-power" or "scene-config[12]".
type Kind string

// Key is the dedup identity of a job. Two jobs with equal keys are the same
// logical request.
type Key struct {
	Device DeviceID
	Kind   Kind
}

func (k Key) String() string { return string(k.Device) + "/" + string(k.Kind) }

// Job is one scheduled read of one value for one device.
//
// ReadinessTimestamp is the scheduling key: the earliest instant the job may
// be dispatched. It is set by the scheduler when the job is inserted and is
// not touched while the job is queued or executing.
type Job interface {
	Key() Key
	CircuitID() CircuitID
	ReadinessTimestamp() time.Time
	SetReadinessTimestamp(t time.Time)
	// Execute performs exactly one read through client and applies the result
	// to the domain object behind the job's device.
	Execute(ctx context.Context, client APIClient, token string) error
}

// PriorityHinter is implemented by jobs that carry an extra ordering input
// for the priority policy (scene jobs return their scene number).
type PriorityHinter interface {
	PriorityHint() int
}

// Base carries the identity and readiness bookkeeping shared by all variants.
type Base struct {
	device  DeviceID
	circuit CircuitID
	kind    Kind

	mu        sync.Mutex
	readiness time.Time
}

func (b *Base) Key() Key             { return Key{Device: b.device, Kind: b.kind} }
func (b *Base) CircuitID() CircuitID { return b.circuit }
func (b *Base) DeviceID() DeviceID   { return b.device }

func (b *Base) ReadinessTimestamp() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readiness
}

func (b *Base) SetReadinessTimestamp(t time.Time) {
	b.mu.Lock()
	b.readiness = t
	b.mu.Unlock()
}

func (b *Base) String() string {
	return fmt.Sprintf("%s@%s", b.Key(), b.circuit)
}
