// Package inventory is the in-memory device directory.
//
// It answers which circuit a device is wired to and holds the latest values
// read for each device. The device list comes from configuration and can be
// replaced at runtime with Sync.
package inventory

import (
	"sort"
	"sync"
	"time"

	"circuitpoll/internal/poll/job"
)

// Device is one configured device.
type Device struct {
	ID      job.DeviceID
	Circuit job.CircuitID
	Name    string
	// Sensors lists the consumption sensors the device offers.
	Sensors []job.SensorType
	// Scenes lists the scenes whose configuration is mirrored.
	Scenes []int
}

func (d Device) HasSensor(s job.SensorType) bool {
	for _, v := range d.Sensors {
		if v == s {
			return true
		}
	}
	return false
}

type entry struct {
	dev   Device
	state *DeviceState
}

type Inventory struct {
	mu      sync.RWMutex
	devices map[job.DeviceID]*entry
}

func New(devs ...Device) *Inventory {
	inv := &Inventory{devices: make(map[job.DeviceID]*entry, len(devs))}
	for _, d := range devs {
		inv.devices[d.ID] = &entry{dev: d, state: newState(d.ID)}
	}
	return inv
}

// CircuitOf implements job.DeviceDirectory.
func (inv *Inventory) CircuitOf(id job.DeviceID) (job.CircuitID, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	e, ok := inv.devices[id]
	if !ok {
		return "", false
	}
	return e.dev.Circuit, true
}

func (inv *Inventory) Device(id job.DeviceID) (Device, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	e, ok := inv.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.dev, true
}

// Devices returns all devices ordered by ID.
func (inv *Inventory) Devices() []Device {
	inv.mu.RLock()
	out := make([]Device, 0, len(inv.devices))
	for _, e := range inv.devices {
		out = append(out, e.dev)
	}
	inv.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns the value holder of a device. Jobs write their results into
// it; it stays valid (but detached) after the device is removed.
func (inv *Inventory) State(id job.DeviceID) (*DeviceState, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	e, ok := inv.devices[id]
	if !ok {
		return nil, false
	}
	return e.state, true
}

func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.devices)
}

type SyncResult struct {
	Added   int
	Removed int
	Updated int
}

// Sync replaces the device list. Devices that disappear, or move to another
// circuit, are passed to onRemove while they are still resolvable, so the
// caller can drop their pending jobs.
func (inv *Inventory) Sync(devs []Device, onRemove func(Device)) SyncResult {
	next := make(map[job.DeviceID]Device, len(devs))
	for _, d := range devs {
		next[d.ID] = d
	}

	var gone []Device
	inv.mu.RLock()
	for id, e := range inv.devices {
		nd, ok := next[id]
		if !ok || nd.Circuit != e.dev.Circuit {
			gone = append(gone, e.dev)
		}
	}
	inv.mu.RUnlock()

	if onRemove != nil {
		for _, d := range gone {
			onRemove(d)
		}
	}

	var res SyncResult
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for id, e := range inv.devices {
		nd, ok := next[id]
		if !ok {
			delete(inv.devices, id)
			res.Removed++
			continue
		}
		if nd.Circuit != e.dev.Circuit {
			res.Removed++
			res.Added++
			inv.devices[id] = &entry{dev: nd, state: newState(id)}
			continue
		}
		if !sameDevice(e.dev, nd) {
			e.dev = nd
			res.Updated++
		}
	}
	for id, d := range next {
		if _, ok := inv.devices[id]; !ok {
			inv.devices[id] = &entry{dev: d, state: newState(id)}
			res.Added++
		}
	}
	return res
}

func sameDevice(a, b Device) bool {
	if a.ID != b.ID || a.Circuit != b.Circuit || a.Name != b.Name {
		return false
	}
	if len(a.Sensors) != len(b.Sensors) || len(a.Scenes) != len(b.Scenes) {
		return false
	}
	for i := range a.Sensors {
		if a.Sensors[i] != b.Sensors[i] {
			return false
		}
	}
	for i := range a.Scenes {
		if a.Scenes[i] != b.Scenes[i] {
			return false
		}
	}
	return true
}

// View is a read-only copy of a device and its latest values.
type View struct {
	ID          string                       `json:"id"`
	Circuit     string                       `json:"circuit"`
	Name        string                       `json:"name,omitempty"`
	Consumption map[job.SensorType]int       `json:"consumption,omitempty"`
	OutputValue *int                         `json:"output_value,omitempty"`
	Scenes      map[int]job.SceneConfig      `json:"scenes,omitempty"`
	SceneValues map[int]job.SceneOutputValue `json:"scene_values,omitempty"`
	UpdatedAt   time.Time                    `json:"updated_at,omitempty"`
}

func (inv *Inventory) Snapshot() []View {
	devs := inv.Devices()
	out := make([]View, 0, len(devs))
	for _, d := range devs {
		st, ok := inv.State(d.ID)
		if !ok {
			continue
		}
		v := st.view()
		v.ID = string(d.ID)
		v.Circuit = string(d.Circuit)
		v.Name = d.Name
		out = append(out, v)
	}
	return out
}
