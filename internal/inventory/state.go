package inventory

import (
	"sync"
	"time"

	"circuitpoll/internal/poll/job"
)

// DeviceState holds the latest values read for one device. It implements
// the job sink interfaces.
type DeviceState struct {
	id job.DeviceID

	mu          sync.Mutex
	consumption map[job.SensorType]int
	output      int
	hasOutput   bool
	scenes      map[int]job.SceneConfig
	sceneValues map[int]job.SceneOutputValue
	updatedAt   time.Time
}

var (
	_ job.ConsumptionSink = (*DeviceState)(nil)
	_ job.OutputSink      = (*DeviceState)(nil)
	_ job.SceneSink       = (*DeviceState)(nil)
)

func newState(id job.DeviceID) *DeviceState {
	return &DeviceState{
		id:          id,
		consumption: make(map[job.SensorType]int),
		scenes:      make(map[int]job.SceneConfig),
		sceneValues: make(map[int]job.SceneOutputValue),
	}
}

func (s *DeviceState) SetConsumption(sensor job.SensorType, value int) {
	s.mu.Lock()
	s.consumption[sensor] = value
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *DeviceState) SetOutputValue(value int) {
	s.mu.Lock()
	s.output = value
	s.hasOutput = true
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *DeviceState) SetSceneConfig(cfg job.SceneConfig) {
	s.mu.Lock()
	s.scenes[cfg.Scene] = cfg
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *DeviceState) SetSceneOutputValue(scene int, v job.SceneOutputValue) {
	s.mu.Lock()
	s.sceneValues[scene] = v
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *DeviceState) Consumption(sensor job.SensorType) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.consumption[sensor]
	return v, ok
}

func (s *DeviceState) OutputValue() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output, s.hasOutput
}

func (s *DeviceState) SceneConfig(scene int) (job.SceneConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.scenes[scene]
	return v, ok
}

func (s *DeviceState) SceneOutputValue(scene int) (job.SceneOutputValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sceneValues[scene]
	return v, ok
}

func (s *DeviceState) view() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{UpdatedAt: s.updatedAt}
	if len(s.consumption) > 0 {
		v.Consumption = make(map[job.SensorType]int, len(s.consumption))
		for k, x := range s.consumption {
			v.Consumption[k] = x
		}
	}
	if s.hasOutput {
		o := s.output
		v.OutputValue = &o
	}
	if len(s.scenes) > 0 {
		v.Scenes = make(map[int]job.SceneConfig, len(s.scenes))
		for k, x := range s.scenes {
			v.Scenes[k] = x
		}
	}
	if len(s.sceneValues) > 0 {
		v.SceneValues = make(map[int]job.SceneOutputValue, len(s.sceneValues))
		for k, x := range s.sceneValues {
			v.SceneValues[k] = x
		}
	}
	return v
}
