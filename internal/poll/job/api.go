package job

import "context"

// SensorType selects which consumption sensor of a device is read.
type SensorType string

const (
	SensorActivePower   SensorType = "active-power"
	SensorOutputCurrent SensorType = "output-current"
	SensorElectricMeter SensorType = "electric-meter"
)

// SceneConfig is a device's stored configuration for one scene.
type SceneConfig struct {
	Scene       int  `json:"scene"`
	DontCare    bool `json:"dont_care"`
	LocalPrio   bool `json:"local_prio"`
	SpecialMode bool `json:"special_mode"`
	FlashMode   bool `json:"flash_mode"`
	LEDConfig   int  `json:"led_config"`
}

// SceneOutputValue is the output a device applies when a scene is called.
// Angle is only meaningful for shade devices (-1 otherwise).
type SceneOutputValue struct {
	Value int `json:"value"`
	Angle int `json:"angle"`
}

// APIClient performs the actual network reads. It is supplied by the
// transport layer; each method is one remote call.
type APIClient interface {
	DeviceConsumption(ctx context.Context, token string, device DeviceID, sensor SensorType) (int, error)
	DeviceOutputValue(ctx context.Context, token string, device DeviceID) (int, error)
	DeviceSceneConfig(ctx context.Context, token string, device DeviceID, scene int) (SceneConfig, error)
	DeviceSceneOutputValue(ctx context.Context, token string, device DeviceID, scene int) (SceneOutputValue, error)
}

// ConnectivityProbe reports whether the remote server is reachable.
type ConnectivityProbe interface {
	CheckConnection(ctx context.Context) bool
}

// SessionProvider hands out the current session token.
type SessionProvider interface {
	SessionToken() string
}

// DeviceDirectory resolves which circuit a device is wired to.
type DeviceDirectory interface {
	CircuitOf(device DeviceID) (CircuitID, bool)
}

// ConsumptionSink receives consumption sensor values.
type ConsumptionSink interface {
	SetConsumption(sensor SensorType, value int)
}

// OutputSink receives the device output value.
type OutputSink interface {
	SetOutputValue(value int)
}

// SceneSink receives per-scene configuration and output values.
type SceneSink interface {
	SetSceneConfig(cfg SceneConfig)
	SetSceneOutputValue(scene int, v SceneOutputValue)
}
