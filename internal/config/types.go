package config

// Config is the on-disk configuration of circuitpolld.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	SensorScheduler SchedulerConfig `json:"sensor_scheduler"`
	SceneScheduler  SchedulerConfig `json:"scene_scheduler"`

	Devices []DeviceConfig `json:"devices"`

	Refresh     RefreshConfig      `json:"refresh"`
	Diagnostics *DiagnosticsConfig `json:"diagnostics,omitempty"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Simulation  SimulationConfig   `json:"simulation"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig configures one scheduler instance.
//
// Defaults (when fields are omitted/zero):
//   - min_interval: "250ms"
//   - medium_factor: 2
//   - low_factor: 4
//   - connection_recheck: min_interval
//   - history_size: 200
type SchedulerConfig struct {
	MinInterval       string  `json:"min_interval,omitempty"`
	MediumFactor      float64 `json:"medium_factor,omitempty"`
	LowFactor         float64 `json:"low_factor,omitempty"`
	ConnectionRecheck string  `json:"connection_recheck,omitempty"`
	HistorySize       int     `json:"history_size,omitempty"`
}

type DeviceConfig struct {
	ID      string   `json:"id"`
	Circuit string   `json:"circuit"`
	Name    string   `json:"name,omitempty"`
	Sensors []string `json:"sensors,omitempty"`
	Scenes  []int    `json:"scenes,omitempty"`
}

// RefreshConfig controls the periodic refresh triggers.
type RefreshConfig struct {
	Enabled  bool            `json:"enabled"`
	Timezone string          `json:"timezone,omitempty"`
	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

// TriggerConfig submits one kind of read for a set of devices on a schedule.
//
// Example:
//
//	{ "name": "power", "schedule": "every:30s", "scheduler": "sensor",
//	  "kind": "active-power", "tier": "low", "spread": true }
type TriggerConfig struct {
	Name      string   `json:"name"`
	Schedule  string   `json:"schedule"`
	Scheduler string   `json:"scheduler"`
	Kind      string   `json:"kind"`
	Tier      string   `json:"tier,omitempty"`
	Devices   []string `json:"devices,omitempty"`
	Scenes    []int    `json:"scenes,omitempty"`
	Spread    bool     `json:"spread,omitempty"`
}

// DiagnosticsConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9190").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9190"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls where dispatch history is persisted.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./circuitpoll.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retain      int    `json:"retain,omitempty"`
}

// SimulationConfig drives the built-in simulated device API.
type SimulationConfig struct {
	Latency      string  `json:"latency,omitempty"`
	Jitter       string  `json:"jitter,omitempty"`
	FailureRatio float64 `json:"failure_ratio,omitempty"`
	// Online defaults to true when omitted.
	Online *bool `json:"online,omitempty"`
	Seed   int64 `json:"seed,omitempty"`
}

func (s SimulationConfig) IsOnline() bool { return s.Online == nil || *s.Online }
