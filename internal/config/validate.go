package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"circuitpoll/internal/inventory"
	"circuitpoll/internal/observability/diag"
	"circuitpoll/internal/poll/job"
	"circuitpoll/internal/poll/scheduler"
	"circuitpoll/internal/refresh"
	"circuitpoll/internal/simulate"
	"circuitpoll/internal/storage"
	logx "circuitpoll/pkg/logx"
)

const (
	DefaultMinInterval      = "250ms"
	DefaultMediumFactor     = 2.0
	DefaultLowFactor        = 4.0
	DefaultDiagnosticsAddr  = diag.DefaultAddr
	DefaultSensorScheduler  = "sensor"
	DefaultSceneScheduler   = "scene"
	defaultTriggerTier      = "low"
	defaultDiagReadTimeout  = "10s"
	defaultDiagIdleTimeout  = "60s"
	defaultLoggingLevelName = "info"
)

// ApplyDefaults fills omitted fields. Values that were set are left alone so
// Validate can reject them.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLoggingLevelName
	}
	c.SensorScheduler.applyDefaults()
	c.SceneScheduler.applyDefaults()
	for i := range c.Refresh.Triggers {
		t := &c.Refresh.Triggers[i]
		if strings.TrimSpace(t.Tier) == "" {
			t.Tier = defaultTriggerTier
		}
		if strings.TrimSpace(t.Scheduler) == "" {
			t.Scheduler = DefaultSensorScheduler
		}
	}
	if d := c.Diagnostics; d != nil {
		if strings.TrimSpace(d.Addr) == "" {
			d.Addr = DefaultDiagnosticsAddr
		}
		if strings.TrimSpace(d.ReadTimeout) == "" {
			d.ReadTimeout = defaultDiagReadTimeout
		}
		if strings.TrimSpace(d.IdleTimeout) == "" {
			d.IdleTimeout = defaultDiagIdleTimeout
		}
	}
}

func (s *SchedulerConfig) applyDefaults() {
	if strings.TrimSpace(s.MinInterval) == "" {
		s.MinInterval = DefaultMinInterval
	}
	if s.MediumFactor == 0 {
		s.MediumFactor = DefaultMediumFactor
	}
	if s.LowFactor == 0 {
		s.LowFactor = DefaultLowFactor
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", logx.FormatConsole, logx.FormatJSON:
	default:
		add(fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if _, err := c.SensorScheduler.Scheduler("sensor_scheduler", DefaultSensorScheduler); err != nil {
		add(err)
	}
	if _, err := c.SceneScheduler.Scheduler("scene_scheduler", DefaultSceneScheduler); err != nil {
		add(err)
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		path := fmt.Sprintf("devices[%d]", i)
		id := strings.TrimSpace(d.ID)
		if id == "" {
			add(fmt.Errorf("%s: id required", path))
			continue
		}
		if _, dup := seen[id]; dup {
			add(fmt.Errorf("%s: duplicate device id %q", path, id))
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(d.Circuit) == "" {
			add(fmt.Errorf("%s: circuit required", path))
		}
		for _, s := range d.Sensors {
			if !validSensor(s) {
				add(fmt.Errorf("%s: unknown sensor %q", path, s))
			}
		}
		for _, sc := range d.Scenes {
			if sc < 0 || sc > job.MaxScene {
				add(fmt.Errorf("%s: scene %d out of range", path, sc))
			}
		}
	}

	names := make(map[string]struct{}, len(c.Refresh.Triggers))
	for i, t := range c.Refresh.Triggers {
		path := fmt.Sprintf("refresh.triggers[%d]", i)
		if _, dup := names[t.Name]; dup && t.Name != "" {
			add(fmt.Errorf("%s: duplicate trigger name %q", path, t.Name))
		}
		names[t.Name] = struct{}{}
		if err := t.trigger().Validate(); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
		if t.Scheduler != DefaultSensorScheduler && t.Scheduler != DefaultSceneScheduler {
			add(fmt.Errorf("%s: %w: %q", path, refresh.ErrUnknownTarget, t.Scheduler))
		}
		for _, dev := range t.Devices {
			if _, ok := seen[strings.TrimSpace(dev)]; !ok {
				add(fmt.Errorf("%s: unknown device %q", path, dev))
			}
		}
	}
	if tz := strings.TrimSpace(c.Refresh.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("refresh.timezone: %w", err))
		}
	}

	if d := c.Diagnostics; d != nil && d.Enabled {
		if _, err := c.DiagConfig(); err != nil {
			add(err)
		}
		if !IsLoopbackAddr(d.Addr) && strings.TrimSpace(d.Token) == "" && !d.AllowInsecure {
			add(fmt.Errorf("diagnostics.addr %q is not loopback; set a token or allow_insecure", d.Addr))
		}
	}

	if _, err := c.StorageConfig(); err != nil {
		add(err)
	}
	if _, err := c.Simulation.Simulate(); err != nil {
		add(err)
	}
	return errors.Join(errs...)
}

func validSensor(s string) bool {
	switch job.SensorType(s) {
	case job.SensorActivePower, job.SensorOutputCurrent, job.SensorElectricMeter:
		return true
	}
	return false
}

// IsLoopbackAddr reports whether a listen address only accepts local
// connections.
func IsLoopbackAddr(addr string) bool { return diag.IsLoopbackAddr(addr) }

// DiagConfig converts the diagnostics section. An omitted section disables
// the server.
func (c *Config) DiagConfig() (diag.Config, error) {
	d := c.Diagnostics
	if d == nil {
		return diag.Config{}, nil
	}
	rt, err := ParseDurationOrDefault("diagnostics.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	it, err := ParseDurationOrDefault("diagnostics.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		ReadTimeout:   rt,
		IdleTimeout:   it,
	}, nil
}

// Scheduler converts the section into a validated scheduler.Config.
func (s SchedulerConfig) Scheduler(path, name string) (scheduler.Config, error) {
	minInterval, err := ParseDurationField(path+".min_interval", s.MinInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	recheck, err := ParseDurationField(path+".connection_recheck", s.ConnectionRecheck)
	if err != nil {
		return scheduler.Config{}, err
	}
	if s.HistorySize < 0 {
		return scheduler.Config{}, fmt.Errorf("%s.history_size: must be >= 0", path)
	}
	out := scheduler.Config{
		Name:              name,
		MinInterval:       minInterval,
		MediumFactor:      s.MediumFactor,
		LowFactor:         s.LowFactor,
		ConnectionRecheck: recheck,
		HistorySize:       s.HistorySize,
	}
	if err := out.Validate(); err != nil {
		return scheduler.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func (t TriggerConfig) trigger() refresh.Trigger {
	return refresh.Trigger{
		Name:      strings.TrimSpace(t.Name),
		Schedule:  t.Schedule,
		Scheduler: t.Scheduler,
		Kind:      t.Kind,
		Tier:      t.Tier,
		Devices:   append([]string(nil), t.Devices...),
		Scenes:    append([]int(nil), t.Scenes...),
		Spread:    t.Spread,
	}
}

func (c *Config) RefreshConfig() refresh.Config {
	out := refresh.Config{
		Enabled:  c.Refresh.Enabled,
		Timezone: strings.TrimSpace(c.Refresh.Timezone),
	}
	for _, t := range c.Refresh.Triggers {
		out.Triggers = append(out.Triggers, t.trigger())
	}
	return out
}

func (c *Config) InventoryDevices() []inventory.Device {
	out := make([]inventory.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		dev := inventory.Device{
			ID:      job.DeviceID(strings.TrimSpace(d.ID)),
			Circuit: job.CircuitID(strings.TrimSpace(d.Circuit)),
			Name:    d.Name,
			Scenes:  append([]int(nil), d.Scenes...),
		}
		for _, s := range d.Sensors {
			dev.Sensors = append(dev.Sensors, job.SensorType(s))
		}
		out = append(out, dev)
	}
	return out
}

// StorageConfig returns storage.Config with Driver "none" when the section
// is omitted.
func (c *Config) StorageConfig() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	bt, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	if c.Storage.Retain < 0 {
		return storage.Config{}, fmt.Errorf("storage.retain: must be >= 0")
	}
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if driver != "" && driver != "none" && strings.TrimSpace(c.Storage.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path: required for driver %q", driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: bt,
		Retain:      c.Storage.Retain,
	}, nil
}

func (s SimulationConfig) Simulate() (simulate.Config, error) {
	lat, err := ParseDurationField("simulation.latency", s.Latency)
	if err != nil {
		return simulate.Config{}, err
	}
	jit, err := ParseDurationField("simulation.jitter", s.Jitter)
	if err != nil {
		return simulate.Config{}, err
	}
	if s.FailureRatio < 0 || s.FailureRatio > 1 {
		return simulate.Config{}, fmt.Errorf("simulation.failure_ratio: must be within [0,1], got %v", s.FailureRatio)
	}
	return simulate.Config{Latency: lat, Jitter: jit, FailureRatio: s.FailureRatio, Seed: s.Seed}, nil
}

func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		Format:  l.Format,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}
