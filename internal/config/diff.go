package config

import (
	"reflect"
	"sort"
	"strings"

	logx "circuitpoll/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes the diagnostics
// token), and (3) the sorted IDs of devices that were added, removed or
// edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	for _, s := range []struct {
		name       string
		prev, next SchedulerConfig
	}{
		{"sensor_scheduler", oldCfg.SensorScheduler, newCfg.SensorScheduler},
		{"scene_scheduler", oldCfg.SceneScheduler, newCfg.SceneScheduler},
	} {
		if s.prev == s.next {
			continue
		}
		changed = append(changed, s.name)
		attrs = append(attrs,
			logx.String(s.name+".min_interval", s.next.MinInterval),
			logx.Float64(s.name+".medium_factor", s.next.MediumFactor),
			logx.Float64(s.name+".low_factor", s.next.LowFactor),
		)
	}

	devChanged := diffDevices(oldCfg.Devices, newCfg.Devices)
	if len(devChanged) > 0 {
		changed = append(changed, "devices")
		attrs = append(attrs,
			logx.Int("devices.changed_count", len(devChanged)),
			logx.Int("devices.count", len(newCfg.Devices)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Refresh, newCfg.Refresh) {
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.Bool("refresh.enabled", newCfg.Refresh.Enabled),
			logx.String("refresh.timezone", strings.TrimSpace(newCfg.Refresh.Timezone)),
			logx.Int("refresh.trigger_count", len(newCfg.Refresh.Triggers)),
		)
	}

	oD, nD := derefDiagnostics(oldCfg.Diagnostics), derefDiagnostics(newCfg.Diagnostics)
	if oD != nD {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", nD.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(nD.Token) != ""),
			logx.Bool("diagnostics.allow_insecure", nD.AllowInsecure),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Simulation, newCfg.Simulation) {
		changed = append(changed, "simulation")
		attrs = append(attrs,
			logx.Bool("simulation.online", newCfg.Simulation.IsOnline()),
			logx.Float64("simulation.failure_ratio", newCfg.Simulation.FailureRatio),
		)
	}

	sort.Strings(changed)
	return changed, attrs, devChanged
}

// RestartRequired lists changed sections that only take effect on restart.
// simulation.online is the one simulation field applied live, so the
// simulation section is left to the caller.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "sensor_scheduler", "scene_scheduler", "storage":
			out = append(out, s)
		}
	}
	return out
}

func derefDiagnostics(d *DiagnosticsConfig) DiagnosticsConfig {
	if d == nil {
		return DiagnosticsConfig{}
	}
	return *d
}

func diffDevices(oldL, newL []DeviceConfig) []string {
	index := func(l []DeviceConfig) map[string]DeviceConfig {
		m := make(map[string]DeviceConfig, len(l))
		for _, d := range l {
			m[strings.TrimSpace(d.ID)] = d
		}
		return m
	}
	oldM, newM := index(oldL), index(newL)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
