// Package refresh submits periodic read jobs.
//
// Each trigger has a schedule and, when it fires, walks the device inventory
// and submits one job per matching device (and scene) to a named scheduler.
// Deduplication in the circuit queues absorbs overlap between triggers.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"circuitpoll/internal/inventory"
	"circuitpoll/internal/poll/job"
	"circuitpoll/internal/poll/priority"
	logx "circuitpoll/pkg/logx"
)

// Kinds a trigger can request.
const (
	KindActivePower   = string(job.SensorActivePower)
	KindOutputCurrent = string(job.SensorOutputCurrent)
	KindElectricMeter = string(job.SensorElectricMeter)
	KindOutputValue   = string(job.KindOutputValue)
	KindSceneConfig   = "scene-config"
	KindSceneOutput   = "scene-output"
)

var ErrUnknownTarget = errors.New("unknown refresh target")

func ValidKind(kind string) bool {
	switch kind {
	case KindActivePower, KindOutputCurrent, KindElectricMeter, KindOutputValue, KindSceneConfig, KindSceneOutput:
		return true
	}
	return false
}

// Trigger describes one periodic refresh.
type Trigger struct {
	Name      string
	Schedule  string
	Scheduler string // target name, e.g. "sensor" or "scene"
	Kind      string
	Tier      string
	// Devices restricts the trigger; empty means every device.
	Devices []string
	// Scenes overrides the device's configured scenes for scene kinds.
	Scenes []int
	// Spread delays the first run of interval triggers by a random jitter.
	Spread bool
}

func (t Trigger) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("trigger name required")
	}
	if _, err := ParseSchedule(t.Schedule); err != nil {
		return fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	if !ValidKind(t.Kind) {
		return fmt.Errorf("trigger %s: unknown kind %q", t.Name, t.Kind)
	}
	if _, err := priority.ParseTier(t.Tier); err != nil {
		return fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	for _, sc := range t.Scenes {
		if sc < 0 || sc > job.MaxScene {
			return fmt.Errorf("trigger %s: scene %d out of range", t.Name, sc)
		}
	}
	return nil
}

type Config struct {
	Enabled  bool
	Timezone string
	Triggers []Trigger
}

// Target accepts jobs; *scheduler.Scheduler satisfies it.
type Target interface {
	AddJob(label string, j job.Job) error
}

type TriggerInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Scheduler string    `json:"scheduler"`
	Kind      string    `json:"kind"`
	Tier      string    `json:"tier"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Runs      uint64    `json:"runs"`
	Submitted uint64    `json:"submitted"`
}

type triggerState struct {
	def       Trigger
	entryID   cron.EntryID
	runs      atomic.Uint64
	submitted atomic.Uint64
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	inv     *inventory.Inventory
	targets map[string]Target

	parser   cron.Parser
	c        *cron.Cron
	started  bool
	loc      *time.Location
	triggers map[string]*triggerState
}

func New(cfg Config, inv *inventory.Inventory, targets map[string]Target, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "refresh")),
		inv:     inv,
		targets: targets,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		triggers: map[string]*triggerState{},
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if s.cfg.Enabled {
		s.startLocked()
	}
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	clog := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.triggers = map[string]*triggerState{}
	for _, t := range s.cfg.Triggers {
		if err := s.addLocked(t); err != nil {
			s.log.Error("trigger register failed", logx.String("trigger", t.Name), logx.String("spec", t.Schedule), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("refresh started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("refresh stopped")
}

// Apply swaps the trigger set. A started service re-registers everything.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = map[string]*triggerState{}
	if s.started && s.c == nil && cfg.Enabled {
		s.startLocked()
	}
}

func (s *Service) addLocked(t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := s.targets[t.Scheduler]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, t.Scheduler)
	}
	ps, err := ParseSchedule(t.Schedule)
	if err != nil {
		return err
	}
	st := &triggerState{def: t}
	run := cron.FuncJob(func() { s.fire(st) })

	switch ps.Kind {
	case SpecInterval:
		sched, jitter := intervalWithSpread(ps.Every, time.Now().In(s.loc), t.Name, t.Spread)
		st.entryID = s.c.Schedule(sched, run)
		s.log.Debug("trigger registered", logx.String("trigger", t.Name), logx.Duration("every", ps.Every), logx.Duration("spread", jitter))
	default:
		id, err := s.c.AddJob(ps.Cron, run)
		if err != nil {
			return err
		}
		st.entryID = id
		s.log.Debug("trigger registered", logx.String("trigger", t.Name), logx.String("cron", ps.Cron))
	}
	s.triggers[t.Name] = st
	return nil
}

func (s *Service) fire(st *triggerState) {
	n, err := s.submit(st.def)
	st.runs.Add(1)
	st.submitted.Add(uint64(n))
	if err != nil {
		s.log.Warn("trigger submit failed", logx.String("trigger", st.def.Name), logx.Int("submitted", n), logx.Err(err))
		return
	}
	s.log.Debug("trigger fired", logx.String("trigger", st.def.Name), logx.Int("submitted", n))
}

// RunNow fires the named trigger once, outside its schedule.
func (s *Service) RunNow(name string) (int, error) {
	s.mu.Lock()
	st, ok := s.triggers[name]
	if !ok {
		for _, t := range s.cfg.Triggers {
			if t.Name == name {
				st = &triggerState{def: t}
				ok = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown trigger %q", name)
	}
	n, err := s.submit(st.def)
	st.runs.Add(1)
	st.submitted.Add(uint64(n))
	return n, err
}

// submit builds and submits the jobs of one trigger run. It keeps going
// after a failed submission and returns the first error.
func (s *Service) submit(t Trigger) (int, error) {
	target, ok := s.targets[t.Scheduler]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTarget, t.Scheduler)
	}
	var only map[string]bool
	if len(t.Devices) > 0 {
		only = make(map[string]bool, len(t.Devices))
		for _, d := range t.Devices {
			only[d] = true
		}
	}

	var firstErr error
	n := 0
	for _, dev := range s.inv.Devices() {
		if only != nil && !only[string(dev.ID)] {
			continue
		}
		st, ok := s.inv.State(dev.ID)
		if !ok {
			continue
		}
		for _, j := range buildJobs(t, dev, st) {
			if err := target.AddJob(t.Tier, j); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			n++
		}
	}
	return n, firstErr
}

func buildJobs(t Trigger, dev inventory.Device, st *inventory.DeviceState) []job.Job {
	switch t.Kind {
	case KindActivePower, KindOutputCurrent, KindElectricMeter:
		sensor := job.SensorType(t.Kind)
		if len(dev.Sensors) > 0 && !dev.HasSensor(sensor) {
			return nil
		}
		return []job.Job{job.NewConsumptionJob(dev.ID, dev.Circuit, sensor, st)}
	case KindOutputValue:
		return []job.Job{job.NewOutputValueJob(dev.ID, dev.Circuit, st)}
	case KindSceneConfig, KindSceneOutput:
		scenes := t.Scenes
		if len(scenes) == 0 {
			scenes = dev.Scenes
		}
		out := make([]job.Job, 0, len(scenes))
		for _, sc := range scenes {
			if t.Kind == KindSceneConfig {
				out = append(out, job.NewSceneConfigJob(dev.ID, dev.Circuit, sc, st))
			} else {
				out = append(out, job.NewSceneOutputValueJob(dev.ID, dev.Circuit, sc, st))
			}
		}
		return out
	}
	return nil
}

func (s *Service) Snapshot() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerInfo, 0, len(s.triggers))
	for _, st := range s.triggers {
		info := TriggerInfo{
			Name:      st.def.Name,
			Spec:      st.def.Schedule,
			Scheduler: st.def.Scheduler,
			Kind:      st.def.Kind,
			Tier:      st.def.Tier,
			Runs:      st.runs.Load(),
			Submitted: st.submitted.Load(),
		}
		if s.c != nil {
			e := s.c.Entry(st.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
