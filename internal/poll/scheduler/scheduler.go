// Package scheduler is the entry point callers use to submit device reads.
//
// A Scheduler turns a requested tier into a readiness timestamp through its
// priority policy and hands the job to the per-circuit dispatcher. Two
// constructors cover the common policies: NewSensorScheduler for background
// telemetry (soft, time-offset tiers) and NewSceneReadingScheduler for scene
// reads (strict tier buckets).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"circuitpoll/internal/eventbus"
	"circuitpoll/internal/poll/dispatcher"
	"circuitpoll/internal/poll/job"
	"circuitpoll/internal/poll/priority"
	"circuitpoll/internal/poll/queue"
	logx "circuitpoll/pkg/logx"
)

// Deps are the boundary collaborators of a scheduler.
type Deps struct {
	Client    job.APIClient
	Probe     job.ConnectivityProbe
	Session   job.SessionProvider
	Directory job.DeviceDirectory
}

type Scheduler struct {
	cfg        Config
	policy     priority.Policy
	policyName string
	dir        job.DeviceDirectory
	d          *dispatcher.Dispatcher
	log        logx.Logger
	now        func() time.Time
}

// NewSensorScheduler builds a scheduler with the soft policy derived from cfg.
func NewSensorScheduler(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus, opts ...dispatcher.Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "sensor"
	}
	s := build(cfg, priority.Soft(cfg.MinInterval, cfg.MediumFactor, cfg.LowFactor), deps, log, bus, opts)
	s.policyName = "soft"
	return s, nil
}

// NewSceneReadingScheduler builds a scheduler with the strict policy.
func NewSceneReadingScheduler(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus, opts ...dispatcher.Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "scene"
	}
	s := build(cfg, priority.Strict(), deps, log, bus, opts)
	s.policyName = "strict"
	return s, nil
}

// New builds a scheduler with an explicit policy.
func New(cfg Config, policy priority.Policy, deps Deps, log logx.Logger, bus eventbus.Bus, opts ...dispatcher.Option) (*Scheduler, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := build(cfg, policy, deps, log, bus, opts)
	s.policyName = "custom"
	return s, nil
}

func build(cfg Config, policy priority.Policy, deps Deps, log logx.Logger, bus eventbus.Bus, opts []dispatcher.Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := dispatcher.New(dispatcher.Config{
		Name:              cfg.Name,
		MinInterval:       cfg.MinInterval,
		ConnectionRecheck: cfg.ConnectionRecheck,
		HistorySize:       cfg.HistorySize,
	}, dispatcher.Deps{
		Client:  deps.Client,
		Probe:   deps.Probe,
		Session: deps.Session,
	}, log, bus, opts...)
	return &Scheduler{
		cfg:    cfg,
		policy: policy,
		dir:    deps.Directory,
		d:      d,
		log:    log.With(logx.String("comp", "scheduler"), logx.String("scheduler", cfg.Name)),
		now:    time.Now,
	}
}

func (s *Scheduler) Name() string   { return s.cfg.Name }
func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) Start(ctx context.Context) { s.d.Start(ctx) }

// Stop disarms dispatching. Reads already executing are not cancelled; use
// Wait to block until they finish.
func (s *Scheduler) Stop() { s.d.Stop() }

func (s *Scheduler) Wait(ctx context.Context) error { return s.d.Wait(ctx) }

func (s *Scheduler) Running() bool { return s.d.Running() }

func (s *Scheduler) AddHighPriorityJob(j job.Job) error   { return s.add(priority.High, j) }
func (s *Scheduler) AddMediumPriorityJob(j job.Job) error { return s.add(priority.Medium, j) }
func (s *Scheduler) AddLowPriorityJob(j job.Job) error    { return s.add(priority.Low, j) }

// AddJob submits j at the tier named by label. An unknown label drops the job
// and returns priority.ErrUnknownTier.
func (s *Scheduler) AddJob(label string, j job.Job) error {
	tier, err := priority.ParseTier(label)
	if err != nil {
		fields := []logx.Field{logx.String("tier", label), logx.Err(err)}
		if j != nil {
			fields = append(fields, logx.Stringer("job", j.Key()))
		}
		s.log.Warn("job dropped: unknown priority tier", fields...)
		return err
	}
	return s.add(tier, j)
}

func (s *Scheduler) add(tier priority.Tier, j job.Job) error {
	_, err := s.Insert(tier, j)
	return err
}

// Insert is like AddJob but reports how the queue treated the job.
func (s *Scheduler) Insert(tier priority.Tier, j job.Job) (queue.InsertResult, error) {
	if j == nil || j.CircuitID() == "" {
		fields := []logx.Field{logx.Stringer("tier", tier)}
		if j != nil {
			fields = append(fields, logx.Stringer("job", j.Key()))
		}
		s.log.Warn("job dropped: no circuit", fields...)
		return queue.Ignored, ErrUnknownCircuit
	}

	if !tier.Valid() {
		s.log.Warn("job dropped: unknown priority tier", logx.Stringer("tier", tier), logx.Stringer("job", j.Key()))
		return queue.Ignored, fmt.Errorf("%w: %s", priority.ErrUnknownTier, tier)
	}

	hint := 0
	if h, ok := j.(job.PriorityHinter); ok {
		hint = h.PriorityHint()
	}
	return s.d.InsertAt(j, s.policy(tier, s.now(), hint), tier.String())
}

// RemoveSensorJobs drops every pending job of device. The device's circuit is
// resolved through the directory; an unknown device is a logged no-op.
func (s *Scheduler) RemoveSensorJobs(device job.DeviceID) (int, error) {
	if s.dir == nil {
		s.log.Warn("remove jobs: no device directory", logx.String("device", string(device)))
		return 0, ErrUnknownDevice
	}
	cid, ok := s.dir.CircuitOf(device)
	if !ok {
		s.log.Warn("remove jobs: unknown device", logx.String("device", string(device)))
		return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	return s.d.RemoveJobsForDevice(cid, device), nil
}

// Pending reports the queued job count on circuit.
func (s *Scheduler) Pending(circuit job.CircuitID) int { return s.d.Pending(circuit) }

// Snapshot is the dispatcher snapshot plus the scheduler's policy settings.
type Snapshot struct {
	Policy       string  `json:"policy"`
	MediumFactor float64 `json:"medium_factor"`
	LowFactor    float64 `json:"low_factor"`
	dispatcher.Snapshot
}

func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		Policy:       s.policyName,
		MediumFactor: s.cfg.MediumFactor,
		LowFactor:    s.cfg.LowFactor,
		Snapshot:     s.d.Snapshot(),
	}
}
