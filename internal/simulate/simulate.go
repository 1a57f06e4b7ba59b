// Package simulate provides stand-in implementations of the remote API so
// the daemon can run without a real server.
package simulate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"hash/fnv"
	mrand "math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"circuitpoll/internal/poll/job"
)

var ErrInjected = errors.New("simulated read failure")

type Config struct {
	Latency      time.Duration
	Jitter       time.Duration
	FailureRatio float64
	Seed         int64
}

// Client answers reads with values derived from the device ID, after a
// configurable latency. A fraction of reads fail with ErrInjected.
type Client struct {
	cfg Config

	mu  sync.Mutex
	rng *mrand.Rand

	calls atomic.Uint64
	fails atomic.Uint64
}

var _ job.APIClient = (*Client)(nil)

func NewClient(cfg Config) *Client {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Client{cfg: cfg, rng: mrand.New(mrand.NewSource(seed))}
}

func (c *Client) Calls() uint64    { return c.calls.Load() }
func (c *Client) Failures() uint64 { return c.fails.Load() }

// roll sleeps for the simulated latency and decides whether the read fails.
func (c *Client) roll(ctx context.Context) error {
	c.calls.Add(1)
	c.mu.Lock()
	d := c.cfg.Latency
	if c.cfg.Jitter > 0 {
		d += time.Duration(c.rng.Int63n(int64(c.cfg.Jitter)))
	}
	fail := c.cfg.FailureRatio > 0 && c.rng.Float64() < c.cfg.FailureRatio
	c.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		c.fails.Add(1)
		return ErrInjected
	}
	return nil
}

func (c *Client) DeviceConsumption(ctx context.Context, token string, device job.DeviceID, sensor job.SensorType) (int, error) {
	if err := c.roll(ctx); err != nil {
		return 0, err
	}
	base := int(seedOf(string(device), string(sensor)) % 2000)
	return base + int(time.Now().Unix()%7), nil
}

func (c *Client) DeviceOutputValue(ctx context.Context, token string, device job.DeviceID) (int, error) {
	if err := c.roll(ctx); err != nil {
		return 0, err
	}
	return int(seedOf(string(device), "output") % 256), nil
}

func (c *Client) DeviceSceneConfig(ctx context.Context, token string, device job.DeviceID, scene int) (job.SceneConfig, error) {
	if err := c.roll(ctx); err != nil {
		return job.SceneConfig{}, err
	}
	h := seedOf(string(device), "scene", strconv.Itoa(scene))
	return job.SceneConfig{
		Scene:       scene,
		DontCare:    h&1 != 0,
		LocalPrio:   h&2 != 0,
		SpecialMode: h&4 != 0,
		FlashMode:   h&8 != 0,
		LEDConfig:   int(h>>4) % 4,
	}, nil
}

func (c *Client) DeviceSceneOutputValue(ctx context.Context, token string, device job.DeviceID, scene int) (job.SceneOutputValue, error) {
	if err := c.roll(ctx); err != nil {
		return job.SceneOutputValue{}, err
	}
	h := seedOf(string(device), "scene-value", strconv.Itoa(scene))
	return job.SceneOutputValue{Value: int(h % 256), Angle: -1}, nil
}

func seedOf(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Probe is a ConnectivityProbe whose answer is set by the caller.
type Probe struct {
	online atomic.Bool
	checks atomic.Uint64
}

var _ job.ConnectivityProbe = (*Probe)(nil)

func NewProbe(online bool) *Probe {
	p := &Probe{}
	p.online.Store(online)
	return p
}

func (p *Probe) CheckConnection(context.Context) bool {
	p.checks.Add(1)
	return p.online.Load()
}

func (p *Probe) SetOnline(v bool) { p.online.Store(v) }
func (p *Probe) Checks() uint64   { return p.checks.Load() }

// Session hands out a random token that can be rotated.
type Session struct {
	mu    sync.RWMutex
	token string
}

var _ job.SessionProvider = (*Session)(nil)

func NewSession() *Session {
	s := &Session{}
	s.Rotate()
	return s
}

func (s *Session) SessionToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Rotate() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	tok := "sim-" + hex.EncodeToString(b)
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return tok
}
