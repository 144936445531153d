// Package motion provides no-motion and any-motion detection in software
// for IMUs whose driver does not expose those interrupt engines.
package motion

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"wristwake/internal/bus"
	"wristwake/internal/fusion"
	"wristwake/internal/imu"
	"wristwake/internal/sched"
)

type Config struct {
	SampleInterval time.Duration
	// NoMotion fires once the acceleration magnitude has stayed within
	// StillThreshold (m/s², max-min) for NoMotionDuration.
	StillThreshold   float64
	NoMotionDuration time.Duration
	// AnyMotion fires after AnyMotionSamples consecutive sample-to-sample
	// changes larger than AnyMotionThreshold (m/s²).
	AnyMotionThreshold float64
	AnyMotionSamples   int
	PublishTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleInterval:     20 * time.Millisecond,
		StillThreshold:     0.3,
		NoMotionDuration:   5 * time.Second,
		AnyMotionThreshold: 1.0,
		AnyMotionSamples:   3,
		PublishTimeout:     250 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return errors.New("motion: sample_interval must be > 0")
	}
	if c.NoMotionDuration < c.SampleInterval {
		return errors.New("motion: no_motion_duration must cover at least one sample")
	}
	if c.StillThreshold <= 0 || c.AnyMotionThreshold <= 0 {
		return errors.New("motion: thresholds must be > 0")
	}
	if c.AnyMotionSamples <= 0 {
		return errors.New("motion: any_motion_samples must be > 0")
	}
	return nil
}

// Emulator wraps a driver and owns its AnyMotion and NoMotion features.
// Every other feature and all reads pass through to the wrapped driver.
type Emulator struct {
	cfg   Config
	inner imu.Driver
	out   *bus.Channel[imu.Event]
	q     *sched.Queue
	log   *zap.Logger
	work  *sched.Work

	mu        sync.Mutex
	armed     map[imu.Feature]bool
	window    *ring
	prev      fusion.Vec3
	havePrev  bool
	overCount int
}

var _ imu.Driver = (*Emulator)(nil)

func NewEmulator(cfg Config, inner imu.Driver, q *sched.Queue, out *bus.Channel[imu.Event], log *zap.Logger) (*Emulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if inner == nil || q == nil {
		return nil, errors.New("motion: driver and queue are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Emulator{
		cfg:    cfg,
		inner:  inner,
		out:    out,
		q:      q,
		log:    log.Named("motion"),
		armed:  make(map[imu.Feature]bool),
		window: newRing(int(cfg.NoMotionDuration / cfg.SampleInterval)),
	}
	e.work = q.NewWork("motion", e.tick)
	return e, nil
}

func (e *Emulator) FetchAccel() ([3]float64, error) { return e.inner.FetchAccel() }
func (e *Emulator) FetchGyro() ([3]float64, error)  { return e.inner.FetchGyro() }

func owned(f imu.Feature) bool {
	return f == imu.FeatureAnyMotion || f == imu.FeatureNoMotion
}

func (e *Emulator) EnableFeature(f imu.Feature, interrupt bool) error {
	if !owned(f) {
		return e.inner.EnableFeature(f, interrupt)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armed[f] = true
	e.resetLocked()
	e.work.Schedule(e.cfg.SampleInterval)
	return nil
}

func (e *Emulator) DisableFeature(f imu.Feature) error {
	if !owned(f) {
		return e.inner.DisableFeature(f)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.armed, f)
	if len(e.armed) == 0 {
		e.work.Cancel()
	}
	return nil
}

// Armed reports whether f is waiting to fire.
func (e *Emulator) Armed(f imu.Feature) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed[f]
}

func (e *Emulator) resetLocked() {
	e.window.reset()
	e.havePrev = false
	e.overCount = 0
}

func (e *Emulator) tick() {
	var fired []imu.EventType

	e.mu.Lock()
	if len(e.armed) == 0 {
		e.mu.Unlock()
		return
	}
	raw, err := e.inner.FetchAccel()
	if err != nil {
		e.log.Warn("accel read failed", zap.Error(err))
	} else {
		fired = e.processLocked(fusion.V(raw))
	}
	if len(e.armed) > 0 {
		e.work.Schedule(e.cfg.SampleInterval)
	}
	e.mu.Unlock()

	now := e.q.Clock().Now()
	for _, t := range fired {
		e.log.Debug("detected", zap.Stringer("event", t))
		if e.out == nil {
			continue
		}
		if err := e.out.Publish(imu.Event{Type: t, At: now}, e.cfg.PublishTimeout); err != nil {
			e.log.Warn("publish failed", zap.Error(err))
		}
	}
}

func (e *Emulator) processLocked(a fusion.Vec3) []imu.EventType {
	var fired []imu.EventType

	e.window.push(a.Norm())
	if e.armed[imu.FeatureNoMotion] && e.window.full && e.window.spread() < e.cfg.StillThreshold {
		delete(e.armed, imu.FeatureNoMotion)
		fired = append(fired, imu.EventNoMotion)
	}

	if e.havePrev && a.Sub(e.prev).Norm() > e.cfg.AnyMotionThreshold {
		e.overCount++
	} else {
		e.overCount = 0
	}
	e.prev, e.havePrev = a, true
	if e.armed[imu.FeatureAnyMotion] && e.overCount >= e.cfg.AnyMotionSamples {
		delete(e.armed, imu.FeatureAnyMotion)
		e.overCount = 0
		fired = append(fired, imu.EventAnyMotion)
	}
	return fired
}
