// Package fusion estimates device orientation from gyroscope,
// accelerometer and optional magnetometer samples.
//
// Engine runs the AHRS as a periodic item on a sched.Queue while at least
// one consumer holds it started. Latest, Heading and Quaternion may be
// called from any goroutine.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"wristwake/internal/imu"
	"wristwake/internal/sched"
)

const DefaultSampleRateHz = 100

type Config struct {
	SampleRateHz    int
	Settings        Settings
	Calibration     Calibration
	UseMagnetometer bool
}

type Deps struct {
	Queue  *sched.Queue
	IMU    imu.Driver
	Mag    imu.Magnetometer
	Logger *zap.Logger
}

// Sample is one filter output.
type Sample struct {
	Euler      Euler
	EarthAccel Vec3 // g, gravity removed
	Quat       Quat

	// Tilt-compensated magnetic heading; only set with a magnetometer.
	CompassHeading float64
	CompassValid   bool

	Ticks uint64
	At    time.Time
}

type Engine struct {
	cfg    Config
	period time.Duration
	log    *zap.Logger
	q      *sched.Queue
	imu    imu.Driver
	mag    imu.Magnetometer
	work   *sched.Work

	// mu guards the refcount and all filter state; the tick holds it for
	// its whole run so Stop cannot interleave with a reschedule.
	mu        sync.Mutex
	users     int
	ahrs      *AHRS
	offset    *gyroOffset
	lastTick  time.Time
	lastDT    time.Duration
	lastGyro  Vec3
	lastAccel Vec3
	lastField Vec3
	ticks     uint64

	snapMu sync.RWMutex
	latest Sample
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Queue == nil {
		return nil, errors.New("fusion: queue is nil")
	}
	if deps.IMU == nil {
		return nil, errors.New("fusion: imu is nil")
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = DefaultSampleRateHz
	}
	if cfg.Settings == (Settings{}) {
		cfg.Settings = DefaultSettings(cfg.SampleRateHz)
	}
	cfg.Calibration = cfg.Calibration.withDefaults()
	if deps.Mag == nil {
		cfg.UseMagnetometer = false
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		cfg:    cfg,
		period: time.Second / time.Duration(cfg.SampleRateHz),
		log:    log.Named("fusion"),
		q:      deps.Queue,
		imu:    deps.IMU,
		mag:    deps.Mag,
		ahrs:   NewAHRS(cfg.Settings),
		offset: newGyroOffset(cfg.SampleRateHz),
	}
	e.latest = Sample{Quat: IdentityQuat}
	e.work = deps.Queue.NewWork("fusion", e.tick)
	return e, nil
}

func (e *Engine) Period() time.Duration { return e.period }

// Start takes a reference. The first reference powers the sensors, resets
// the filter and starts the periodic tick; a failure leaves the count
// unchanged.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.users++
	if e.users > 1 {
		return nil
	}

	if err := e.imu.EnableFeature(imu.FeatureGyro, false); err != nil {
		e.users--
		return fmt.Errorf("fusion: enable gyro: %w", err)
	}
	if e.cfg.UseMagnetometer {
		if err := e.mag.SetEnabled(true); err != nil {
			_ = e.imu.DisableFeature(imu.FeatureGyro)
			e.users--
			return fmt.Errorf("fusion: enable magnetometer: %w", err)
		}
	}

	e.ahrs.Reset()
	e.ahrs.SetSettings(e.cfg.Settings)
	e.offset = newGyroOffset(e.cfg.SampleRateHz)
	e.lastTick = time.Time{}
	e.lastDT = e.period
	e.lastGyro, e.lastAccel, e.lastField = Vec3{}, Vec3{}, Vec3{}

	e.work.Reschedule(e.period)
	e.log.Info("started", zap.Int("rate_hz", e.cfg.SampleRateHz), zap.Bool("magnetometer", e.cfg.UseMagnetometer))
	return nil
}

// Stop releases a reference. Releasing the last one cancels the tick and
// powers the sensors down. Unbalanced calls are ignored.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.users == 0 {
		e.log.Warn("stop without start")
		return
	}
	e.users--
	if e.users > 0 {
		return
	}

	e.work.Cancel()
	if err := e.imu.DisableFeature(imu.FeatureGyro); err != nil {
		e.log.Warn("disable gyro failed", zap.Error(err))
	}
	if e.cfg.UseMagnetometer {
		if err := e.mag.SetEnabled(false); err != nil {
			e.log.Warn("disable magnetometer failed", zap.Error(err))
		}
	}
	e.log.Info("stopped")
}

// Users is the number of outstanding Start calls.
func (e *Engine) Users() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.users
}

func (e *Engine) Running() bool { return e.Users() > 0 }

// Latest returns the most recent sample. Before the first tick it is the
// identity orientation with Ticks == 0.
func (e *Engine) Latest() Sample {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.latest
}

// Heading returns the current yaw in degrees. This is not a
// tilt-compensated magnetic heading; see Sample.CompassHeading for that.
func (e *Engine) Heading() float64 {
	return e.Latest().Euler.Yaw
}

func (e *Engine) Quaternion() Quat {
	return e.Latest().Quat
}

func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.users == 0 {
		return
	}

	clock := e.q.Clock()
	start := clock.Now()

	if g, err := e.imu.FetchGyro(); err != nil {
		e.log.Warn("gyro read failed", zap.Error(err))
	} else {
		e.lastGyro = V(g).Scale(180 / math.Pi)
	}
	if a, err := e.imu.FetchAccel(); err != nil {
		e.log.Warn("accel read failed", zap.Error(err))
	} else {
		e.lastAccel = V(a).Scale(1 / imu.StandardGravity)
	}
	if e.cfg.UseMagnetometer {
		if f, err := e.mag.FetchField(); err != nil {
			e.log.Warn("magnetometer read failed", zap.Error(err))
		} else {
			e.lastField = V(f)
		}
	}

	cal := e.cfg.Calibration
	gyro := e.offset.update(cal.gyro(e.lastGyro))
	accel := cal.accel(e.lastAccel)

	dt := e.period
	if !e.lastTick.IsZero() {
		dt = start.Sub(e.lastTick)
		if dt <= 0 {
			dt = e.lastDT
		}
	}
	e.lastTick = start
	e.lastDT = dt

	var field Vec3
	if e.cfg.UseMagnetometer {
		field = cal.magnetic(e.lastField)
		e.ahrs.Update(gyro, accel, field, dt)
	} else {
		e.ahrs.UpdateNoMagnetometer(gyro, accel, dt)
	}

	e.ticks++
	q := e.ahrs.Quaternion()
	s := Sample{
		Euler:      q.Euler(),
		EarthAccel: e.ahrs.EarthAcceleration(),
		Quat:       q,
		Ticks:      e.ticks,
		At:         start,
	}
	if !field.IsZero() && !accel.IsZero() {
		s.CompassHeading = CompassHeading(accel, field)
		s.CompassValid = true
	}
	e.snapMu.Lock()
	e.latest = s
	e.snapMu.Unlock()

	next := e.period - clock.Now().Sub(start)
	if next < time.Millisecond {
		next = time.Millisecond
	}
	e.work.Schedule(next)
}
