// Package power is the watch's activity state machine.
//
// The Manager owns three states: Active (display on), Inactive (display
// asleep) and NotWornStationary (display regulator off while the watch
// lies still). It reacts to the idle timer, the tilt detector, IMU motion
// and gesture events, battery samples and remote commands, drives the
// display, CPU and vibration collaborators, and publishes every state it
// enters on an activity channel.
//
// All state lives on a sched.Queue. Methods documented as queue-only must
// be called from a queue item; the rest are safe from any goroutine.
package power

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wristwake/internal/battery"
	"wristwake/internal/board"
	"wristwake/internal/bus"
	"wristwake/internal/imu"
	"wristwake/internal/sched"
	"wristwake/internal/tilt"
)

type State int32

const (
	Active State = iota
	Inactive
	NotWornStationary
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case NotWornStationary:
		return "not_worn_stationary"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Forever is the idle timeout when the display is always on.
const Forever = time.Duration(math.MaxInt64)

// Activity is published on every state entry.
type Activity struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

type Display interface {
	SetPower(on bool) error
	SetAwake(awake bool) error
}

type CPU interface {
	SetProfile(p board.Profile) error
}

type Vibration interface {
	SetEnabled(on bool) error
}

// StatsRecorder accumulates retained statistics. Implementations persist
// best-effort and never block a transition.
type StatsRecorder interface {
	AddAwake(d time.Duration)
	AddDisplayOff(d time.Duration)
}

type Config struct {
	IdleTimeout          time.Duration
	MinActivePeriod      time.Duration
	LowBatteryMilliVolts int
	PublishTimeout       time.Duration
	// DisplayAlwaysOn makes the idle timeout infinite and disables the tilt
	// heuristic and the flick-out gesture.
	DisplayAlwaysOn bool
	Tilt            tilt.Config
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:          20 * time.Second,
		MinActivePeriod:      time.Second,
		LowBatteryMilliVolts: 3750,
		PublishTimeout:       250 * time.Millisecond,
		Tilt:                 tilt.DefaultConfig(),
	}
}

type Deps struct {
	Queue     *sched.Queue
	IMU       imu.Driver
	Display   Display
	CPU       CPU
	Vibration Vibration
	Stats     StatsRecorder
	Out       *bus.Channel[Activity]
	Logger    *zap.Logger
}

type Manager struct {
	cfg  Config
	log  *zap.Logger
	q    *sched.Queue
	imu  imu.Driver
	disp Display
	cpu  CPU
	vib  Vibration
	st   StatsRecorder
	out  *bus.Channel[Activity]

	idleTimeout time.Duration
	idleWork    *sched.Work
	tilt        *tilt.Detector

	state atomic.Int32

	// Queue-owned.
	lastWakeup   time.Time
	lastActivity time.Time
	// darkSince is when the display last went dark; zero while lit.
	darkSince time.Time
}

func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Queue == nil {
		return nil, errors.New("power: queue is nil")
	}
	if deps.IMU == nil {
		return nil, errors.New("power: imu is nil")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, errors.New("power: idle timeout must be > 0")
	}
	if cfg.MinActivePeriod < 0 {
		return nil, errors.New("power: min active period must be >= 0")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:  cfg,
		log:  log.Named("power"),
		q:    deps.Queue,
		imu:  deps.IMU,
		disp: deps.Display,
		cpu:  deps.CPU,
		vib:  deps.Vibration,
		st:   deps.Stats,
		out:  deps.Out,
	}
	if m.disp == nil {
		m.disp = nopDisplay{}
	}
	if m.cpu == nil {
		m.cpu = nopCPU{}
	}
	if m.vib == nil {
		m.vib = nopVibration{}
	}
	if m.st == nil {
		m.st = nopStats{}
	}

	m.idleTimeout = cfg.IdleTimeout
	if cfg.DisplayAlwaysOn {
		m.idleTimeout = Forever
	}
	m.idleWork = m.q.NewWork("idle", m.handleIdleTimeout)

	td, err := tilt.New(cfg.Tilt, m.q, m.imu, m.onTiltAway, log)
	if err != nil {
		return nil, fmt.Errorf("power: %w", err)
	}
	m.tilt = td
	m.state.Store(int32(Active))
	return m, nil
}

// Attach marshals motion and battery channel messages onto the queue.
func (m *Manager) Attach(motion *bus.Channel[imu.Event], batt *bus.Channel[battery.Sample]) {
	if motion != nil {
		motion.AddListener(func(ev imu.Event) {
			m.q.Submit(func() { m.HandleMotion(ev) })
		})
	}
	if batt != nil {
		batt.AddListener(func(s battery.Sample) {
			m.q.Submit(func() { m.HandleBattery(s) })
		})
	}
}

// State may be read from any goroutine.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) IdleTimeout() time.Duration { return m.idleTimeout }

// TiltState is queue-only.
func (m *Manager) TiltState() tilt.State { return m.tilt.State() }

// Init starts the device in Active: the CPU goes to the fast profile and
// the idle timer is armed. Queue-only.
func (m *Manager) Init() {
	now := m.now()
	m.lastWakeup = now
	m.lastActivity = now
	m.darkSince = time.Time{}
	m.state.Store(int32(Active))
	if err := m.cpu.SetProfile(board.ProfileFast); err != nil {
		m.log.Warn("cpu fast failed", zap.Error(err))
	}
	m.scheduleIdle(m.idleTimeout)
	m.log.Info("init", zap.Duration("idle_timeout", m.idleTimeout), zap.Bool("always_on", m.cfg.DisplayAlwaysOn))
}

// EnterActive lights the display and restarts the idle timer and tilt
// learning. Queue-only.
func (m *Manager) EnterActive() {
	now := m.now()
	m.log.Info("enter active", zap.Stringer("from", m.State()))

	m.lastWakeup = now
	m.lastActivity = now

	if err := m.cpu.SetProfile(board.ProfileFast); err != nil {
		m.log.Warn("cpu fast failed", zap.Error(err))
	}
	powerErr := m.disp.SetPower(true)
	if powerErr != nil {
		m.log.Warn("display power on failed", zap.Error(powerErr))
	}
	if err := m.disp.SetAwake(true); err != nil {
		m.log.Warn("display wake failed", zap.Error(err))
	}
	if powerErr == nil {
		m.endDarkPeriod(now, false)
	}

	m.disableFeature(imu.FeatureNoMotion)
	m.disableFeature(imu.FeatureAnyMotion)

	if !m.cfg.DisplayAlwaysOn {
		m.tilt.Start()
	}
	m.setState(Active)
	m.scheduleIdle(m.idleTimeout)
}

// EnterInactive puts the display to sleep. It is refused, returning false,
// unless the device is Active and has been for at least the minimum active
// period. Queue-only.
func (m *Manager) EnterInactive() bool {
	if m.State() != Active {
		return false
	}
	now := m.now()
	if awake := now.Sub(m.lastWakeup); awake < m.cfg.MinActivePeriod {
		m.log.Debug("inactive refused", zap.Duration("awake", awake))
		return false
	}
	m.log.Info("enter inactive")

	m.st.AddAwake(now.Sub(m.lastWakeup))
	m.darkSince = now

	if err := m.disp.SetAwake(false); err != nil {
		m.log.Warn("display sleep failed", zap.Error(err))
	}
	if err := m.cpu.SetProfile(board.ProfileDefault); err != nil {
		m.log.Warn("cpu default failed", zap.Error(err))
	}

	m.enableFeature(imu.FeatureNoMotion)
	m.disableFeature(imu.FeatureAnyMotion)

	m.idleWork.Cancel()
	m.tilt.Stop()
	m.setState(Inactive)
	return true
}

// ResetIdleTimeout records user input. From a dark state it enters Active
// and returns true; while Active it restarts the idle timer and starts or
// restarts tilt learning. Queue-only.
func (m *Manager) ResetIdleTimeout() bool {
	if m.State() != Active {
		m.EnterActive()
		return true
	}
	m.lastActivity = m.now()
	m.scheduleIdle(m.idleTimeout)
	switch {
	case m.cfg.DisplayAlwaysOn:
	case m.tilt.State() == tilt.Idle:
		// First interaction after boot.
		m.tilt.Start()
	default:
		m.tilt.Interaction()
	}
	return false
}

// TimeToInactive is how long until the idle timer puts the display to
// sleep: 0 when not Active, Forever with the display always on.
// Queue-only.
func (m *Manager) TimeToInactive() time.Duration {
	if m.State() != Active {
		return 0
	}
	if m.idleTimeout == Forever {
		return Forever
	}
	remaining := m.idleWork.Remaining()
	since := m.now().Sub(m.lastActivity)
	if since >= m.idleTimeout {
		return remaining
	}
	if left := m.idleTimeout - since; left > remaining {
		return left
	}
	return remaining
}

// HandleMotion applies an IMU event. Queue-only.
func (m *Manager) HandleMotion(ev imu.Event) {
	switch ev.Type {
	case imu.EventWristWakeup:
		if m.State() != Active {
			m.log.Debug("wrist wakeup")
			m.EnterActive()
		}
	case imu.EventNoMotion:
		if m.State() == Inactive {
			m.enterStationary()
		}
	case imu.EventAnyMotion:
		if m.State() == NotWornStationary {
			m.leaveStationary()
		}
	case imu.EventGesture:
		if ev.Gesture == imu.GestureFlickOut && m.idleTimeout != Forever {
			m.log.Info("flick out")
			m.EnterInactive()
		}
	}
}

// HandleBattery gates haptics on low voltage. Queue-only.
func (m *Manager) HandleBattery(s battery.Sample) {
	on := s.MilliVolts > m.cfg.LowBatteryMilliVolts
	if err := m.vib.SetEnabled(on); err != nil {
		m.log.Warn("vibration gate failed", zap.Error(err))
	}
}

// RequestScreenOff asks for Inactive, e.g. from a companion "disable
// screen" command. Safe from any goroutine.
func (m *Manager) RequestScreenOff() {
	m.q.Submit(func() { m.EnterInactive() })
}

// UserActivity reports button or touch input. Safe from any goroutine.
func (m *Manager) UserActivity() {
	m.q.Submit(func() { m.ResetIdleTimeout() })
}

func (m *Manager) enterStationary() {
	m.log.Info("enter stationary")
	if err := m.disp.SetPower(false); err != nil {
		m.log.Warn("display power off failed", zap.Error(err))
	}
	m.enableFeature(imu.FeatureAnyMotion)
	m.disableFeature(imu.FeatureNoMotion)
	m.setState(NotWornStationary)
}

func (m *Manager) leaveStationary() {
	m.log.Info("moved, display back to sleep")
	if err := m.disp.SetPower(true); err != nil {
		m.log.Warn("display power on failed", zap.Error(err))
	}
	if err := m.disp.SetAwake(false); err != nil {
		m.log.Warn("display sleep failed", zap.Error(err))
	}
	m.endDarkPeriod(m.now(), true)
	m.enableFeature(imu.FeatureNoMotion)
	m.disableFeature(imu.FeatureAnyMotion)
	m.setState(Inactive)
}

// endDarkPeriod books display-off time up to now. With stillDark the
// display stays off and a new period starts at now.
func (m *Manager) endDarkPeriod(now time.Time, stillDark bool) {
	if !m.darkSince.IsZero() {
		m.st.AddDisplayOff(now.Sub(m.darkSince))
	}
	if stillDark {
		m.darkSince = now
	} else {
		m.darkSince = time.Time{}
	}
}

func (m *Manager) handleIdleTimeout() {
	if m.State() != Active || m.idleTimeout == Forever {
		return
	}
	since := m.now().Sub(m.lastActivity)
	if since < m.idleTimeout {
		m.scheduleIdle(m.idleTimeout - since)
		return
	}
	if !m.EnterInactive() {
		left := m.cfg.MinActivePeriod - m.now().Sub(m.lastWakeup)
		if left < time.Millisecond {
			left = time.Millisecond
		}
		m.scheduleIdle(left)
	}
}

func (m *Manager) onTiltAway() {
	if m.EnterInactive() {
		return
	}
	m.log.Debug("tilt away ignored", zap.Stringer("state", m.State()))
}

func (m *Manager) scheduleIdle(d time.Duration) {
	if m.idleTimeout == Forever {
		return
	}
	m.idleWork.Reschedule(d)
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	if m.out == nil {
		return
	}
	if err := m.out.Publish(Activity{State: s, At: m.now()}, m.cfg.PublishTimeout); err != nil {
		m.log.Warn("publish state failed", zap.Stringer("state", s), zap.Error(err))
	}
}

func (m *Manager) enableFeature(f imu.Feature) {
	if err := m.imu.EnableFeature(f, true); err != nil {
		m.log.Warn("imu feature enable failed", zap.Stringer("feature", f), zap.Error(err))
	}
}

func (m *Manager) disableFeature(f imu.Feature) {
	if err := m.imu.DisableFeature(f); err != nil {
		m.log.Warn("imu feature disable failed", zap.Stringer("feature", f), zap.Error(err))
	}
}

func (m *Manager) now() time.Time { return m.q.Clock().Now() }

type nopDisplay struct{}

func (nopDisplay) SetPower(bool) error { return nil }
func (nopDisplay) SetAwake(bool) error { return nil }

type nopCPU struct{}

func (nopCPU) SetProfile(board.Profile) error { return nil }

type nopVibration struct{}

func (nopVibration) SetEnabled(bool) error { return nil }

type nopStats struct{}

func (nopStats) AddAwake(time.Duration)      {}
func (nopStats) AddDisplayOff(time.Duration) {}
