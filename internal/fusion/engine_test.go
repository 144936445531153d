package fusion

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wristwake/internal/imu"
	"wristwake/internal/sched"
)

type engineRig struct {
	clk *sched.ManualClock
	q   *sched.Queue
	sim *imu.Sim
	e   *Engine
}

func newEngineRig(t *testing.T, useMag bool) *engineRig {
	t.Helper()
	clk := sched.NewManualClock(time.Time{})
	q := sched.New(clk)
	sim := imu.NewSim()
	deps := Deps{Queue: q, IMU: sim}
	if useMag {
		deps.Mag = sim
	}
	e, err := New(Config{UseMagnetometer: useMag}, deps)
	require.NoError(t, err)
	return &engineRig{clk: clk, q: q, sim: sim, e: e}
}

func countCalls(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if strings.EqualFold(c, want) {
			n++
		}
	}
	return n
}

func TestLatestBeforeFirstTick(t *testing.T) {
	r := newEngineRig(t, false)
	s := r.e.Latest()
	assert.Equal(t, IdentityQuat, s.Quat)
	assert.Equal(t, uint64(0), s.Ticks)
	assert.Equal(t, 0.0, r.e.Heading())
}

func TestStartStopReferenceCounting(t *testing.T) {
	r := newEngineRig(t, true)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.e.Start())
	}
	assert.Equal(t, 1, countCalls(r.sim.Calls, "enable gyro"))
	assert.True(t, r.sim.Enabled(imu.FeatureGyro))
	assert.True(t, r.sim.MagnetometerOn())

	r.e.Stop()
	r.e.Stop()
	assert.True(t, r.e.Running())
	assert.True(t, r.sim.Enabled(imu.FeatureGyro))

	r.e.Stop()
	assert.False(t, r.e.Running())
	assert.False(t, r.sim.Enabled(imu.FeatureGyro))
	assert.False(t, r.sim.MagnetometerOn())
	assert.Equal(t, 0, r.q.Len())

	r.e.Stop()
	assert.Equal(t, 0, r.e.Users())
	assert.Equal(t, 1, countCalls(r.sim.Calls, "disable gyro"))
}

func TestStartFailureRollsBack(t *testing.T) {
	r := newEngineRig(t, false)
	r.sim.EnableErr[imu.FeatureGyro] = errors.New("bus nack")

	err := r.e.Start()
	require.Error(t, err)
	assert.Equal(t, 0, r.e.Users())
	assert.Equal(t, 0, r.q.Len())

	delete(r.sim.EnableErr, imu.FeatureGyro)
	require.NoError(t, r.e.Start())
	assert.Equal(t, 1, r.e.Users())
}

func TestMagnetometerFailureDisablesGyroAgain(t *testing.T) {
	r := newEngineRig(t, true)
	r.sim.MagErr = errors.New("no mag")

	require.Error(t, r.e.Start())
	assert.Equal(t, 0, r.e.Users())
	assert.False(t, r.sim.Enabled(imu.FeatureGyro))
}

func TestTicksAtSampleRateWhileRunning(t *testing.T) {
	r := newEngineRig(t, false)
	require.NoError(t, r.e.Start())

	r.clk.Drive(r.q, time.Second)
	assert.Equal(t, uint64(100), r.e.Latest().Ticks)

	r.e.Stop()
	r.clk.Drive(r.q, time.Second)
	assert.Equal(t, uint64(100), r.e.Latest().Ticks)
}

// slowGyro advances the clock by cost on every gyro read.
type slowGyro struct {
	*imu.Sim
	clk  *sched.ManualClock
	cost time.Duration
}

func (g *slowGyro) FetchGyro() ([3]float64, error) {
	g.clk.Advance(g.cost)
	return g.Sim.FetchGyro()
}

func TestNextTickSubtractsTickDuration(t *testing.T) {
	clk := sched.NewManualClock(time.Time{})
	q := sched.New(clk)
	gyro := &slowGyro{Sim: imu.NewSim(), clk: clk}
	e, err := New(Config{}, Deps{Queue: q, IMU: gyro})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	tickOnce := func() time.Time {
		t.Helper()
		due, ok := q.NextDeadline()
		require.True(t, ok)
		clk.Set(due)
		require.Equal(t, 1, q.RunPending())
		return due
	}

	// 3ms of a 10ms period spent reading: the next tick keeps the cadence.
	gyro.cost = 3 * time.Millisecond
	start := tickOnce()
	next, ok := q.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, start.Add(10*time.Millisecond), next)

	// A tick longer than the period is followed after the 1ms floor.
	gyro.cost = 25 * time.Millisecond
	start = tickOnce()
	next, ok = q.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, start.Add(26*time.Millisecond), next)
	assert.Equal(t, uint64(2), e.Latest().Ticks)
}

func TestTickSurvivesSensorErrors(t *testing.T) {
	r := newEngineRig(t, false)
	require.NoError(t, r.e.Start())
	r.clk.Drive(r.q, 50*time.Millisecond)

	r.sim.AccelErr = errors.New("accel timeout")
	r.sim.GyroErr = errors.New("gyro timeout")
	r.clk.Drive(r.q, 50*time.Millisecond)
	assert.Equal(t, uint64(10), r.e.Latest().Ticks)
	assert.InDelta(t, 1.0, r.e.Quaternion().Norm(), 1e-9)
}

func TestEngineTracksTiltAndKeepsUnitQuaternion(t *testing.T) {
	r := newEngineRig(t, false)
	pitch := deg2rad(-20)
	r.sim.SetAccel([3]float64{
		-math.Sin(pitch) * imu.StandardGravity,
		0,
		math.Cos(pitch) * imu.StandardGravity,
	})
	require.NoError(t, r.e.Start())

	for i := 0; i < 500; i++ {
		r.clk.Drive(r.q, r.e.Period())
		require.InDelta(t, 1.0, r.e.Quaternion().Norm(), 1e-9)
	}
	s := r.e.Latest()
	assert.InDelta(t, -20, s.Euler.Pitch, 1.0)
	assert.InDelta(t, 0, s.Euler.Roll, 1.0)
	assert.Equal(t, s.Euler.Yaw, r.e.Heading())
	assert.False(t, s.CompassValid)
}

func TestCompassHeadingWithMagnetometer(t *testing.T) {
	r := newEngineRig(t, true)
	r.sim.SetField([3]float64{0, -20, -40})
	require.NoError(t, r.e.Start())
	r.clk.Drive(r.q, 100*time.Millisecond)

	s := r.e.Latest()
	require.True(t, s.CompassValid)
	assert.InDelta(t, 90, s.CompassHeading, 1e-6)
}
