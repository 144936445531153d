package tilt

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wristwake/internal/fusion"
	"wristwake/internal/imu"
	"wristwake/internal/sched"
)

const g = imu.StandardGravity

type rig struct {
	clk   *sched.ManualClock
	q     *sched.Queue
	sim   *imu.Sim
	d     *Detector
	fired int
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{clk: sched.NewManualClock(time.Time{}), sim: imu.NewSim()}
	r.q = sched.New(r.clk)
	d, err := New(DefaultConfig(), r.q, r.sim, func() { r.fired++ }, nil)
	require.NoError(t, err)
	r.d = d
	return r
}

// withDot returns a gravity sample whose direction has the given dot
// product with +Z.
func withDot(dot float64) [3]float64 {
	return [3]float64{math.Sqrt(1-dot*dot) * g, 0, dot * g}
}

func (r *rig) learnFaceUp(t *testing.T) {
	t.Helper()
	r.sim.SetAccel([3]float64{0, 0, g})
	r.d.Start()
	r.clk.Drive(r.q, time.Second)
	require.Equal(t, Monitoring, r.d.State())
	require.Equal(t, fusion.Vec3{X: 0, Y: 0, Z: 1}, r.d.Reference())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.AwayDotMax = c.FacingDotMin
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.MaxGravity = c.MinGravity
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.LearnSamples = 0
	assert.Error(t, c.Validate())
}

func TestIdleUntilStarted(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, Idle, r.d.State())
	r.d.Interaction()
	assert.Equal(t, Idle, r.d.State())
	assert.Equal(t, 0, r.q.Len())
}

func TestLearnsReferenceFromSamples(t *testing.T) {
	r := newRig(t)
	r.sim.SetAccel([3]float64{0, 0, g})
	r.d.Start()
	assert.Equal(t, Learning, r.d.State())

	r.clk.Drive(r.q, 400*time.Millisecond)
	assert.Equal(t, Learning, r.d.State())
	assert.True(t, r.d.Reference().IsZero())

	r.clk.Drive(r.q, 100*time.Millisecond)
	assert.Equal(t, Monitoring, r.d.State())
	assert.InDelta(t, 1.0, r.d.Reference().Norm(), 1e-12)
}

func TestOutOfBandSamplesAreSkipped(t *testing.T) {
	r := newRig(t)
	r.sim.SetAccel([3]float64{0, 0, 2 * g})
	r.d.Start()
	r.clk.Drive(r.q, 2*time.Second)
	assert.Equal(t, Learning, r.d.State())

	r.sim.SetAccel([3]float64{0, 0, 0.3 * g})
	r.clk.Drive(r.q, 2*time.Second)
	assert.Equal(t, Learning, r.d.State())
}

func TestDegenerateReferenceRestartsLearning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LearnSamples = 2
	clk := sched.NewManualClock(time.Time{})
	q := sched.New(clk)
	d, err := New(cfg, q, imu.NewSim(), nil, nil)
	require.NoError(t, err)
	d.Start()

	now := clk.Now()
	d.Process(fusion.Vec3{Z: g}, now)
	d.Process(fusion.Vec3{Z: -g}, now)
	assert.Equal(t, Learning, d.State())
	assert.True(t, d.Reference().IsZero())

	d.Process(fusion.Vec3{X: g}, now)
	d.Process(fusion.Vec3{X: g}, now)
	assert.Equal(t, Monitoring, d.State())
}

func TestReferenceIsUnitOrZero(t *testing.T) {
	r := newRig(t)
	r.d.Start()
	for i := 0; i < 200; i++ {
		ph := float64(i) / 7
		r.sim.SetAccel([3]float64{3 * math.Sin(ph), 9 * math.Cos(ph), 4 + 3*math.Sin(ph*3)})
		if i%37 == 0 {
			r.d.Interaction()
		}
		r.clk.Drive(r.q, 100*time.Millisecond)
		n2 := r.d.Reference().Dot(r.d.Reference())
		if n2 != 0 {
			require.InDelta(t, 1.0, n2, 1e-9, "tick %d", i)
		}
	}
}

func TestAwayShorterThanHoldDoesNotFire(t *testing.T) {
	r := newRig(t)
	r.learnFaceUp(t)

	for i := 0; i < 5; i++ {
		r.sim.SetAccel(withDot(-1))
		r.clk.Drive(r.q, 1400*time.Millisecond)
		r.sim.SetAccel(withDot(1))
		r.clk.Drive(r.q, 200*time.Millisecond)
	}
	assert.Equal(t, 0, r.fired)
}

func TestAwayHoldFiresExactlyOnce(t *testing.T) {
	r := newRig(t)
	r.learnFaceUp(t)

	r.sim.SetAccel(withDot(-1))
	r.clk.Drive(r.q, 1400*time.Millisecond)
	assert.Equal(t, 0, r.fired)
	r.clk.Drive(r.q, 200*time.Millisecond)
	assert.Equal(t, 1, r.fired)
}

func TestDeadZoneNeverFires(t *testing.T) {
	r := newRig(t)
	r.learnFaceUp(t)

	for i := 0; i < 600; i++ {
		dot := 0.31 + 0.48*float64(i%10)/9
		r.sim.SetAccel(withDot(dot))
		r.clk.Drive(r.q, 100*time.Millisecond)
	}
	assert.Equal(t, 0, r.fired)
	assert.Equal(t, Monitoring, r.d.State())
}

func TestDeadZoneClearsAwayTimer(t *testing.T) {
	r := newRig(t)
	r.learnFaceUp(t)

	for i := 0; i < 10; i++ {
		r.sim.SetAccel(withDot(0))
		r.clk.Drive(r.q, time.Second)
		r.sim.SetAccel(withDot(0.5))
		r.clk.Drive(r.q, 100*time.Millisecond)
	}
	assert.Equal(t, 0, r.fired)
}

func TestInteractionSuppressesAndRelearns(t *testing.T) {
	r := newRig(t)
	r.learnFaceUp(t)

	r.sim.SetAccel(withDot(-1))
	r.d.Interaction()
	assert.Equal(t, Learning, r.d.State())

	// The new reference is learned upside down, so it now counts as facing.
	r.clk.Drive(r.q, 5*time.Second)
	assert.Equal(t, Monitoring, r.d.State())
	assert.InDelta(t, -1, r.d.Reference().Z, 1e-9)
	assert.Equal(t, 0, r.fired)
}

func TestSettleTimeDelaysMonitoring(t *testing.T) {
	r := newRig(t)
	now := r.clk.Now()
	r.d.Start()
	for i := 0; i < 5; i++ {
		r.d.Process(fusion.Vec3{Z: g}, now)
	}
	require.Equal(t, Monitoring, r.d.State())

	assert.False(t, r.d.Process(fusion.Vec3{Z: -g}, now.Add(500*time.Millisecond)))
	assert.False(t, r.d.Process(fusion.Vec3{Z: -g}, now.Add(999*time.Millisecond)))
	assert.False(t, r.d.Process(fusion.Vec3{Z: -g}, now.Add(time.Second)))
	assert.True(t, r.d.Process(fusion.Vec3{Z: -g}, now.Add(2500*time.Millisecond)))
}

func TestStopCancelsAndForgets(t *testing.T) {
	r := newRig(t)
	r.learnFaceUp(t)
	r.d.Stop()
	r.d.Stop()
	assert.Equal(t, Idle, r.d.State())
	assert.True(t, r.d.Reference().IsZero())

	r.sim.SetAccel(withDot(-1))
	r.clk.Drive(r.q, 5*time.Second)
	assert.Equal(t, 0, r.fired)
	assert.Equal(t, 0, r.q.Len())
}

func TestReadErrorSkipsTick(t *testing.T) {
	r := newRig(t)
	r.sim.AccelErr = errors.New("i2c timeout")
	r.d.Start()
	r.clk.Drive(r.q, time.Second)
	assert.Equal(t, Learning, r.d.State())
	assert.Equal(t, 1, r.q.Len())

	r.sim.AccelErr = nil
	r.clk.Drive(r.q, time.Second)
	assert.Equal(t, Monitoring, r.d.State())
}
