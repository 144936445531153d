// Package tilt decides from the gravity direction alone whether the watch
// face has been turned away from the wearer.
//
// While active, the detector learns a reference "facing" direction from a
// handful of accelerometer samples and then compares each new sample with
// it. Leaving the facing cone for longer than AwayHold fires the away
// callback once. The band between AwayDotMax and FacingDotMin is a dead
// zone that only clears the away timer.
package tilt

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wristwake/internal/fusion"
	"wristwake/internal/imu"
	"wristwake/internal/sched"
)

type State int

const (
	Idle State = iota
	Learning
	Monitoring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Learning:
		return "learning"
	case Monitoring:
		return "monitoring"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	SampleInterval time.Duration
	LearnSamples   int
	// Samples whose magnitude (m/s²) falls outside this band are motion,
	// not gravity.
	MinGravity float64
	MaxGravity float64

	FacingDotMin      float64
	AwayDotMax        float64
	AwayHold          time.Duration
	InteractionSettle time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleInterval:    100 * time.Millisecond,
		LearnSamples:      5,
		MinGravity:        5,
		MaxGravity:        15,
		FacingDotMin:      0.80,
		AwayDotMax:        0.30,
		AwayHold:          1500 * time.Millisecond,
		InteractionSettle: time.Second,
	}
}

func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return errors.New("tilt: sample_interval must be > 0")
	}
	if c.LearnSamples <= 0 {
		return errors.New("tilt: learn_samples must be > 0")
	}
	if c.MinGravity < 0 || c.MaxGravity <= c.MinGravity {
		return fmt.Errorf("tilt: invalid gravity band %.2f..%.2f", c.MinGravity, c.MaxGravity)
	}
	if c.AwayDotMax >= c.FacingDotMin {
		return fmt.Errorf("tilt: away_dot_max %.2f must be below facing_dot_min %.2f", c.AwayDotMax, c.FacingDotMin)
	}
	if c.AwayHold < 0 || c.InteractionSettle < 0 {
		return errors.New("tilt: durations must be >= 0")
	}
	return nil
}

// Detector is queue-owned: every method must run on the queue that was
// passed to New.
type Detector struct {
	cfg    Config
	log    *zap.Logger
	q      *sched.Queue
	accel  imu.Driver
	onAway func()
	work   *sched.Work

	state           State
	sum             fusion.Vec3
	count           int
	ref             fusion.Vec3
	awayStart       time.Time
	lastInteraction time.Time
}

// New returns an idle detector. onAway runs on the queue when the away
// hold elapses.
func New(cfg Config, q *sched.Queue, accel imu.Driver, onAway func(), log *zap.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q == nil || accel == nil {
		return nil, errors.New("tilt: queue and accelerometer are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Detector{cfg: cfg, log: log.Named("tilt"), q: q, accel: accel, onAway: onAway}
	d.work = q.NewWork("tilt", d.tick)
	return d, nil
}

func (d *Detector) State() State { return d.state }

// Reference is the learned facing direction, zero until learned.
func (d *Detector) Reference() fusion.Vec3 { return d.ref }

// Start begins learning and sampling. Calling it while running restarts
// learning.
func (d *Detector) Start() {
	d.restartLearning()
	d.work.Reschedule(d.cfg.SampleInterval)
}

// Interaction records user input: monitoring is suppressed for the settle
// time and the reference is learned again.
func (d *Detector) Interaction() {
	if d.state == Idle {
		return
	}
	d.restartLearning()
}

// Stop cancels sampling and forgets the reference.
func (d *Detector) Stop() {
	d.work.Cancel()
	d.state = Idle
	d.ref = fusion.Vec3{}
	d.sum = fusion.Vec3{}
	d.count = 0
	d.awayStart = time.Time{}
}

func (d *Detector) restartLearning() {
	d.state = Learning
	d.sum = fusion.Vec3{}
	d.count = 0
	d.ref = fusion.Vec3{}
	d.awayStart = time.Time{}
	d.lastInteraction = d.q.Clock().Now()
}

func (d *Detector) tick() {
	if d.state == Idle {
		return
	}
	a, err := d.accel.FetchAccel()
	if err != nil {
		d.log.Warn("accel read failed", zap.Error(err))
	} else {
		d.Process(fusion.V(a), d.q.Clock().Now())
	}
	// The away callback may have stopped us.
	if d.state != Idle {
		d.work.Schedule(d.cfg.SampleInterval)
	}
}

// Process feeds one accelerometer sample (m/s²) taken at now. It reports
// whether the away callback fired.
func (d *Detector) Process(a fusion.Vec3, now time.Time) bool {
	mag := a.Norm()
	if mag < d.cfg.MinGravity || mag > d.cfg.MaxGravity {
		return false
	}
	n := a.Scale(1 / mag)

	switch d.state {
	case Learning:
		d.sum = d.sum.Add(n)
		d.count++
		if d.count < d.cfg.LearnSamples {
			return false
		}
		ref := d.sum.Normalize()
		d.sum = fusion.Vec3{}
		d.count = 0
		if ref.IsZero() {
			d.log.Debug("degenerate reference, relearning")
			return false
		}
		d.ref = ref
		d.state = Monitoring
		d.log.Debug("reference learned", zap.Float64("x", ref.X), zap.Float64("y", ref.Y), zap.Float64("z", ref.Z))
		return false

	case Monitoring:
		if now.Sub(d.lastInteraction) < d.cfg.InteractionSettle {
			return false
		}
		dot := n.Dot(d.ref)
		switch {
		case dot >= d.cfg.FacingDotMin:
			d.awayStart = time.Time{}
		case dot <= d.cfg.AwayDotMax:
			if d.awayStart.IsZero() {
				d.awayStart = now
			}
			if now.Sub(d.awayStart) >= d.cfg.AwayHold {
				d.awayStart = time.Time{}
				d.log.Info("turned away", zap.Float64("dot", dot))
				if d.onAway != nil {
					d.onAway()
				}
				return true
			}
		default:
			d.awayStart = time.Time{}
		}
	}
	return false
}
