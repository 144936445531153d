package fusion

import (
	"math"
	"time"
)

// Gradient-free complementary AHRS in the North-West-Up earth frame.
// Gyroscope input is in deg/s, accelerometer in g, magnetometer in any
// consistent unit.

const (
	initialGain          = 10.0
	initialisationPeriod = 3.0 // seconds
)

// Settings tune the AHRS. Rejection angles are in degrees; the recovery
// trigger period is in samples.
type Settings struct {
	Gain                  float64
	GyroRange             float64
	AccelRejection        float64
	MagRejection          float64
	RecoveryTriggerPeriod int
}

// DefaultSettings match a 100 Hz wrist device with a ±2000 dps gyro.
func DefaultSettings(sampleRateHz int) Settings {
	return Settings{
		Gain:                  0.5,
		GyroRange:             2000,
		AccelRejection:        10,
		MagRejection:          10,
		RecoveryTriggerPeriod: 5 * sampleRateHz,
	}
}

type AHRS struct {
	gain                  float64
	gyroRange             float64
	accelRejection        float64
	magRejection          float64
	recoveryTriggerPeriod int

	q     Quat
	accel Vec3

	initialising        bool
	rampedGain          float64
	rampedGainStep      float64
	angularRateRecovery bool

	halfAccelFeedback    Vec3
	halfMagFeedback      Vec3
	accelIgnored         bool
	accelRecoveryTrigger int
	accelRecoveryTimeout int
	magIgnored           bool
	magRecoveryTrigger   int
	magRecoveryTimeout   int
}

func NewAHRS(s Settings) *AHRS {
	a := &AHRS{}
	a.Reset()
	a.SetSettings(s)
	return a
}

func (a *AHRS) SetSettings(s Settings) {
	a.gain = s.Gain
	a.gyroRange = math.MaxFloat64
	if s.GyroRange > 0 {
		a.gyroRange = 0.98 * s.GyroRange
	}
	a.accelRejection = rejectionThreshold(s.AccelRejection)
	a.magRejection = rejectionThreshold(s.MagRejection)
	a.recoveryTriggerPeriod = s.RecoveryTriggerPeriod
	a.accelRecoveryTimeout = a.recoveryTriggerPeriod
	a.magRecoveryTimeout = a.recoveryTriggerPeriod
	if s.Gain == 0 || s.RecoveryTriggerPeriod == 0 {
		a.accelRejection = math.MaxFloat64
		a.magRejection = math.MaxFloat64
	}
	if !a.initialising {
		a.rampedGain = a.gain
	}
	a.rampedGainStep = (initialGain - a.gain) / initialisationPeriod
}

func rejectionThreshold(deg float64) float64 {
	if deg <= 0 {
		return math.MaxFloat64
	}
	v := 0.5 * math.Sin(deg2rad(deg))
	return v * v
}

// Reset returns the filter to identity and restarts the gain ramp.
func (a *AHRS) Reset() {
	a.q = IdentityQuat
	a.accel = Vec3{}
	a.initialising = true
	a.rampedGain = initialGain
	a.angularRateRecovery = false
	a.halfAccelFeedback = Vec3{}
	a.halfMagFeedback = Vec3{}
	a.accelIgnored = false
	a.accelRecoveryTrigger = 0
	a.accelRecoveryTimeout = a.recoveryTriggerPeriod
	a.magIgnored = false
	a.magRecoveryTrigger = 0
	a.magRecoveryTimeout = a.recoveryTriggerPeriod
}

func (a *AHRS) Quaternion() Quat   { return a.q }
func (a *AHRS) Initialising() bool { return a.initialising }
func (a *AHRS) AccelIgnored() bool { return a.accelIgnored }
func (a *AHRS) MagIgnored() bool   { return a.magIgnored }

// Update advances the filter by dt. A zero magnetometer vector means no
// magnetometer.
func (a *AHRS) Update(gyro, accel, mag Vec3, dt time.Duration) {
	seconds := dt.Seconds()
	a.accel = accel

	if math.Abs(gyro.X) > a.gyroRange || math.Abs(gyro.Y) > a.gyroRange || math.Abs(gyro.Z) > a.gyroRange {
		q := a.q
		a.Reset()
		a.q = q
		a.angularRateRecovery = true
	}

	if a.initialising {
		a.rampedGain -= a.rampedGainStep * seconds
		if a.rampedGain < a.gain || a.gain == 0 {
			a.rampedGain = a.gain
			a.initialising = false
			a.angularRateRecovery = false
		}
	}

	halfGravity := a.halfGravity()

	a.halfAccelFeedback = Vec3{}
	a.accelIgnored = true
	if !accel.IsZero() {
		fb := feedback(accel.Normalize(), halfGravity)
		a.accelIgnored, a.accelRecoveryTrigger, a.accelRecoveryTimeout =
			a.reject(fb, a.accelRejection, a.accelRecoveryTrigger, a.accelRecoveryTimeout)
		if !a.accelIgnored {
			a.halfAccelFeedback = fb
		}
	}

	a.halfMagFeedback = Vec3{}
	a.magIgnored = true
	if !mag.IsZero() {
		fb := feedback(halfGravity.Cross(mag).Normalize(), a.halfMagnetic())
		a.magIgnored, a.magRecoveryTrigger, a.magRecoveryTimeout =
			a.reject(fb, a.magRejection, a.magRecoveryTrigger, a.magRecoveryTimeout)
		if !a.magIgnored {
			a.halfMagFeedback = fb
		}
	}

	halfGyro := gyro.Scale(deg2rad(0.5))
	adjusted := halfGyro.Add(a.halfAccelFeedback.Add(a.halfMagFeedback).Scale(a.rampedGain))

	a.q = a.q.Add(a.q.MulVec(adjusted.Scale(seconds))).Normalize()
}

// UpdateNoMagnetometer advances the filter without a magnetometer and pins
// the heading to zero while initialising.
func (a *AHRS) UpdateNoMagnetometer(gyro, accel Vec3, dt time.Duration) {
	a.Update(gyro, accel, Vec3{}, dt)
	if a.initialising {
		a.SetHeading(0)
	}
}

// reject applies the rejection threshold and the recovery trigger to one
// feedback term, returning the new ignored flag, trigger and timeout.
func (a *AHRS) reject(fb Vec3, threshold float64, trigger, timeout int) (bool, int, int) {
	ignored := true
	if a.initialising || fb.Dot(fb) <= threshold {
		ignored = false
		trigger -= 9
	} else {
		trigger++
	}
	if trigger > timeout {
		timeout = 0
		ignored = false
	} else {
		timeout = a.recoveryTriggerPeriod
	}
	if trigger < 0 {
		trigger = 0
	} else if trigger > a.recoveryTriggerPeriod {
		trigger = a.recoveryTriggerPeriod
	}
	return ignored, trigger, timeout
}

func (a *AHRS) halfGravity() Vec3 {
	q := a.q
	return Vec3{
		X: q.X*q.Z - q.W*q.Y,
		Y: q.Y*q.Z + q.W*q.X,
		Z: q.W*q.W - 0.5 + q.Z*q.Z,
	}
}

func (a *AHRS) halfMagnetic() Vec3 {
	q := a.q
	return Vec3{
		X: q.X*q.Y + q.W*q.Z,
		Y: q.W*q.W - 0.5 + q.Y*q.Y,
		Z: q.Y*q.Z - q.W*q.X,
	}
}

func feedback(sensor, reference Vec3) Vec3 {
	if sensor.Dot(reference) < 0 {
		return sensor.Cross(reference).Normalize()
	}
	return sensor.Cross(reference)
}

// SetHeading rotates the estimate about earth Z so yaw equals deg.
func (a *AHRS) SetHeading(deg float64) {
	q := a.q
	yaw := math.Atan2(q.W*q.Z+q.X*q.Y, 0.5-q.Y*q.Y-q.Z*q.Z)
	half := 0.5 * (yaw - deg2rad(deg))
	r := Quat{W: math.Cos(half), Z: -math.Sin(half)}
	a.q = r.Mul(q).Normalize()
}

// EarthAcceleration is the last accelerometer sample rotated into the
// earth frame with gravity removed, in g.
func (a *AHRS) EarthAcceleration() Vec3 {
	e := a.q.Rotate(a.accel)
	e.Z -= 1
	return e
}

// CompassHeading is the tilt-compensated magnetic heading in degrees for
// an NWU frame, or 0 when either input is degenerate.
func CompassHeading(accel, mag Vec3) float64 {
	west := accel.Cross(mag).Normalize()
	north := west.Cross(accel).Normalize()
	if west.IsZero() || north.IsZero() {
		return 0
	}
	return rad2deg(math.Atan2(west.X, north.X))
}
