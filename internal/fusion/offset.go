package fusion

import (
	"math"
	"time"
)

// Gyroscope bias estimator: while the gyroscope has read below
// OffsetThreshold on every axis for OffsetTimeout, the offset is pulled
// toward the reading through a first-order low-pass.
const (
	OffsetCutoffHz  = 0.02
	OffsetTimeout   = 5 * time.Second
	OffsetThreshold = 3.0 // deg/s
)

type gyroOffset struct {
	filterCoefficient float64
	timeout           int
	timer             int
	offset            Vec3
}

func newGyroOffset(sampleRateHz int) *gyroOffset {
	if sampleRateHz <= 0 {
		sampleRateHz = 1
	}
	return &gyroOffset{
		filterCoefficient: 2 * math.Pi * OffsetCutoffHz / float64(sampleRateHz),
		timeout:           int(OffsetTimeout.Seconds() * float64(sampleRateHz)),
	}
}

// update returns gyro (deg/s) with the current offset removed.
func (o *gyroOffset) update(gyro Vec3) Vec3 {
	gyro = gyro.Sub(o.offset)

	if math.Abs(gyro.X) > OffsetThreshold || math.Abs(gyro.Y) > OffsetThreshold || math.Abs(gyro.Z) > OffsetThreshold {
		o.timer = 0
		return gyro
	}
	if o.timer < o.timeout {
		o.timer++
		return gyro
	}
	o.offset = o.offset.Add(gyro.Scale(o.filterCoefficient))
	return gyro
}

// Calibration maps raw readings to corrected ones. Zero value fields are
// treated as identity.
type Calibration struct {
	GyroMisalignment  Mat3
	GyroSensitivity   Vec3
	GyroOffset        Vec3
	AccelMisalignment Mat3
	AccelSensitivity  Vec3
	AccelOffset       Vec3
	SoftIron          Mat3
	HardIron          Vec3
}

// IdentityCalibration leaves every reading untouched.
func IdentityCalibration() Calibration {
	return Calibration{
		GyroMisalignment:  Identity3,
		GyroSensitivity:   Vec3{1, 1, 1},
		AccelMisalignment: Identity3,
		AccelSensitivity:  Vec3{1, 1, 1},
		SoftIron:          Identity3,
	}
}

func (c Calibration) withDefaults() Calibration {
	id := IdentityCalibration()
	if c.GyroMisalignment == (Mat3{}) {
		c.GyroMisalignment = id.GyroMisalignment
	}
	if c.GyroSensitivity.IsZero() {
		c.GyroSensitivity = id.GyroSensitivity
	}
	if c.AccelMisalignment == (Mat3{}) {
		c.AccelMisalignment = id.AccelMisalignment
	}
	if c.AccelSensitivity.IsZero() {
		c.AccelSensitivity = id.AccelSensitivity
	}
	if c.SoftIron == (Mat3{}) {
		c.SoftIron = id.SoftIron
	}
	return c
}

func inertialCalibrate(u Vec3, misalignment Mat3, sensitivity, offset Vec3) Vec3 {
	return misalignment.Apply(u.Sub(offset).Mul(sensitivity))
}

func (c Calibration) gyro(u Vec3) Vec3 {
	return inertialCalibrate(u, c.GyroMisalignment, c.GyroSensitivity, c.GyroOffset)
}

func (c Calibration) accel(u Vec3) Vec3 {
	return inertialCalibrate(u, c.AccelMisalignment, c.AccelSensitivity, c.AccelOffset)
}

func (c Calibration) magnetic(u Vec3) Vec3 {
	return c.SoftIron.Apply(u.Sub(c.HardIron))
}
