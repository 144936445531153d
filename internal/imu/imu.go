// Package imu defines what the power manager and the orientation filter
// need from the inertial sensors, independent of the chip behind them.
package imu

import (
	"errors"
	"fmt"
	"time"
)

// StandardGravity in m/s².
const StandardGravity = 9.80665

var ErrUnsupported = errors.New("imu: feature unsupported")

type Feature int

const (
	FeatureGyro Feature = iota
	FeatureAnyMotion
	FeatureNoMotion
	FeatureWristGesture
	FeatureWristWakeup
)

func (f Feature) String() string {
	switch f {
	case FeatureGyro:
		return "gyro"
	case FeatureAnyMotion:
		return "any_motion"
	case FeatureNoMotion:
		return "no_motion"
	case FeatureWristGesture:
		return "wrist_gesture"
	case FeatureWristWakeup:
		return "wrist_wakeup"
	default:
		return fmt.Sprintf("feature(%d)", int(f))
	}
}

// Driver is an accelerometer+gyroscope with optional hardware features.
// Acceleration is in m/s², angular rate in rad/s.
type Driver interface {
	FetchAccel() ([3]float64, error)
	FetchGyro() ([3]float64, error)
	// EnableFeature turns a feature on. With interrupt set, the feature
	// reports through Events rather than polling.
	EnableFeature(f Feature, interrupt bool) error
	DisableFeature(f Feature) error
}

// Magnetometer field is in arbitrary but consistent units (µT for real parts).
type Magnetometer interface {
	SetEnabled(on bool) error
	FetchField() ([3]float64, error)
}

type EventType int

const (
	EventWristWakeup EventType = iota
	EventNoMotion
	EventAnyMotion
	EventGesture
)

func (t EventType) String() string {
	switch t {
	case EventWristWakeup:
		return "wrist_wakeup"
	case EventNoMotion:
		return "no_motion"
	case EventAnyMotion:
		return "any_motion"
	case EventGesture:
		return "gesture"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

type Gesture int

const (
	GestureUnknown Gesture = iota
	GesturePushArmDown
	GesturePivotUp
	GestureWristShake
	GestureFlickIn
	GestureFlickOut
)

// Event is a discrete motion report from the IMU layer.
type Event struct {
	Type    EventType
	Gesture Gesture
	At      time.Time
}
