package imu

import (
	"fmt"
	"sync"
)

// Sim is an in-memory IMU and magnetometer. It backs host runs without
// hardware and is the collaborator fake for package tests.
type Sim struct {
	mu sync.Mutex

	accel [3]float64
	gyro  [3]float64
	field [3]float64

	features   map[Feature]bool
	interrupts map[Feature]bool
	magOn      bool

	AccelErr  error
	GyroErr   error
	FieldErr  error
	EnableErr map[Feature]error
	MagErr    error

	Calls []string
}

// NewSim returns a device lying flat, face up, at rest.
func NewSim() *Sim {
	return &Sim{
		accel:      [3]float64{0, 0, StandardGravity},
		field:      [3]float64{20, 0, -40},
		features:   make(map[Feature]bool),
		interrupts: make(map[Feature]bool),
		EnableErr:  make(map[Feature]error),
	}
}

func (s *Sim) SetAccel(v [3]float64) {
	s.mu.Lock()
	s.accel = v
	s.mu.Unlock()
}

func (s *Sim) SetGyro(v [3]float64) {
	s.mu.Lock()
	s.gyro = v
	s.mu.Unlock()
}

func (s *Sim) SetField(v [3]float64) {
	s.mu.Lock()
	s.field = v
	s.mu.Unlock()
}

func (s *Sim) FetchAccel() ([3]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AccelErr != nil {
		return [3]float64{}, s.AccelErr
	}
	return s.accel, nil
}

func (s *Sim) FetchGyro() ([3]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GyroErr != nil {
		return [3]float64{}, s.GyroErr
	}
	if !s.features[FeatureGyro] {
		return [3]float64{}, nil
	}
	return s.gyro, nil
}

func (s *Sim) EnableFeature(f Feature, interrupt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, fmt.Sprintf("enable %s", f))
	if err := s.EnableErr[f]; err != nil {
		return err
	}
	s.features[f] = true
	s.interrupts[f] = interrupt
	return nil
}

func (s *Sim) DisableFeature(f Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, fmt.Sprintf("disable %s", f))
	delete(s.features, f)
	delete(s.interrupts, f)
	return nil
}

// Enabled reports whether f is currently on.
func (s *Sim) Enabled(f Feature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features[f]
}

func (s *Sim) SetEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, fmt.Sprintf("magnetometer %t", on))
	if s.MagErr != nil {
		return s.MagErr
	}
	s.magOn = on
	return nil
}

func (s *Sim) MagnetometerOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.magOn
}

func (s *Sim) FetchField() ([3]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FieldErr != nil {
		return [3]float64{}, s.FieldErr
	}
	if !s.magOn {
		return [3]float64{}, fmt.Errorf("imu: magnetometer disabled")
	}
	return s.field, nil
}

// ResetCalls clears the recorded call log.
func (s *Sim) ResetCalls() {
	s.mu.Lock()
	s.Calls = nil
	s.mu.Unlock()
}
