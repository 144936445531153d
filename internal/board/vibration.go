package board

import (
	"fmt"
	"sync"
	"time"
)

var afterFunc = time.AfterFunc

// Vibration gates the haptic motor. Pulses are dropped while disabled.
type Vibration struct {
	mu      sync.Mutex
	line    Line
	enabled bool
	stop    *time.Timer
	pulses  int
}

func NewVibration(lineName string) (*Vibration, error) {
	v := &Vibration{enabled: true}
	if lineName != "" {
		l, err := openLineFn(lineName, 0)
		if err != nil {
			return nil, fmt.Errorf("board: vibration: %w", err)
		}
		v.line = l
	}
	return v, nil
}

func (v *Vibration) SetEnabled(on bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.enabled == on {
		return nil
	}
	v.enabled = on
	if !on {
		return v.motorOffLocked()
	}
	return nil
}

func (v *Vibration) Enabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.enabled
}

// Pulse runs the motor for d. It reports whether the pulse was started.
func (v *Vibration) Pulse(d time.Duration) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.enabled || d <= 0 {
		return false, nil
	}
	if v.line != nil {
		if err := v.line.SetValue(1); err != nil {
			return false, fmt.Errorf("board: vibration on: %w", err)
		}
	}
	if v.stop != nil {
		v.stop.Stop()
	}
	v.pulses++
	v.stop = afterFunc(d, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		_ = v.motorOffLocked()
	})
	return true, nil
}

// Pulses is the number of pulses started.
func (v *Vibration) Pulses() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pulses
}

func (v *Vibration) motorOffLocked() error {
	if v.stop != nil {
		v.stop.Stop()
		v.stop = nil
	}
	if v.line == nil {
		return nil
	}
	if err := v.line.SetValue(0); err != nil {
		return fmt.Errorf("board: vibration off: %w", err)
	}
	return nil
}

func (v *Vibration) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.motorOffLocked()
	if v.line != nil {
		_ = v.line.Close()
		v.line = nil
	}
}
