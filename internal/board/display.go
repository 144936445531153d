// Package board drives the watch's display, vibration motor and CPU
// frequency profile.
//
// Outputs are GPIO lines looked up by name; an empty name leaves that
// output virtual, which keeps host runs and tests hardware-free.
package board

import (
	"fmt"
	"sync"
)

// Line is one GPIO output.
type Line interface {
	SetValue(v int) error
	Close() error
}

var openLineFn = openLine

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}

type DisplayConfig struct {
	// PowerLine enables the panel regulator.
	PowerLine string
	// WakeLine is high while the controller refreshes the panel.
	WakeLine string
}

// Display controls panel power and controller sleep. It starts powered
// and awake.
type Display struct {
	mu      sync.Mutex
	power   Line
	wake    Line
	powered bool
	awake   bool
}

func NewDisplay(cfg DisplayConfig) (*Display, error) {
	d := &Display{powered: true, awake: true}
	var err error
	if cfg.PowerLine != "" {
		if d.power, err = openLineFn(cfg.PowerLine, 1); err != nil {
			return nil, fmt.Errorf("board: display power: %w", err)
		}
	}
	if cfg.WakeLine != "" {
		if d.wake, err = openLineFn(cfg.WakeLine, 1); err != nil {
			d.Close()
			return nil, fmt.Errorf("board: display wake: %w", err)
		}
	}
	return d, nil
}

func (d *Display) SetPower(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.power != nil {
		if err := d.power.SetValue(boolValue(on)); err != nil {
			return fmt.Errorf("board: display power %t: %w", on, err)
		}
	}
	d.powered = on
	return nil
}

func (d *Display) SetAwake(awake bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wake != nil {
		if err := d.wake.SetValue(boolValue(awake)); err != nil {
			return fmt.Errorf("board: display wake %t: %w", awake, err)
		}
	}
	d.awake = awake
	return nil
}

// State reports the last successfully applied power and wake values.
func (d *Display) State() (powered, awake bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powered, d.awake
}

func (d *Display) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range []Line{d.wake, d.power} {
		if l != nil {
			_ = l.Close()
		}
	}
	d.power, d.wake = nil, nil
}
