// Package battery samples the fuel gauge and publishes readings on a bus
// channel.
package battery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"wristwake/internal/bus"
)

type Sample struct {
	MilliVolts int       `json:"mv"`
	Percent    int       `json:"percent"`
	Charging   bool      `json:"charging"`
	At         time.Time `json:"at"`
}

type Source interface {
	Read() (Sample, error)
}

// SysfsSource reads a Linux power_supply class directory, e.g.
// /sys/class/power_supply/battery.
type SysfsSource struct {
	Dir string
}

func (s SysfsSource) Read() (Sample, error) {
	if s.Dir == "" {
		return Sample{}, errors.New("battery: power_supply dir not set")
	}
	uv, err := readInt(filepath.Join(s.Dir, "voltage_now"))
	if err != nil {
		return Sample{}, err
	}
	out := Sample{MilliVolts: uv / 1000, Percent: -1}
	if pct, err := readInt(filepath.Join(s.Dir, "capacity")); err == nil {
		out.Percent = pct
	}
	if b, err := os.ReadFile(filepath.Join(s.Dir, "status")); err == nil {
		out.Charging = strings.EqualFold(strings.TrimSpace(string(b)), "charging")
	}
	return out, nil
}

// StaticSource always reports the same reading.
type StaticSource struct {
	Sample Sample
}

func (s StaticSource) Read() (Sample, error) { return s.Sample, nil }

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("battery: read %s: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("battery: parse %s: %w", path, err)
	}
	return v, nil
}

type Config struct {
	Interval       time.Duration
	PublishTimeout time.Duration
}

// Poller reads a Source on an interval and publishes every good sample.
type Poller struct {
	cfg Config
	src Source
	out *bus.Channel[Sample]
	log *zap.Logger
	now func() time.Time

	mu   sync.RWMutex
	last Sample
	err  error

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewPoller(cfg Config, src Source, out *bus.Channel[Sample], log *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 250 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{cfg: cfg, src: src, out: out, log: log.Named("battery"), now: time.Now, stopCh: make(chan struct{})}
}

// Poll takes one reading and publishes it.
func (p *Poller) Poll() (Sample, error) {
	s, err := p.src.Read()
	p.mu.Lock()
	p.err = err
	if err == nil {
		if s.At.IsZero() {
			s.At = p.now()
		}
		p.last = s
	}
	p.mu.Unlock()
	if err != nil {
		return Sample{}, err
	}
	if p.out != nil {
		if perr := p.out.Publish(s, p.cfg.PublishTimeout); perr != nil {
			p.log.Warn("publish failed", zap.Error(perr))
		}
	}
	return s, nil
}

// Last returns the latest good sample and the error of the latest read.
func (p *Poller) Last() (Sample, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.err
}

func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.cfg.Interval)
		defer t.Stop()
		for {
			if _, err := p.Poll(); err != nil {
				p.log.Warn("read failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-t.C:
			}
		}
	}()
}

func (p *Poller) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
