package board

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type Profile int

const (
	ProfileDefault Profile = iota
	ProfileFast
)

func (p Profile) String() string {
	switch p {
	case ProfileDefault:
		return "default"
	case ProfileFast:
		return "fast"
	default:
		return fmt.Sprintf("profile(%d)", int(p))
	}
}

var cpuSysfsBase = "/sys/devices/system/cpu"

type CPUConfig struct {
	// SysfsRoot defaults to /sys/devices/system/cpu.
	SysfsRoot       string
	DefaultGovernor string
	FastGovernor    string
	// Disabled records profile changes without touching sysfs.
	Disabled bool
}

// CPU switches every core's cpufreq governor between two profiles.
type CPU struct {
	cfg CPUConfig

	mu      sync.Mutex
	profile Profile
}

func NewCPU(cfg CPUConfig) *CPU {
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = cpuSysfsBase
	}
	if cfg.DefaultGovernor == "" {
		cfg.DefaultGovernor = "schedutil"
	}
	if cfg.FastGovernor == "" {
		cfg.FastGovernor = "performance"
	}
	return &CPU{cfg: cfg}
}

func (c *CPU) Profile() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func (c *CPU) SetProfile(p Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = p
	if c.cfg.Disabled {
		return nil
	}

	gov := c.cfg.DefaultGovernor
	if p == ProfileFast {
		gov = c.cfg.FastGovernor
	}
	paths, err := filepath.Glob(filepath.Join(c.cfg.SysfsRoot, "cpu[0-9]*", "cpufreq", "scaling_governor"))
	if err != nil {
		return fmt.Errorf("board: glob cpufreq: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("board: no cpufreq governors under %s", c.cfg.SysfsRoot)
	}
	var firstErr error
	for _, p := range paths {
		if err := writeSysfs(p, gov); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeSysfs(path, value string) error {
	if err := os.WriteFile(path, []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("board: write %s: %w", path, err)
	}
	return nil
}
