package board

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLine struct {
	mu     sync.Mutex
	name   string
	values []int
	err    error
	closed bool
}

func (l *fakeLine) SetValue(v int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.values = append(l.values, v)
	return nil
}

func (l *fakeLine) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLine) last() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.values) == 0 {
		return -1
	}
	return l.values[len(l.values)-1]
}

func stubLines(t *testing.T) map[string]*fakeLine {
	t.Helper()
	lines := make(map[string]*fakeLine)
	old := openLineFn
	openLineFn = func(name string, initial int) (Line, error) {
		if name == "missing" {
			return nil, errors.New("not found")
		}
		l := &fakeLine{name: name, values: []int{initial}}
		lines[name] = l
		return l, nil
	}
	t.Cleanup(func() { openLineFn = old })
	return lines
}

func TestDisplayDrivesLines(t *testing.T) {
	lines := stubLines(t)
	d, err := NewDisplay(DisplayConfig{PowerLine: "LCD_PWR", WakeLine: "LCD_DISP"})
	require.NoError(t, err)

	require.NoError(t, d.SetAwake(false))
	assert.Equal(t, 0, lines["LCD_DISP"].last())
	require.NoError(t, d.SetPower(false))
	assert.Equal(t, 0, lines["LCD_PWR"].last())

	powered, awake := d.State()
	assert.False(t, powered)
	assert.False(t, awake)

	require.NoError(t, d.SetPower(true))
	assert.Equal(t, 1, lines["LCD_PWR"].last())

	d.Close()
	assert.True(t, lines["LCD_PWR"].closed)
	assert.True(t, lines["LCD_DISP"].closed)
}

func TestDisplayLineErrorKeepsState(t *testing.T) {
	lines := stubLines(t)
	d, err := NewDisplay(DisplayConfig{PowerLine: "LCD_PWR"})
	require.NoError(t, err)
	lines["LCD_PWR"].err = errors.New("ebusy")

	assert.Error(t, d.SetPower(false))
	powered, _ := d.State()
	assert.True(t, powered)
}

func TestDisplayOpenFailureClosesOpenedLines(t *testing.T) {
	lines := stubLines(t)
	_, err := NewDisplay(DisplayConfig{PowerLine: "LCD_PWR", WakeLine: "missing"})
	require.Error(t, err)
	assert.True(t, lines["LCD_PWR"].closed)
}

func TestVirtualDisplayNeedsNoLines(t *testing.T) {
	d, err := NewDisplay(DisplayConfig{})
	require.NoError(t, err)
	require.NoError(t, d.SetPower(false))
	powered, awake := d.State()
	assert.False(t, powered)
	assert.True(t, awake)
}

func TestVibrationGating(t *testing.T) {
	lines := stubLines(t)
	var fire func()
	old := afterFunc
	afterFunc = func(d time.Duration, f func()) *time.Timer {
		fire = f
		return time.NewTimer(time.Hour)
	}
	t.Cleanup(func() { afterFunc = old })

	v, err := NewVibration("VIB")
	require.NoError(t, err)

	ok, err := v.Pulse(50 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, lines["VIB"].last())
	fire()
	assert.Equal(t, 0, lines["VIB"].last())

	require.NoError(t, v.SetEnabled(false))
	ok, err = v.Pulse(50 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, v.Pulses())
	assert.False(t, v.Enabled())

	require.NoError(t, v.SetEnabled(true))
	ok, _ = v.Pulse(10 * time.Millisecond)
	assert.True(t, ok)
	v.Close()
	assert.Equal(t, 0, lines["VIB"].last())
	assert.True(t, lines["VIB"].closed)
}

func TestDisablingVibrationStopsRunningMotor(t *testing.T) {
	lines := stubLines(t)
	v, err := NewVibration("VIB")
	require.NoError(t, err)
	_, err = v.Pulse(time.Hour)
	require.NoError(t, err)
	require.NoError(t, v.SetEnabled(false))
	assert.Equal(t, 0, lines["VIB"].last())
}

func writeGovernors(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < n; i++ {
		dir := filepath.Join(root, "cpu"+string(rune('0'+i)), "cpufreq")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scaling_governor"), []byte("ondemand\n"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cpuidle"), 0o755))
	return root
}

func readGovernor(t *testing.T, root string, cpu int) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, "cpu"+string(rune('0'+cpu)), "cpufreq", "scaling_governor"))
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

func TestCPUSwitchesEveryCore(t *testing.T) {
	root := writeGovernors(t, 4)
	c := NewCPU(CPUConfig{SysfsRoot: root})

	require.NoError(t, c.SetProfile(ProfileFast))
	for i := 0; i < 4; i++ {
		assert.Equal(t, "performance", readGovernor(t, root, i))
	}
	assert.Equal(t, ProfileFast, c.Profile())

	require.NoError(t, c.SetProfile(ProfileDefault))
	assert.Equal(t, "schedutil", readGovernor(t, root, 2))
}

func TestCPUWithoutCpufreq(t *testing.T) {
	c := NewCPU(CPUConfig{SysfsRoot: t.TempDir()})
	assert.Error(t, c.SetProfile(ProfileFast))
	assert.Equal(t, ProfileFast, c.Profile())

	c = NewCPU(CPUConfig{SysfsRoot: t.TempDir(), Disabled: true})
	assert.NoError(t, c.SetProfile(ProfileFast))
}

func TestProfileString(t *testing.T) {
	assert.Equal(t, "fast", ProfileFast.String())
	assert.Equal(t, "default", ProfileDefault.String())
}
