package battery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wristwake/internal/bus"
)

func writePowerSupply(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, v := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(v+"\n"), 0o644))
	}
	return dir
}

func TestSysfsSourceRead(t *testing.T) {
	dir := writePowerSupply(t, map[string]string{
		"voltage_now": "3812000",
		"capacity":    "57",
		"status":      "Charging",
	})
	s, err := SysfsSource{Dir: dir}.Read()
	require.NoError(t, err)
	assert.Equal(t, 3812, s.MilliVolts)
	assert.Equal(t, 57, s.Percent)
	assert.True(t, s.Charging)
}

func TestSysfsSourceOptionalFiles(t *testing.T) {
	dir := writePowerSupply(t, map[string]string{"voltage_now": "3700000"})
	s, err := SysfsSource{Dir: dir}.Read()
	require.NoError(t, err)
	assert.Equal(t, 3700, s.MilliVolts)
	assert.Equal(t, -1, s.Percent)
	assert.False(t, s.Charging)

	_, err = SysfsSource{Dir: t.TempDir()}.Read()
	assert.Error(t, err)

	bad := writePowerSupply(t, map[string]string{"voltage_now": "n/a"})
	_, err = SysfsSource{Dir: bad}.Read()
	assert.Error(t, err)
}

func TestPollPublishes(t *testing.T) {
	ch := bus.New[Sample]("battery")
	var got []Sample
	ch.AddListener(func(s Sample) { got = append(got, s) })

	fixed := time.Unix(1_700_000_000, 0)
	p := NewPoller(Config{}, StaticSource{Sample: Sample{MilliVolts: 3900, Percent: 80}}, ch, nil)
	p.now = func() time.Time { return fixed }

	s, err := p.Poll()
	require.NoError(t, err)
	assert.Equal(t, fixed, s.At)
	require.Len(t, got, 1)
	assert.Equal(t, 3900, got[0].MilliVolts)

	last, lastErr := p.Last()
	assert.NoError(t, lastErr)
	assert.Equal(t, s, last)
}

func TestPollerLoopStopsOnClose(t *testing.T) {
	ch := bus.New[Sample]("battery")
	_, sub := ch.Subscribe(8)
	p := NewPoller(Config{Interval: 5 * time.Millisecond}, StaticSource{Sample: Sample{MilliVolts: 3600}}, ch, nil)
	p.Start(context.Background())

	select {
	case s := <-sub:
		assert.Equal(t, 3600, s.MilliVolts)
	case <-time.After(time.Second):
		t.Fatalf("no sample published")
	}
	p.Close()
	p.Close()
}
