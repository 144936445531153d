package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.False(t, s.DisplayAlwaysOn)

	s, err = Load("")
	require.NoError(t, err)
	assert.False(t, s.DisplayAlwaysOn)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user", "settings.yaml")
	require.NoError(t, Save(path, Settings{DisplayAlwaysOn: true}))
	s, err := Load(path)
	require.NoError(t, err)
	assert.True(t, s.DisplayAlwaysOn)

	assert.Error(t, Save("", Settings{}))
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("display_always_on: [1"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
