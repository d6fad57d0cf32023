package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverPriority(t *testing.T) {
	home := t.TempDir()
	sys := t.TempDir()
	t.Setenv(EnvConfig, "")
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("XDG_CONFIG_DIRS", sys)

	_, err := Discover()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.MkdirAll(filepath.Join(sys, "throttle"), 0o755))
	sysPath := writeFile(t, filepath.Join(sys, "throttle"), "config.yaml", "task_timeout: 1\n")
	got, err := Discover()
	require.NoError(t, err)
	assert.Equal(t, sysPath, got)

	require.NoError(t, os.MkdirAll(filepath.Join(home, "throttle"), 0o755))
	homePath := writeFile(t, filepath.Join(home, "throttle"), "config.toml", "task_timeout = 1\n")
	got, err = Discover()
	require.NoError(t, err)
	assert.Equal(t, homePath, got)

	explicit := writeFile(t, t.TempDir(), "mine.toml", "")
	t.Setenv(EnvConfig, explicit)
	got, err = Discover()
	require.NoError(t, err)
	assert.Equal(t, explicit, got)

	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "gone.toml"))
	_, err = Discover()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSocketPath(t *testing.T) {
	runtime := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", runtime)

	cfg := Defaults()
	assert.Equal(t, filepath.Join(runtime, "throttle.sock"), cfg.Socket())

	t.Setenv("SOCKDIR", "/tmp/x")
	cfg.SocketPath = "$SOCKDIR/t.sock"
	assert.Equal(t, "/tmp/x/t.sock", cfg.Socket())
}

func TestStateDir(t *testing.T) {
	state := t.TempDir()
	t.Setenv("XDG_STATE_HOME", state)
	assert.Equal(t, filepath.Join(state, "throttle"), StateDir())
}
