package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := PathFor(filepath.Join(t.TempDir(), "throttle.sock"))
	l, err := Acquire(lockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	pid, err := Holder(lockPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, lockPath, l.Path())
}

func TestAcquireTwiceFails(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "throttle.sock.lock")
	l, err := Acquire(lockPath)
	require.NoError(t, err)

	// flock locks belong to the open file description, so a second open
	// in the same process conflicts.
	_, err = Acquire(lockPath)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, l.Release())
	again, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	var nilLock *PIDLock
	assert.NoError(t, nilLock.Release())

	l, err := Acquire(filepath.Join(t.TempDir(), "x.lock"))
	require.NoError(t, err)
	assert.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}

func TestHolderRejectsGarbage(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "bad.lock")
	require.NoError(t, os.WriteFile(p, []byte("not a pid\n"), 0o600))
	_, err := Holder(p)
	assert.Error(t, err)
}
