package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferdinandyb/throttle/internal/notify"
)

func TestShellExecutorSuccess(t *testing.T) {
	res := NewShellExecutor().Execute(context.Background(), `echo "hi there"`, 5*time.Second)
	require.True(t, res.Success(), "err=%v", res.Err)
	assert.Equal(t, "hi there\n", res.Stdout)
}

func TestShellExecutorNonZeroExit(t *testing.T) {
	res := NewShellExecutor().Execute(context.Background(), `sh -c 'echo oops >&2; exit 7'`, 5*time.Second)
	assert.False(t, res.Success())
	assert.NoError(t, res.Err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestShellExecutorSpawnFailure(t *testing.T) {
	res := NewShellExecutor().Execute(context.Background(), "/definitely/not/here", time.Second)
	assert.Error(t, res.Err)
	assert.Equal(t, notify.ExitCodeUnknown, res.ExitCode)

	res = NewShellExecutor().Execute(context.Background(), "   ", time.Second)
	assert.ErrorIs(t, res.Err, ErrEmptyJob)

	res = NewShellExecutor().Execute(context.Background(), `echo "unterminated`, time.Second)
	assert.Error(t, res.Err)
}

func TestShellExecutorTimeoutKillsGroup(t *testing.T) {
	e := NewShellExecutor()
	e.Grace = 200 * time.Millisecond

	started := time.Now()
	// The trap ignores SIGTERM so escalation to SIGKILL is exercised.
	res := e.Execute(context.Background(), `sh -c 'trap "" TERM; sleep 30 & wait'`, 100*time.Millisecond)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, notify.ExitCodeUnknown, res.ExitCode)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestShellExecutorCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := NewShellExecutor().Execute(ctx, "sleep 30", time.Minute)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = b.Write([]byte("defg"))
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", b.String())

	big := NewShellExecutor().Execute(context.Background(), `sh -c 'yes | head -c 200000'`, 5*time.Second)
	require.True(t, big.Success())
	assert.Len(t, big.Stdout, maxOutputBytes)
	assert.True(t, strings.HasPrefix(big.Stdout, "y\ny\n"))
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "c:2|err - out", FailureMessage(Result{ExitCode: 1, Stderr: "err", Stdout: "out"}, 2))
	assert.Equal(t, "subprocess failed with job timed out", FailureMessage(Result{Err: ErrTimeout}, 1))
}
