package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/ferdinandyb/throttle/internal/log"
	"github.com/ferdinandyb/throttle/internal/notify"
)

const (
	// maxOutputBytes caps the amount of stdout and stderr kept per attempt.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

var (
	// ErrTimeout is reported when an attempt exceeds the job timeout.
	ErrTimeout = errors.New("job timed out")
	// ErrEmptyJob is reported for a job with no command words.
	ErrEmptyJob = errors.New("empty job")
)

// Result is the outcome of one execution attempt. Err is set when the job
// never produced an exit status (spawn failure, timeout, cancellation); in
// that case ExitCode is notify.ExitCodeUnknown.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	Duration time.Duration
}

// Success reports whether the attempt exited 0.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Executor runs a single attempt of a job.
type Executor interface {
	Execute(ctx context.Context, job string, timeout time.Duration) Result
}

// ShellExecutor splits the job into words with shell quoting rules and runs it
// directly, without a shell, in its own process group.
type ShellExecutor struct {
	Grace  time.Duration
	logger *slog.Logger
}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{
		Grace:  terminationGracePeriod,
		logger: log.WithComponent("executor"),
	}
}

func (e *ShellExecutor) Execute(ctx context.Context, job string, timeout time.Duration) Result {
	started := time.Now()
	res := e.execute(ctx, job, timeout)
	res.Duration = time.Since(started)
	return res
}

func (e *ShellExecutor) execute(ctx context.Context, job string, timeout time.Duration) Result {
	argv, err := shlex.Split(job)
	if err != nil {
		return failed(fmt.Errorf("split job: %w", err))
	}
	if len(argv) == 0 {
		return failed(ErrEmptyJob)
	}

	// Not CommandContext: termination of the whole group is handled below.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Background children that inherit the pipes must not hold Wait open.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return failed(fmt.Errorf("start process: %w", err))
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	logger := e.logger.With("pid", cmd.Process.Pid)

	var cause error
	select {
	case err := <-waitErr:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res
		}
		if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
			return res
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res
		}
		res.ExitCode = notify.ExitCodeUnknown
		res.Err = fmt.Errorf("wait for process: %w", err)
		return res
	case <-timer.C:
		logger.Warn("job timed out, sending SIGTERM", "timeout", timeout)
		cause = ErrTimeout
	case <-ctx.Done():
		logger.Info("job cancelled, sending SIGTERM")
		cause = ctx.Err()
	}

	e.terminate(cmd.Process.Pid, waitErr, logger)
	return Result{
		ExitCode: notify.ExitCodeUnknown,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Err:      cause,
	}
}

// terminate signals the process group with SIGTERM and escalates to SIGKILL
// once the grace period expires. It returns after the leader has been reaped.
func (e *ShellExecutor) terminate(pid int, waitErr <-chan error, logger *slog.Logger) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.Grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Debug("job exited after SIGTERM")
	case <-grace.C:
		logger.Warn("job did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func failed(err error) Result {
	return Result{ExitCode: notify.ExitCodeUnknown, Err: err}
}

// cappedBuffer keeps the first limit bytes written and silently discards the
// rest, so a chatty job can never block on a full pipe.
type cappedBuffer struct {
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.buf)
}
