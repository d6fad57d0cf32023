// Package runner executes a job until it succeeds or is cancelled, backing
// off between failed attempts and batching failure notifications.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferdinandyb/throttle/internal/events"
	"github.com/ferdinandyb/throttle/internal/log"
	"github.com/ferdinandyb/throttle/internal/notify"
	"github.com/ferdinandyb/throttle/internal/protocol"
	"github.com/ferdinandyb/throttle/internal/retry"
)

// Job is what the runner needs from a message: the (filtered) command line,
// who submitted it and whether its failures are notified.
type Job struct {
	Text   string
	Origin string
	Notify bool
}

// JobFromMessage extracts the job under the message cursor.
func JobFromMessage(m *protocol.Message) Job {
	return Job{Text: m.Job(), Origin: m.Origin, Notify: m.Notify()}
}

// Config carries the runner's dependencies. Zero fields get defaults.
type Config struct {
	Executor        Executor
	Notifier        notify.Notifier
	Policy          retry.Policy
	JobTimeout      time.Duration
	NotifyOnCounter int
	Events          events.Publisher
	Logger          *slog.Logger

	// Sleep waits for d or until ctx is done, reporting whether the full
	// delay elapsed. Tests replace it to avoid real backoff.
	Sleep func(ctx context.Context, d time.Duration) bool
}

type Runner struct {
	exec            Executor
	notifier        notify.Notifier
	policy          retry.Policy
	jobTimeout      time.Duration
	notifyOnCounter int
	events          events.Publisher
	logger          *slog.Logger
	sleep           func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config) *Runner {
	r := &Runner{
		exec:            cfg.Executor,
		notifier:        cfg.Notifier,
		policy:          cfg.Policy,
		jobTimeout:      cfg.JobTimeout,
		notifyOnCounter: cfg.NotifyOnCounter,
		events:          cfg.Events,
		logger:          cfg.Logger,
		sleep:           cfg.Sleep,
	}
	if r.exec == nil {
		r.exec = NewShellExecutor()
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.jobTimeout <= 0 {
		r.jobTimeout = time.Hour
	}
	if r.events == nil {
		r.events = events.Discard
	}
	if r.logger == nil {
		r.logger = log.WithComponent("runner")
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// Run executes job until an attempt exits 0 or ctx is cancelled. It returns
// the number of attempts made and ctx.Err() when cancelled. Retries are
// unbounded.
func (r *Runner) Run(ctx context.Context, job Job) (int, error) {
	logger := r.logger.With("job", job.Text)

	attempts := 0
	delayIndex := -1
	errorCounter := 0

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("job abandoned", "attempts", attempts)
			return attempts, err
		}
		if delayIndex+1 < r.policy.Len() {
			delayIndex++
		}

		attempts++
		logger.Debug("running job", "attempt", attempts, "timeout", r.jobTimeout)
		r.events.Publish(events.JobStarted, map[string]any{"job": job.Text, "attempt": attempts})

		res := r.exec.Execute(ctx, job.Text, r.jobTimeout)
		if res.Success() {
			logger.Info("job succeeded", "attempt", attempts, "duration", res.Duration)
			r.events.Publish(events.JobSucceeded, map[string]any{
				"job":         job.Text,
				"attempt":     attempts,
				"duration_ms": res.Duration.Milliseconds(),
			})
			return attempts, nil
		}

		// A failure caused by our own kill is not the job's fault.
		if err := ctx.Err(); err != nil {
			logger.Info("job killed", "attempt", attempts)
			return attempts, err
		}

		errorCounter++
		logger.Error("job failed",
			"attempt", attempts,
			"exit_code", res.ExitCode,
			"error", res.Err,
			"stdout", res.Stdout,
			"stderr", res.Stderr,
			"error_counter", errorCounter,
		)
		r.events.Publish(events.JobFailed, map[string]any{
			"job":       job.Text,
			"attempt":   attempts,
			"exit_code": res.ExitCode,
		})

		if errorCounter >= r.notifyOnCounter {
			if job.Notify {
				r.notify(ctx, job, res, errorCounter)
			}
			errorCounter = 0
		}

		delay := r.policy.DelayFor(delayIndex)
		logger.Debug("backing off", "delay", delay)
		if !r.sleep(ctx, delay) {
			logger.Info("job abandoned during backoff", "attempts", attempts)
			return attempts, ctx.Err()
		}
	}
}

func (r *Runner) notify(ctx context.Context, job Job, res Result, counter int) {
	n := notify.Notification{
		Job:     job.Text,
		Origin:  job.Origin,
		Urgency: notify.UrgencyCritical,
		ErrCode: res.ExitCode,
		Msg:     FailureMessage(res, counter),
	}
	r.notifier.Notify(ctx, n)
	r.events.Publish(events.NotificationSent, map[string]any{"job": job.Text, "errcode": n.ErrCode})
}

// FailureMessage renders the notification text for a failed attempt.
func FailureMessage(res Result, counter int) string {
	if res.Err != nil {
		return fmt.Sprintf("subprocess failed with %v", res.Err)
	}
	return fmt.Sprintf("c:%d|%s - %s", counter, res.Stderr, res.Stdout)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
