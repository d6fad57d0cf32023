// Package worker runs the jobs of a single key, one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ferdinandyb/throttle/internal/config"
	"github.com/ferdinandyb/throttle/internal/events"
	"github.com/ferdinandyb/throttle/internal/log"
	"github.com/ferdinandyb/throttle/internal/protocol"
	"github.com/ferdinandyb/throttle/internal/runner"
)

// JobRunner runs one job to success or cancellation.
type JobRunner interface {
	Run(ctx context.Context, job runner.Job) (int, error)
}

// Deps are shared by every worker of a dispatcher.
type Deps struct {
	Runner      JobRunner
	IdleTimeout time.Duration
	// Submit hands a message back to the dispatcher. It is used for the next
	// step of a job chain and for the final CLEAN.
	Submit func(*protocol.Message)
	Events events.Publisher
}

// Worker owns a private mailbox and cancellation for one key. Its identity
// is the filtered job text.
type Worker struct {
	Key     string
	ID      string
	Digest  string
	Started time.Time

	deps    Deps
	mailbox *Mailbox[*protocol.Message]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	prev    <-chan struct{}
	runs    atomic.Int64
	logger  *slog.Logger
}

// New creates a worker for key. It does nothing until Start.
func New(parent context.Context, key string, deps Deps) *Worker {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Worker{
		Key:     key,
		ID:      id,
		Digest:  config.KeyDigest(key),
		Started: time.Now(),
		deps:    deps,
		mailbox: NewMailbox[*protocol.Message](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  log.WithWorker(key, id),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.deps.Events.Publish(events.WorkerStarted, w.eventData(""))
	go w.loop()
}

// StartAfter launches the worker goroutine but holds its first job until
// prev has exited, so two children of the same key never overlap. Messages
// may be queued meanwhile.
func (w *Worker) StartAfter(prev *Worker) {
	if prev != nil {
		w.prev = prev.Done()
	}
	w.Start()
}

// Enqueue queues m. It returns false once the worker has stopped accepting
// work, in which case the caller must start a fresh worker.
func (w *Worker) Enqueue(m *protocol.Message) bool {
	return w.mailbox.Put(m)
}

// QueueLen is the number of messages waiting; the one executing is not
// counted.
func (w *Worker) QueueLen() int {
	return w.mailbox.Len()
}

// Kill cancels the worker. Queued messages are dropped and a running job is
// terminated.
func (w *Worker) Kill() {
	w.cancel()
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether the worker goroutine is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Cancelled reports whether the worker was killed. A cancelled worker may
// still be reaping its child and must not be given new work.
func (w *Worker) Cancelled() bool {
	return w.ctx.Err() != nil
}

// Runs is the number of RUN messages this worker has executed.
func (w *Worker) Runs() int64 {
	return w.runs.Load()
}

func (w *Worker) loop() {
	reason := "idle"
	defer func() {
		if r := recover(); r != nil {
			reason = "panic"
			w.logger.Error("worker panicked", "panic", fmt.Sprint(r))
		}
		w.mailbox.Close()
		w.cancel()
		close(w.done)
		w.logger.Info("worker stopped", "reason", reason, "runs", w.runs.Load())
		w.deps.Events.Publish(events.WorkerStopped, w.eventData(reason))
		w.deps.Submit(protocol.Clean())
	}()

	w.logger.Info("worker started", "digest", w.Digest)
	if w.prev != nil {
		// Waited on even when killed, so Done implies prev is done too.
		<-w.prev
		if w.ctx.Err() != nil {
			reason = "killed"
			return
		}
	}
	for {
		msg, err := w.mailbox.Get(w.ctx, w.deps.IdleTimeout)
		if err != nil {
			if !errors.Is(err, ErrIdle) {
				reason = "killed"
			}
			return
		}

		switch msg.Action {
		case protocol.ActionRun:
			n := w.runs.Add(1)
			w.logger.Info("start run", "run", n, "index", msg.Index)
			attempts, err := w.deps.Runner.Run(w.ctx, runner.JobFromMessage(msg))
			if err != nil {
				reason = "killed"
				w.logger.Info("run abandoned", "run", n, "attempts", attempts)
				return
			}
			w.logger.Info("finish run", "run", n, "attempts", attempts)
		case protocol.ActionCont:
			w.logger.Debug("skipping job, continuing chain", "index", msg.Index)
		default:
			w.logger.Warn("unexpected message", "action", msg.Action.String())
			continue
		}

		if w.ctx.Err() != nil {
			reason = "killed"
			return
		}
		if msg.Next() {
			w.deps.Submit(msg)
		}
	}
}

func (w *Worker) eventData(reason string) map[string]any {
	d := map[string]any{
		"key":       w.Key,
		"worker_id": w.ID,
		"digest":    w.Digest,
	}
	if reason != "" {
		d["reason"] = reason
	}
	return d
}
