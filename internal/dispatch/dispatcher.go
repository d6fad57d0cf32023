package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"

	"github.com/ferdinandyb/throttle/internal/events"
	"github.com/ferdinandyb/throttle/internal/filter"
	"github.com/ferdinandyb/throttle/internal/log"
	"github.com/ferdinandyb/throttle/internal/protocol"
	"github.com/ferdinandyb/throttle/internal/worker"
)

const (
	inboxSize = 256

	// shutdownWait bounds how long Run waits for workers to reap their
	// children after cancellation.
	shutdownWait = 10 * time.Second
)

// ErrStopped is returned for messages submitted after the loop exited.
var ErrStopped = errors.New("dispatcher stopped")

// Config holds the dispatcher's collaborators.
type Config struct {
	Filter      *filter.Filter
	Runner      worker.JobRunner
	IdleTimeout time.Duration
	Events      events.Publisher
}

type entry struct {
	w       *worker.Worker
	touched time.Time
}

// Dispatcher routes messages to per-key workers.
type Dispatcher struct {
	cfg     Config
	inbox   chan *protocol.Message
	stopped chan struct{}
	started time.Time
	live    atomic.Int64
	logger  *slog.Logger

	// Loop-confined state.
	registry map[string]*entry
	stats    map[string]*protocol.JobStats
}

func New(cfg Config) *Dispatcher {
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		inbox:    make(chan *protocol.Message, inboxSize),
		stopped:  make(chan struct{}),
		started:  time.Now(),
		logger:   log.WithComponent("dispatch"),
		registry: make(map[string]*entry),
		stats:    make(map[string]*protocol.JobStats),
	}
}

// Run is the control loop. It blocks until ctx is cancelled, then cancels
// every worker and waits for them to exit.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case msg := <-d.inbox:
			d.handle(ctx, msg)
		}
	}
}

// Submit hands msg to the loop. Ownership of msg passes to the dispatcher.
func (d *Dispatcher) Submit(msg *protocol.Message) error {
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}
	select {
	case d.inbox <- msg:
		return nil
	case <-d.stopped:
		return ErrStopped
	}
}

// submitFromWorker is the worker's way back into the loop. Messages are
// dropped after shutdown.
func (d *Dispatcher) submitFromWorker(msg *protocol.Message) {
	_ = d.Submit(msg)
}

// Query sends a STATS or STATUS query and waits for the reply.
func (d *Dispatcher) Query(ctx context.Context, action protocol.ActionType) (protocol.Reply, error) {
	if !action.Query() {
		return protocol.Reply{}, protocol.ErrInvalidAction
	}
	reply := make(chan protocol.Reply, 1)
	if err := d.Submit(&protocol.Message{Action: action, Reply: reply}); err != nil {
		return protocol.Reply{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	case <-d.stopped:
		return protocol.Reply{}, ErrStopped
	}
}

// Started is when the dispatcher was created.
func (d *Dispatcher) Started() time.Time {
	return d.started
}

// Workers is the number of registered workers, live or awaiting CLEAN.
func (d *Dispatcher) Workers() int {
	return int(d.live.Load())
}

func (d *Dispatcher) handle(ctx context.Context, msg *protocol.Message) {
	switch msg.Action {
	case protocol.ActionRun, protocol.ActionCont:
		d.route(ctx, msg)
	case protocol.ActionKill:
		d.kill(msg)
	case protocol.ActionClean:
		d.clean()
	case protocol.ActionStats:
		d.reply(msg, protocol.Reply{Stats: d.statsSnapshot(), At: time.Now()})
	case protocol.ActionStatus:
		d.reply(msg, protocol.Reply{Status: d.statusSnapshot(), At: time.Now()})
	default:
		d.logger.Warn("ignoring message with unknown action", "action", msg.Action.String())
	}
}

func (d *Dispatcher) route(ctx context.Context, msg *protocol.Message) {
	raw := msg.Job()
	if raw == "" {
		d.logger.Warn("ignoring message without a job", "action", msg.Action.String())
		return
	}
	key := d.cfg.Filter.Apply(raw)
	if key != raw {
		d.logger.Info("regex rewrite", "from", raw, "to", key)
		msg.SetJob(key)
	}
	logger := d.logger.With("key", key)

	e, ok := d.registry[key]
	switch {
	case !ok || !e.w.Alive():
		logger.Debug("no live worker, creating")
		e = d.spawn(ctx, key, nil)
	case e.w.Cancelled():
		logger.Debug("worker killed but still stopping, creating successor", "worker_id", e.w.ID)
		e = d.spawn(ctx, key, e.w)
	}
	e.touched = time.Now()

	st := d.stats[key]
	if st == nil {
		st = &protocol.JobStats{}
		d.stats[key] = st
	}
	st.Total++

	qsize := e.w.QueueLen()
	logger.Debug("routing", "action", msg.Action.String(), "queue_size", qsize)
	if qsize == 0 {
		d.enqueue(ctx, e, msg)
		if msg.Action == protocol.ActionRun {
			st.Run++
		}
		return
	}
	if msg.Cont() {
		logger.Debug("already queued, adding CONT")
		d.enqueue(ctx, e, msg)
		return
	}
	logger.Debug("already queued, dropping")
}

// enqueue hands msg to e's worker. A worker that went idle between the
// liveness check and now rejects the message; it is replaced and the new
// worker gets it.
func (d *Dispatcher) enqueue(ctx context.Context, e *entry, msg *protocol.Message) {
	if e.w.Enqueue(msg) {
		return
	}
	fresh := d.spawn(ctx, e.w.Key, e.w)
	fresh.touched = e.touched
	fresh.w.Enqueue(msg)
}

// spawn registers a new worker for key. With prev set, the new worker does
// not start its first job until prev has exited.
func (d *Dispatcher) spawn(ctx context.Context, key string, prev *worker.Worker) *entry {
	w := worker.New(ctx, key, worker.Deps{
		Runner:      d.cfg.Runner,
		IdleTimeout: d.cfg.IdleTimeout,
		Submit:      d.submitFromWorker,
		Events:      d.cfg.Events,
	})
	w.StartAfter(prev)
	e := &entry{w: w, touched: time.Now()}
	d.registry[key] = e
	d.live.Store(int64(len(d.registry)))
	return e
}

// kill cancels the workers named by msg. Each job matches by its raw text
// and by its filtered key.
func (d *Dispatcher) kill(msg *protocol.Message) {
	keys := mapset.NewThreadUnsafeSet[string]()
	for _, job := range msg.Jobs {
		keys.Add(job)
		keys.Add(d.cfg.Filter.Apply(job))
	}
	for _, key := range keys.ToSlice() {
		e, ok := d.registry[key]
		if !ok || !e.w.Alive() || e.w.Cancelled() {
			continue
		}
		d.logger.Info("killing worker", "key", key, "worker_id", e.w.ID)
		e.w.Kill()
		d.cfg.Events.Publish(events.WorkerKilled, map[string]any{"key": key, "worker_id": e.w.ID})
	}
}

func (d *Dispatcher) clean() {
	for key, e := range d.registry {
		if !e.w.Alive() {
			delete(d.registry, key)
		}
	}
	d.live.Store(int64(len(d.registry)))
	d.logger.Debug("cleanup finished", "remaining", len(d.registry))
}

func (d *Dispatcher) reply(msg *protocol.Message, r protocol.Reply) {
	if msg.Reply == nil {
		d.logger.Warn("query without reply channel", "action", msg.Action.String())
		return
	}
	select {
	case msg.Reply <- r:
	default:
		d.logger.Warn("reply channel full, dropping reply", "action", msg.Action.String())
	}
}

func (d *Dispatcher) statsSnapshot() *protocol.Stats {
	return &protocol.Stats{
		Start: d.started,
		Jobs: lo.MapValues(d.stats, func(st *protocol.JobStats, _ string) protocol.JobStats {
			return *st
		}),
	}
}

func (d *Dispatcher) statusSnapshot() protocol.StatusReport {
	now := time.Now()
	live := lo.PickBy(d.registry, func(_ string, e *entry) bool {
		return e.w.Alive()
	})
	return lo.MapValues(live, func(e *entry, _ string) protocol.WorkerStatus {
		return protocol.WorkerStatus{
			WorkerID:  e.w.ID,
			QueueSize: e.w.QueueLen(),
			Started:   e.w.Started,
			Touched:   e.touched,
			Uptime:    now.Sub(e.w.Started).Seconds(),
		}
	})
}

func (d *Dispatcher) shutdown() {
	close(d.stopped)
	workers := lo.MapToSlice(d.registry, func(_ string, e *entry) *worker.Worker { return e.w })
	d.logger.Info("stopping workers", "count", len(workers))
	for _, w := range workers {
		w.Kill()
	}

	deadline := time.NewTimer(shutdownWait)
	defer deadline.Stop()
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline.C:
			d.logger.Warn("workers still running at shutdown deadline")
			return
		}
	}
}
