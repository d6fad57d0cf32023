package worker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferdinandyb/throttle/internal/log"
	"github.com/ferdinandyb/throttle/internal/protocol"
	"github.com/ferdinandyb/throttle/internal/runner"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text", os.Stderr)
	os.Exit(m.Run())
}

type fakeRunner struct {
	mu    sync.Mutex
	jobs  []runner.Job
	block chan struct{} // when set, Run waits on it or ctx
	panic bool
}

func (f *fakeRunner) Run(ctx context.Context, job runner.Job) (int, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	block, p := f.block, f.panic
	f.mu.Unlock()
	if p {
		panic("boom")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 1, ctx.Err()
		}
	}
	return 1, nil
}

func (f *fakeRunner) Jobs() []runner.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Job(nil), f.jobs...)
}

type submitted struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (s *submitted) Submit(m *protocol.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
}

func (s *submitted) Actions() []protocol.ActionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ActionType, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Action
	}
	return out
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerIdleExitEmitsClean(t *testing.T) {
	r := &fakeRunner{}
	sub := &submitted{}
	w := New(context.Background(), "echo hi", Deps{Runner: r, IdleTimeout: 50 * time.Millisecond, Submit: sub.Submit})
	w.Start()

	require.True(t, w.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"echo hi"}}))
	waitDone(t, w)

	assert.False(t, w.Alive())
	assert.Equal(t, []protocol.ActionType{protocol.ActionClean}, sub.Actions())
	assert.Len(t, r.Jobs(), 1)
	assert.EqualValues(t, 1, w.Runs())
	assert.False(t, w.Enqueue(&protocol.Message{Action: protocol.ActionRun}), "stopped worker must reject work")
	assert.Len(t, w.Digest, 12)
	assert.NotEmpty(t, w.ID)
}

func TestWorkerChainResubmitsNextStep(t *testing.T) {
	r := &fakeRunner{}
	sub := &submitted{}
	w := New(context.Background(), "a", Deps{Runner: r, IdleTimeout: 50 * time.Millisecond, Submit: sub.Submit})
	w.Start()

	w.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"a", "b"}, Notifications: []int{0, 1}})
	waitDone(t, w)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.msgs, 2)
	next := sub.msgs[0]
	assert.Equal(t, protocol.ActionRun, next.Action)
	assert.Equal(t, 1, next.Index)
	assert.Equal(t, "b", next.Job())
	assert.Equal(t, protocol.ActionClean, sub.msgs[1].Action)
}

func TestWorkerContSkipsExecution(t *testing.T) {
	r := &fakeRunner{}
	sub := &submitted{}
	w := New(context.Background(), "a", Deps{Runner: r, IdleTimeout: 50 * time.Millisecond, Submit: sub.Submit})
	w.Start()

	w.Enqueue(&protocol.Message{Action: protocol.ActionCont, Jobs: []string{"a", "b"}})
	waitDone(t, w)

	assert.Empty(t, r.Jobs())
	assert.Equal(t, []protocol.ActionType{protocol.ActionRun, protocol.ActionClean}, sub.Actions())
}

func TestWorkerKillDropsQueue(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	sub := &submitted{}
	w := New(context.Background(), "sleep", Deps{Runner: r, IdleTimeout: time.Minute, Submit: sub.Submit})
	w.Start()

	w.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"sleep", "after"}})
	w.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"sleep"}})
	require.Eventually(t, func() bool { return len(r.Jobs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, w.QueueLen())

	w.Kill()
	waitDone(t, w)

	assert.Len(t, r.Jobs(), 1, "queued message must not run after kill")
	assert.Equal(t, []protocol.ActionType{protocol.ActionClean}, sub.Actions(), "chain must not continue after kill")
}

func TestWorkerStartAfterWaitsForPredecessor(t *testing.T) {
	r := &fakeRunner{}
	sub := &submitted{}
	prev := New(context.Background(), "sync", Deps{Runner: &fakeRunner{block: make(chan struct{})}, IdleTimeout: time.Minute, Submit: sub.Submit})
	prev.Start()
	prev.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"sync"}})
	prev.Kill()
	assert.True(t, prev.Cancelled())

	next := New(context.Background(), "sync", Deps{Runner: r, IdleTimeout: 50 * time.Millisecond, Submit: sub.Submit})
	assert.False(t, next.Cancelled())
	next.StartAfter(prev)
	require.True(t, next.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"sync"}}))

	waitDone(t, prev)
	waitDone(t, next)
	assert.Len(t, r.Jobs(), 1, "successor runs the job queued while the predecessor stopped")
}

func TestWorkerKilledWhileWaitingStillWaits(t *testing.T) {
	block := make(chan struct{})
	sub := &submitted{}
	prev := New(context.Background(), "sync", Deps{Runner: &fakeRunner{block: block}, IdleTimeout: time.Minute, Submit: sub.Submit})
	prev.Start()
	prev.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"sync"}})

	r := &fakeRunner{}
	next := New(context.Background(), "sync", Deps{Runner: r, IdleTimeout: time.Minute, Submit: sub.Submit})
	next.StartAfter(prev)
	next.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"sync"}})
	next.Kill()

	select {
	case <-next.Done():
		t.Fatal("successor exited before its predecessor")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	waitDone(t, next)
	assert.Empty(t, r.Jobs(), "killed successor must not run")
}

func TestWorkerPanicIsTermination(t *testing.T) {
	r := &fakeRunner{panic: true}
	sub := &submitted{}
	w := New(context.Background(), "x", Deps{Runner: r, IdleTimeout: time.Minute, Submit: sub.Submit})
	w.Start()

	w.Enqueue(&protocol.Message{Action: protocol.ActionRun, Jobs: []string{"x"}})
	waitDone(t, w)
	assert.Equal(t, []protocol.ActionType{protocol.ActionClean}, sub.Actions())
}

func TestMailboxIdleCloses(t *testing.T) {
	m := NewMailbox[int]()
	require.True(t, m.Put(1))
	require.True(t, m.Put(2))
	assert.Equal(t, 2, m.Len())

	v, err := m.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = m.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = m.Get(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrIdle)
	assert.False(t, m.Put(3))

	_, err = m.Get(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMailboxGetWakesOnPut(t *testing.T) {
	m := NewMailbox[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Put("hello")
	}()
	v, err := m.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestMailboxGetCancelled(t *testing.T) {
	m := NewMailbox[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Get(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
