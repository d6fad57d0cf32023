package runner

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferdinandyb/throttle/internal/log"
	"github.com/ferdinandyb/throttle/internal/notify"
	"github.com/ferdinandyb/throttle/internal/notify/mocks"
	"github.com/ferdinandyb/throttle/internal/protocol"
	"github.com/ferdinandyb/throttle/internal/retry"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text", os.Stderr)
	os.Exit(m.Run())
}

// scriptedExecutor returns canned results in order, repeating the last one.
type scriptedExecutor struct {
	mu      sync.Mutex
	results []Result
	calls   int
	onCall  func(n int)
}

func (s *scriptedExecutor) Execute(_ context.Context, _ string, _ time.Duration) Result {
	s.mu.Lock()
	s.calls++
	n := s.calls
	res := s.results[min(n-1, len(s.results)-1)]
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return res
}

func (s *scriptedExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

func mustPolicy(t *testing.T, secs ...int) retry.Policy {
	t.Helper()
	seq := make([]time.Duration, len(secs))
	for i, s := range secs {
		seq[i] = time.Duration(s) * time.Second
	}
	p, err := retry.New(seq)
	require.NoError(t, err)
	return p
}

func TestRunSucceedsFirstTime(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mocks.NewMockNotifier(ctrl)
	// No Notify expectation: any call fails the test.

	exec := &scriptedExecutor{results: []Result{{ExitCode: 0, Stdout: "hi\n"}}}
	r := New(Config{Executor: exec, Notifier: n, Policy: mustPolicy(t, 1)})

	attempts, err := r.Run(context.Background(), Job{Text: "echo hi", Notify: true})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRunRetriesWithClampedBackoff(t *testing.T) {
	exec := &scriptedExecutor{results: []Result{
		{ExitCode: 1}, {ExitCode: 1}, {ExitCode: 1}, {ExitCode: 1}, {ExitCode: 0},
	}}
	sleeper := &sleepRecorder{}
	r := New(Config{
		Executor: exec,
		Policy:   mustPolicy(t, 5, 15, 30),
		Sleep:    sleeper.Sleep,
	})

	attempts, err := r.Run(context.Background(), Job{Text: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, 5, attempts)
	assert.Equal(t, []time.Duration{
		5 * time.Second, 15 * time.Second, 30 * time.Second, 30 * time.Second,
	}, sleeper.delays)
}

func TestRunBatchesNotifications(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mocks.NewMockNotifier(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &scriptedExecutor{
		results: []Result{{ExitCode: 3, Stderr: "boom", Stdout: "out"}},
		onCall: func(call int) {
			if call == 9 {
				cancel()
			}
		},
	}

	var got []notify.Notification
	n.EXPECT().Notify(gomock.Any(), gomock.Any()).Times(2).Do(func(_ context.Context, nt notify.Notification) {
		got = append(got, nt)
	})

	r := New(Config{
		Executor:        exec,
		Notifier:        n,
		Policy:          mustPolicy(t, 0),
		NotifyOnCounter: 3,
		Sleep:           (&sleepRecorder{}).Sleep,
	})

	attempts, err := r.Run(ctx, Job{Text: "false", Origin: "cron", Notify: true})
	assert.ErrorIs(t, err, context.Canceled)
	// The ninth attempt is cancelled mid-flight and neither counted nor notified.
	assert.Equal(t, 9, attempts)
	assert.Equal(t, 9, exec.Calls())

	require.Len(t, got, 2)
	assert.Equal(t, notify.Notification{
		Job:     "false",
		Origin:  "cron",
		Urgency: notify.UrgencyCritical,
		ErrCode: 3,
		Msg:     "c:3|boom - out",
	}, got[0])
}

func TestRunNotifiesEveryFailureWithZeroCounter(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mocks.NewMockNotifier(ctrl)

	exec := &scriptedExecutor{results: []Result{
		{ExitCode: notify.ExitCodeUnknown, Err: ErrTimeout},
		{ExitCode: 2},
		{ExitCode: 0},
	}}
	gomock.InOrder(
		n.EXPECT().Notify(gomock.Any(), notify.Notification{
			Job: "sync", Urgency: notify.UrgencyCritical, ErrCode: -1000,
			Msg: "subprocess failed with job timed out",
		}),
		n.EXPECT().Notify(gomock.Any(), notify.Notification{
			Job: "sync", Urgency: notify.UrgencyCritical, ErrCode: 2,
			Msg: "c:1| - ",
		}),
	)

	r := New(Config{Executor: exec, Notifier: n, Policy: mustPolicy(t, 0), Sleep: (&sleepRecorder{}).Sleep})
	attempts, err := r.Run(context.Background(), Job{Text: "sync", Notify: true})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunSilentJobNeverNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mocks.NewMockNotifier(ctrl)

	exec := &scriptedExecutor{results: []Result{{ExitCode: 1}, {ExitCode: 1}, {ExitCode: 0}}}
	r := New(Config{Executor: exec, Notifier: n, Policy: mustPolicy(t, 0), Sleep: (&sleepRecorder{}).Sleep})

	_, err := r.Run(context.Background(), Job{Text: "quiet", Notify: false})
	require.NoError(t, err)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	exec := &scriptedExecutor{results: []Result{{ExitCode: 0}}}
	r := New(Config{Executor: exec})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := r.Run(ctx, Job{Text: "echo"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, attempts)
	assert.Zero(t, exec.Calls())
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	exec := &scriptedExecutor{results: []Result{{ExitCode: 1}}}
	r := New(Config{Executor: exec, Policy: mustPolicy(t, 3600)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Run(ctx, Job{Text: "false"})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	require.Eventually(t, func() bool { return exec.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not observe cancellation during backoff")
	}
	assert.Equal(t, 1, exec.Calls())
}

func TestJobFromMessage(t *testing.T) {
	m := &protocol.Message{
		Action:        protocol.ActionRun,
		Jobs:          []string{"a", "b"},
		Notifications: []int{0, 1},
		Index:         1,
		Origin:        "vim",
	}
	assert.Equal(t, Job{Text: "b", Origin: "vim", Notify: true}, JobFromMessage(m))
}
