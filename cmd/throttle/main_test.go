package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferdinandyb/throttle/internal/api"
	"github.com/ferdinandyb/throttle/internal/log"
	"github.com/ferdinandyb/throttle/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text", os.Stderr)
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout, oldStderr := os.Stdout, os.Stderr
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW
	code := run()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdout, _ := io.ReadAll(stdoutR)
	stderr, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()
	return code, string(stdout), string(stderr)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	got []*protocol.Message
}

func (d *recordingDispatcher) Submit(msg *protocol.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, msg)
	return nil
}

func (d *recordingDispatcher) Query(_ context.Context, action protocol.ActionType) (protocol.Reply, error) {
	if action == protocol.ActionStats {
		return protocol.Reply{Stats: &protocol.Stats{
			Start: time.Now().Add(-time.Minute),
			Jobs:  map[string]protocol.JobStats{"mbsync -a": {Run: 1, Total: 4}},
		}}, nil
	}
	return protocol.Reply{Status: protocol.StatusReport{
		"mbsync -a": {WorkerID: "w1", QueueSize: 1, Uptime: 12},
	}}, nil
}

func (d *recordingDispatcher) Workers() int { return 1 }

func (d *recordingDispatcher) messages() []*protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*protocol.Message(nil), d.got...)
}

func startServer(t *testing.T) (string, *recordingDispatcher) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "throttle.sock")
	d := &recordingDispatcher{}
	srv := api.New(api.Config{SocketPath: socket}, d, nil, log.WithComponent("api"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = srv.Start(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return socket, d
}

func TestParseArgsKeepsJobOrder(t *testing.T) {
	opts, err := parseArgs([]string{"-j", "a, b", "-J", "quiet", "--job", "c", "-o", "cron", "make", "-k", "all"})
	require.NoError(t, err)

	want := protocol.Submission{
		Action:        protocol.ActionRun,
		Jobs:          []string{"a, b", "quiet", "c", "make -k all"},
		Notifications: []int{1, 0, 1, 1},
		Origin:        "cron",
	}
	if diff := cmp.Diff(want, opts.submission()); diff != "" {
		t.Fatalf("submission mismatch (-want +got):\n%s", diff)
	}
}

func TestParseArgsKill(t *testing.T) {
	opts, err := parseArgs([]string{"-k", "mbsync", "-a"})
	require.NoError(t, err)
	sub := opts.submission()
	assert.Equal(t, protocol.ActionKill, sub.Action)
	assert.Equal(t, []string{"mbsync -a"}, sub.Jobs)
}

func TestRunCLIVersion(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "throttle ")
}

func TestRunCLIBadFormat(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--status", "--format", "xml"})
	})
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown format")
}

func TestRunCLINoServer(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "missing.sock")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--socket", socket, "echo", "hi"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "throttle-server")
}

func TestRunCLINothingToDo(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "missing.sock")
	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--socket", socket})
	})
	assert.Equal(t, 0, code)
}

func TestRunCLISubmitsJobs(t *testing.T) {
	socket, d := startServer(t)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--socket", socket, "-J", "fetch", "make", "test"})
	})
	require.Equal(t, 0, code, stderr)

	got := d.messages()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ActionRun, got[0].Action)
	assert.Equal(t, []string{"fetch", "make test"}, got[0].Jobs)
	assert.Equal(t, []int{0, 1}, got[0].Notifications)
}

func TestRunCLIStatisticsJSON(t *testing.T) {
	socket, _ := startServer(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--socket", socket, "--statistics", "--format", "json"})
	})
	require.Equal(t, 0, code, stderr)

	var rows []struct {
		Job      string  `json:"job"`
		Run      int     `json:"run"`
		Total    int     `json:"total"`
		Throttle float64 `json:"throttle"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "mbsync -a", rows[0].Job)
	assert.InDelta(t, 0.75, rows[0].Throttle, 1e-9)
}

func TestRunCLIStatusCSV(t *testing.T) {
	socket, _ := startServer(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--socket", socket, "--status", "--format", "csv"})
	})
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "job,queue size,uptime (s)\nmbsync -a,1,12\n", stdout)
}
