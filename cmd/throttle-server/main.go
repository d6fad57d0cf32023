package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ferdinandyb/throttle/internal/api"
	"github.com/ferdinandyb/throttle/internal/config"
	"github.com/ferdinandyb/throttle/internal/dispatch"
	"github.com/ferdinandyb/throttle/internal/doctor"
	"github.com/ferdinandyb/throttle/internal/events"
	"github.com/ferdinandyb/throttle/internal/lock"
	"github.com/ferdinandyb/throttle/internal/log"
	"github.com/ferdinandyb/throttle/internal/notify"
	"github.com/ferdinandyb/throttle/internal/runner"
	"github.com/ferdinandyb/throttle/internal/version"
)

const eventHistory = 256

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(runServer(ctx, os.Args[1:]))
}

type flags struct {
	config   string
	socket   string
	logLevel string
	version  bool
	check    bool
	jsonOut  bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("throttle-server", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "", "configuration file or directory (default $THROTTLE_CONFIG or the XDG config dir)")
	fs.StringVar(&f.socket, "socket", "", "socket to listen on (overrides socket_path)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
	fs.BoolVar(&f.version, "version", false, "print version and exit")
	fs.BoolVar(&f.check, "check", false, "validate the configuration and exit")
	fs.BoolVar(&f.jsonOut, "json", false, "with --check, print the report as JSON")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: throttle-server [flags]\n\nStart the throttle daemon.\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

// loadConfig reads an explicit path strictly; without one a missing config
// means defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadOrDefault("")
}

// openLogFile opens the daemon log under the state directory for appending.
func openLogFile() (*os.File, error) {
	dir := config.StateDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, "throttle.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

func runServer(ctx context.Context, args []string) int {
	f, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "throttle-server: %v\n", err)
		return 2
	}
	if f.version {
		fmt.Printf("throttle-server %s\n", version.Current())
		return 0
	}

	cfg, err := loadConfig(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if f.socket != "" {
		cfg.SocketPath = f.socket
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.check {
		return runCheck(cfg, f.jsonOut)
	}

	var out io.Writer = os.Stderr
	logFile, logErr := openLogFile()
	if logErr == nil {
		defer logFile.Close()
		out = io.MultiWriter(os.Stderr, logFile)
	}
	log.Setup(cfg.LogLevel, cfg.LogFormat, out)
	logger := log.WithComponent("main")
	if logErr != nil {
		logger.Warn("log file unavailable, logging to stderr only", "error", logErr)
	}

	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		logger.Error("failed to fingerprint config", "error", err)
		return 1
	}
	logger.Info("throttle starting",
		"version", version.Current().Version,
		"config", cfg.SourcePath,
		"fingerprint", fingerprint,
	)

	socket := cfg.Socket()
	pidLockPath := lock.PathFor(socket)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Debug("acquired PID lock", "path", pidLockPath)

	srv, disp, err := build(cfg, socket, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("throttle running", "socket", socket)

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	wg.Wait()

	logger.Info("throttle stopped")
	return code
}

func runCheck(cfg *config.Config, jsonOut bool) int {
	r := doctor.New(cfg).Validate()
	if jsonOut {
		out, err := doctor.FormatJSON(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(r))
	}
	if !r.Valid {
		return 1
	}
	return 0
}

// build wires the runner, dispatcher and API server from cfg.
func build(cfg *config.Config, socket string, logger *slog.Logger) (*api.Server, *dispatch.Dispatcher, error) {
	filters, warnings := cfg.Filter()
	for _, w := range warnings {
		logger.Warn("skipping filter", "error", w)
	}
	logger.Info("filters loaded", "count", filters.Len())

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, nil, err
	}
	notifier, err := notify.NewCommand(cfg.NotificationCmd)
	if err != nil {
		return nil, nil, fmt.Errorf("notification_cmd: %w", err)
	}

	hub := events.NewHub(eventHistory)
	r := runner.New(runner.Config{
		Notifier:        notifier,
		Policy:          policy,
		JobTimeout:      cfg.JobTimeoutDuration(),
		NotifyOnCounter: cfg.NotifyOnCounter,
		Events:          hub,
		Logger:          log.WithComponent("runner"),
	})
	disp := dispatch.New(dispatch.Config{
		Filter:      filters,
		Runner:      r,
		IdleTimeout: cfg.IdleTimeout(),
		Events:      hub,
	})
	srv := api.New(api.Config{
		SocketPath: socket,
		Version:    version.Current().Version,
	}, disp, hub, log.WithComponent("api"))
	return srv, disp, nil
}
