package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/ferdinandyb/throttle/internal/client"
	"github.com/ferdinandyb/throttle/internal/config"
	"github.com/ferdinandyb/throttle/internal/protocol"
	"github.com/ferdinandyb/throttle/internal/render"
	"github.com/ferdinandyb/throttle/internal/tui/watch"
	"github.com/ferdinandyb/throttle/internal/version"
)

const requestTimeout = 10 * time.Second

// Columns other than the job in each table, used to size the job column.
const (
	statsReserved  = 48
	statusReserved = 32
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

type options struct {
	jobs          []string
	notifications []int

	kill       bool
	origin     string
	statistics bool
	status     bool
	watch      bool
	format     string
	socket     string
	version    bool
}

// jobFlag appends to the shared job list so -j and -J keep their relative
// order, each with its own notification flag.
type jobFlag struct {
	opts   *options
	notify int
}

func (f *jobFlag) String() string { return "" }
func (f *jobFlag) Type() string   { return "job" }

func (f *jobFlag) Set(job string) error {
	f.opts.jobs = append(f.opts.jobs, job)
	f.opts.notifications = append(f.opts.notifications, f.notify)
	return nil
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("throttle", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.VarP(&jobFlag{opts: opts, notify: 1}, "job", "j", "job to execute; repeat to run several jobs one after another")
	fs.VarP(&jobFlag{opts: opts, notify: 0}, "silent-job", "J", "same as --job, but failures are not notified")
	fs.BoolVarP(&opts.kill, "kill", "k", false, "kill the workers running the given jobs")
	fs.StringVarP(&opts.origin, "origin", "o", "", "origin of the message, shown in the daemon log")
	fs.BoolVar(&opts.statistics, "statistics", false, "print statistics for handled jobs")
	fs.BoolVar(&opts.status, "status", false, "print the currently running workers")
	fs.BoolVar(&opts.watch, "watch", false, "open the live worker view")
	fs.StringVar(&opts.format, "format", string(render.FormatText), "output format: "+formatList())
	fs.StringVar(&opts.socket, "socket", "", "daemon socket (default from config or $XDG_RUNTIME_DIR/throttle.sock)")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: throttle [flags] [job words...]\n\nSend jobs to the throttle daemon.\n\nFlags:\n")
		fs.PrintDefaults()
	}
	return fs
}

func formatList() string {
	names := make([]string, len(render.Formats))
	for i, f := range render.Formats {
		names[i] = string(f)
	}
	return strings.Join(names, "|")
}

func parseArgs(args []string) (*options, error) {
	opts := &options{}
	fs := newFlagSet(opts)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// Remaining words form one more notifying job.
	if rest := fs.Args(); len(rest) > 0 {
		opts.jobs = append(opts.jobs, strings.Join(rest, " "))
		opts.notifications = append(opts.notifications, 1)
	}
	return opts, nil
}

func (o *options) submission() protocol.Submission {
	action := protocol.ActionRun
	if o.kill {
		action = protocol.ActionKill
	}
	return protocol.Submission{
		Action:        action,
		Jobs:          o.jobs,
		Notifications: o.notifications,
		Origin:        o.origin,
	}
}

func resolveSocket(flagValue string) string {
	if flagValue != "" {
		return os.ExpandEnv(flagValue)
	}
	cfg, err := config.LoadOrDefault("")
	if err != nil {
		return config.DefaultSocketPath()
	}
	return cfg.Socket()
}

func runCLI(args []string) int {
	opts, err := parseArgs(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "throttle: %v\n", err)
		return 2
	}

	if opts.version {
		fmt.Printf("throttle %s\n", version.Current())
		return 0
	}

	format, err := render.ParseFormat(opts.format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "throttle: %v\n", err)
		return 2
	}

	c := client.New(resolveSocket(opts.socket))

	switch {
	case opts.watch:
		err = runWatch(c)
	case opts.statistics:
		err = printStats(c, format)
	case opts.status:
		err = printStatus(c, format)
	case len(opts.jobs) == 0:
		return 0
	default:
		err = submit(c, opts.submission())
	}
	return report(c, err)
}

func report(c *client.Client, err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, client.ErrNoServer) {
		fmt.Fprintf(os.Stderr, "throttle: no server on %s, is throttle-server running?\n", c.Socket())
		fmt.Fprintln(os.Stderr, "You can start the server by running throttle-server")
		return 1
	}
	fmt.Fprintf(os.Stderr, "throttle: %v\n", err)
	return 1
}

func submit(c *client.Client, sub protocol.Submission) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return c.Handle(ctx, sub)
}

func jobWidth(f render.Format, reserved int) int {
	switch f {
	case render.FormatText, render.FormatMarkdown, render.FormatPlain:
		return render.JobWidth(reserved)
	}
	return 0
}

func printStats(c *client.Client, f render.Format) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	st, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	return render.Write(os.Stdout, f, render.StatsTable(st, time.Now(), jobWidth(f, statsReserved)))
}

func printStatus(c *client.Client, f render.Format) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	return render.Write(os.Stdout, f, render.StatusTable(st, jobWidth(f, statusReserved)))
}

func runWatch(c *client.Client) error {
	// Fail fast instead of opening the TUI on a dead socket.
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.Health(ctx); err != nil {
		return err
	}

	p := tea.NewProgram(watch.New(c))
	_, err := p.Run()
	return err
}
