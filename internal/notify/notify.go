// Package notify delivers failure notifications through a user-configured
// command.
package notify

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks github.com/ferdinandyb/throttle/internal/notify Notifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/ferdinandyb/throttle/internal/log"
)

// UrgencyCritical is the urgency attached to job failure notifications.
const UrgencyCritical = "critical"

// ExitCodeUnknown marks failures where the job never produced an exit code
// (spawn failure or timeout).
const ExitCodeUnknown = -1000

// defaultTimeout bounds how long a notification command may run.
const defaultTimeout = 30 * time.Second

// Notification is one failure report.
type Notification struct {
	Job     string
	Origin  string
	Urgency string
	ErrCode int
	Msg     string
}

// Notifier delivers notifications. Implementations must not return delivery
// failures to the caller; they log them instead.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards every notification. Used when no command is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// CommandNotifier runs a command template for every notification. The
// template is split into words once; placeholders {job}, {origin},
// {urgency}, {errcode} and {msg} are substituted inside each word, so
// values containing quotes or spaces reach the command as single arguments.
type CommandNotifier struct {
	argv    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand parses template. An empty template yields a Nop notifier.
func NewCommand(template string) (Notifier, error) {
	if strings.TrimSpace(template) == "" {
		return Nop{}, nil
	}
	argv, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("parse notification_cmd: %w", err)
	}
	if len(argv) == 0 {
		return Nop{}, nil
	}
	return &CommandNotifier{
		argv:    argv,
		timeout: defaultTimeout,
		logger:  log.WithComponent("notify"),
	}, nil
}

// Args returns the command line that would be executed for n.
func (c *CommandNotifier) Args(n Notification) []string {
	r := strings.NewReplacer(
		"{job}", n.Job,
		"{origin}", n.Origin,
		"{urgency}", n.Urgency,
		"{errcode}", strconv.Itoa(n.ErrCode),
		"{msg}", n.Msg,
	)
	out := make([]string, len(c.argv))
	for i, a := range c.argv {
		out[i] = r.Replace(a)
	}
	return out
}

func (c *CommandNotifier) Notify(ctx context.Context, n Notification) {
	args := c.Args(n)
	c.logger.Debug("sending notification", "job", n.Job, "errcode", n.ErrCode, "urgency", n.Urgency)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = os.Environ()
	if out, err := cmd.CombinedOutput(); err != nil {
		c.logger.Error("failed sending notification command",
			"error", err,
			"output", strings.TrimSpace(string(out)),
		)
	}
}
