// Package doctor checks a throttle configuration for problems the loader
// lets through: skipped filters, an unrunnable notification command, and a
// socket path the daemon cannot bind or lock reliably.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/ferdinandyb/throttle/internal/config"
	"github.com/ferdinandyb/throttle/internal/notify"
)

// maxSocketPath is the smallest sun_path limit across supported platforms,
// minus the terminating NUL.
const maxSocketPath = 103

var (
	placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)
	envVarRe      = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)
	groupRefRe    = regexp.MustCompile(`\$\{?([0-9]+)\}?`)
)

var (
	knownPlaceholders = []string{"job", "origin", "urgency", "errcode", "msg"}
	shells            = []string{"sh", "bash", "dash", "zsh", "fish"}
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config

	lookPath func(string) (string, error)
	fsType   func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, fsType: detectFilesystemType}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateFilters(r)
	d.validateNotification(r)
	d.validateRetry(r)
	d.validateSocket(r)
	d.warnShortIdleTimeout(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateFilters reports entries the daemon will skip and substitutions
// that reference groups the pattern does not have.
func (d *Doctor) validateFilters(r *Result) {
	_, errs := d.cfg.Filter()
	for _, err := range errs {
		d.addWarning(r, "filters", "filters", err.Error()+" (skipped)")
	}

	for i, fc := range d.cfg.Filters {
		if fc.Pattern == nil || fc.Substitute == nil {
			continue
		}
		re, err := regexp.Compile(*fc.Pattern)
		if err != nil {
			continue
		}
		for _, m := range groupRefRe.FindAllStringSubmatch(*fc.Substitute, -1) {
			n, _ := strconv.Atoi(m[1])
			if n > re.NumSubexp() {
				d.addWarning(r, "filters", fmt.Sprintf("filters[%d].substitute", i),
					fmt.Sprintf("references group %d but pattern %q has %d", n, *fc.Pattern, re.NumSubexp()))
			}
		}
	}
}

func (d *Doctor) validateNotification(r *Result) {
	const field = "notification_cmd"
	tmpl := d.cfg.NotificationCmd

	if strings.TrimSpace(tmpl) == "" {
		if d.cfg.NotifyOnCounter > 0 {
			d.addWarning(r, "notification", "notify_on_counter",
				"notify_on_counter is set but notification_cmd is empty; failures are only logged")
		}
		return
	}

	n, err := notify.NewCommand(tmpl)
	if err != nil {
		d.addError(r, "notification", field, err.Error())
		return
	}
	cmd, ok := n.(*notify.CommandNotifier)
	if !ok {
		return
	}

	argv := cmd.Args(notify.Notification{})
	if _, err := d.lookPath(argv[0]); err != nil {
		d.addWarning(r, "notification", field, fmt.Sprintf("program %q not found: %v", argv[0], err))
	}

	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !lo.Contains(knownPlaceholders, m[1]) {
			d.addWarning(r, "notification", field,
				fmt.Sprintf("unknown placeholder {%s}; known: {%s}", m[1], strings.Join(knownPlaceholders, "}, {")))
		}
	}

	// The command is executed directly, not through a shell.
	if lo.Contains(shells, filepath.Base(argv[0])) {
		return
	}
	for _, m := range envVarRe.FindAllStringSubmatch(tmpl, -1) {
		d.addWarning(r, "env_vars", field,
			fmt.Sprintf("$%s is passed literally; wrap the command in sh -c to expand it", m[1]))
	}
}

func (d *Doctor) validateRetry(r *Result) {
	policy, err := d.cfg.RetryPolicy()
	if err != nil {
		d.addError(r, "retry", "retry_sequence", err.Error())
		return
	}
	for i := range policy.Len() {
		if policy.DelayFor(i) == 0 {
			d.addWarning(r, "retry", fmt.Sprintf("retry_sequence[%d]", i),
				"zero delay retries a failing job immediately")
		}
	}
}

// validateSocket checks the socket path fits sun_path and sits on a local
// filesystem, where both the socket and its flock-based PID lock work.
func (d *Doctor) validateSocket(r *Result) {
	const field = "socket_path"

	for _, m := range envVarRe.FindAllStringSubmatch(d.cfg.SocketPath, -1) {
		if os.Getenv(m[1]) == "" {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable $%s not set", m[1]))
		}
	}

	socket := d.cfg.Socket()
	if len(socket) > maxSocketPath {
		d.addError(r, "socket", field,
			fmt.Sprintf("socket path %q is %d bytes; unix sockets allow at most %d", socket, len(socket), maxSocketPath))
	}

	if err := validateLocalFilesystem(filepath.Dir(socket), d.fsType); err != nil {
		d.addError(r, "socket", field, err.Error())
	}
}

func (d *Doctor) warnShortIdleTimeout(r *Result) {
	if d.cfg.TaskTimeout < 1 {
		d.addWarning(r, "timeouts", "task_timeout",
			fmt.Sprintf("workers exit after %vs idle; bursts arriving slower than that will not collapse", d.cfg.TaskTimeout))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
