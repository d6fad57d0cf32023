package notify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandEmptyIsNop(t *testing.T) {
	n, err := NewCommand("   ")
	require.NoError(t, err)
	assert.IsType(t, Nop{}, n)
}

func TestNewCommandRejectsUnbalancedQuotes(t *testing.T) {
	_, err := NewCommand(`notify-send "unterminated`)
	assert.Error(t, err)
}

func TestArgsSubstitutesPlaceholders(t *testing.T) {
	n, err := NewCommand(`notify-send -u {urgency} "throttle: {job}" "{origin} [{errcode}] {msg}"`)
	require.NoError(t, err)
	cmd := n.(*CommandNotifier)

	got := cmd.Args(Notification{
		Job:     "mbsync -a",
		Origin:  "cron",
		Urgency: UrgencyCritical,
		ErrCode: 1,
		Msg:     `c:1|it's "broken" - `,
	})
	assert.Equal(t, []string{
		"notify-send",
		"-u", "critical",
		"throttle: mbsync -a",
		`cron [1] c:1|it's "broken" - `,
	}, got)
}

func TestNotifyRunsCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	n, err := NewCommand(`sh -c 'printf "%s|%s" "$0" "$1" > ` + out + `' {job} {errcode}`)
	require.NoError(t, err)

	n.Notify(context.Background(), Notification{Job: "false", ErrCode: ExitCodeUnknown})

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "false|-1000", strings.TrimSpace(string(data)))
}

func TestNotifyFailureIsSwallowed(t *testing.T) {
	n, err := NewCommand("/nonexistent/notifier {msg}")
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), Notification{Msg: "x"})
	})
}
