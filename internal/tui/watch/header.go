package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks daemon health from /healthz polling.
type HealthState struct {
	Status        string
	Version       string
	UptimeSeconds int64
	Workers       int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, pulse Pulse, socket string, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("RUNNING")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("DISCONNECTED")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	lastEventStr := "never"
	if !pulse.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(pulse.LastEvent()).Round(time.Second))
	}

	title := " THROTTLE WATCH"
	if health.Version != "" {
		title += " " + theme.Dim.Render(health.Version)
	}
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  uptime %s  workers: %d  %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Workers,
		theme.Dim.Render(socket),
	)
	activityLine := fmt.Sprintf(" last event: %s %s", lastEventStr, pulse.Render(theme, now))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
