package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ferdinandyb/throttle/internal/events"
)

const maxEventLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, maxEventLines)
	for i, e := range eventLog {
		if i >= maxEventLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).MaxWidth(innerWidth-2).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	var typeStyle lipgloss.Style
	switch e.Type {
	case events.JobSucceeded:
		typeStyle = theme.StatusOK
	case events.JobFailed, events.WorkerKilled, events.NotificationSent:
		typeStyle = theme.StatusFailed
	case events.JobStarted, events.WorkerStarted:
		typeStyle = theme.StatusRunning
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		typeStyle.Render(fmt.Sprintf("%-18s", e.Type)),
		describeEvent(e),
	)
}

// describeEvent pulls the interesting fields out of an event payload.
func describeEvent(e events.Event) string {
	var data struct {
		Job      string `json:"job"`
		Key      string `json:"key"`
		Attempt  int    `json:"attempt"`
		ExitCode *int   `json:"exit_code"`
		ErrCode  *int   `json:"errcode"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return string(e.Data)
	}

	var parts []string
	switch {
	case data.Job != "":
		parts = append(parts, data.Job)
	case data.Key != "":
		parts = append(parts, data.Key)
	}
	if data.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("#%d", data.Attempt))
	}
	if data.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit=%d", *data.ExitCode))
	}
	if data.ErrCode != nil {
		parts = append(parts, fmt.Sprintf("errcode=%d", *data.ErrCode))
	}
	if data.Reason != "" {
		parts = append(parts, "("+data.Reason+")")
	}
	return strings.Join(parts, " ")
}
