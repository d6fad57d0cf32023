package watch

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/ferdinandyb/throttle/internal/protocol"
)

// workerRow joins a key's live status (if any) with its counters.
type workerRow struct {
	Job      string
	Live     bool
	Queue    int
	Uptime   float64
	Run      int
	Total    int
	Throttle float64
}

func buildRows(status protocol.StatusReport, stats *protocol.Stats) []workerRow {
	keys := lo.Keys(status)
	if stats != nil {
		keys = lo.Uniq(append(keys, lo.Keys(stats.Jobs)...))
	}

	rows := lo.Map(keys, func(k string, _ int) workerRow {
		r := workerRow{Job: k}
		if ws, ok := status[k]; ok {
			r.Live = true
			r.Queue = ws.QueueSize
			r.Uptime = ws.Uptime
		}
		if stats != nil {
			js := stats.Jobs[k]
			r.Run, r.Total = js.Run, js.Total
			if js.Total > 0 {
				r.Throttle = float64(js.Total-js.Run) / float64(js.Total)
			}
		}
		return r
	})

	// Live workers first, longest running on top; then the rest by job.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Live != rows[j].Live {
			return rows[i].Live
		}
		if rows[i].Uptime != rows[j].Uptime {
			return rows[i].Uptime > rows[j].Uptime
		}
		return rows[i].Job < rows[j].Job
	})
	return rows
}

func newWorkerTable() table.Model {
	t := table.New(
		table.WithColumns(workerColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func workerColumns(width int) []table.Column {
	fixed := 8 + 7 + 10 + 6 + 7 + 9
	jobWidth := max(width-fixed-8, 16)
	return []table.Column{
		{Title: "Job", Width: jobWidth},
		{Title: "State", Width: 8},
		{Title: "Queue", Width: 7},
		{Title: "Uptime", Width: 10},
		{Title: "Run", Width: 6},
		{Title: "Total", Width: 7},
		{Title: "Throttle", Width: 9},
	}
}

func toTableRows(rows []workerRow) []table.Row {
	return lo.Map(rows, func(r workerRow, _ int) table.Row {
		state, queue, uptime := "idle", "-", "-"
		if r.Live {
			state = "live"
			queue = fmt.Sprint(r.Queue)
			uptime = formatDuration(time.Duration(r.Uptime * float64(time.Second)))
		}
		return table.Row{
			r.Job,
			state,
			queue,
			uptime,
			fmt.Sprint(r.Run),
			fmt.Sprint(r.Total),
			fmt.Sprintf("%.2f", r.Throttle),
		}
	})
}

func renderWorkers(t table.Model, live int, theme Theme, width int) string {
	title := theme.Title.Render(fmt.Sprintf("WORKERS (%d live)", live))
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}
