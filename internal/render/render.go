// Package render prints STATS and STATUS replies as tables.
package render

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/term"
	"github.com/mattn/go-runewidth"
	"github.com/samber/lo"

	"github.com/ferdinandyb/throttle/internal/protocol"
)

type Format string

const (
	FormatText     Format = "text"
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatPlain    Format = "plain"
	FormatHTML     Format = "html"
	FormatLaTeX    Format = "latex"
)

// Formats lists every supported format in help order.
var Formats = []Format{FormatText, FormatCSV, FormatJSON, FormatMarkdown, FormatPlain, FormatHTML, FormatLaTeX}

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if lo.Contains(Formats, f) {
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want one of %s)", s, strings.Join(lo.Map(Formats, func(f Format, _ int) string { return string(f) }), ", "))
}

// Table is a rendered view: headers plus pre-formatted cells. Data is the
// structured value emitted for the json format.
type Table struct {
	Headers []string
	Rows    [][]string
	Data    any
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// Write renders t to w in format f.
func Write(w io.Writer, f Format, t Table) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t.Data)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(t.Headers); err != nil {
			return err
		}
		if err := cw.WriteAll(t.Rows); err != nil {
			return err
		}
		return cw.Error()
	case FormatHTML:
		return htmlTable.Execute(w, t)
	case FormatLaTeX:
		return writeLaTeX(w, t)
	case FormatMarkdown:
		lt := table.New().
			Border(lipgloss.MarkdownBorder()).
			BorderTop(false).
			BorderBottom(false).
			Headers(t.Headers...).
			Rows(t.Rows...)
		_, err := fmt.Fprintln(w, lt.Render())
		return err
	case FormatPlain:
		lt := table.New().
			Border(lipgloss.HiddenBorder()).
			BorderTop(false).
			BorderBottom(false).
			BorderLeft(false).
			BorderRight(false).
			BorderHeader(false).
			BorderColumn(false).
			StyleFunc(func(row, col int) lipgloss.Style { return cellStyle }).
			Headers(t.Headers...).
			Rows(t.Rows...)
		_, err := fmt.Fprintln(w, lt.Render())
		return err
	case FormatText, "":
		lt := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD"))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			}).
			Headers(t.Headers...).
			Rows(t.Rows...)
		_, err := fmt.Fprintln(w, lt.Render())
		return err
	default:
		return fmt.Errorf("unknown format %q", f)
	}
}

// StatsTable builds the statistics view sorted by throttle ratio, highest
// first. maxJob truncates job text; 0 disables truncation.
func StatsTable(st *protocol.Stats, now time.Time, maxJob int) Table {
	type row struct {
		Job      string  `json:"job"`
		Run      int     `json:"run"`
		Total    int     `json:"total"`
		Throttle float64 `json:"throttle"`
		AvgMin   float64 `json:"avg_per_min"`
	}

	minutes := now.Sub(st.Start).Minutes()
	rows := lo.MapToSlice(st.Jobs, func(job string, js protocol.JobStats) row {
		r := row{Job: job, Run: js.Run, Total: js.Total}
		if js.Total > 0 {
			r.Throttle = float64(js.Total-js.Run) / float64(js.Total)
		}
		if minutes > 0 {
			r.AvgMin = float64(js.Run) / minutes
		}
		return r
	})
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Throttle != rows[j].Throttle {
			return rows[i].Throttle > rows[j].Throttle
		}
		return rows[i].Job < rows[j].Job
	})

	return Table{
		Headers: []string{"job", "run", "total", "throttle", "avg/min"},
		Rows: lo.Map(rows, func(r row, _ int) []string {
			return []string{
				truncate(r.Job, maxJob),
				fmt.Sprint(r.Run),
				fmt.Sprint(r.Total),
				fmt.Sprintf("%.2f", r.Throttle),
				fmt.Sprintf("%.2f", r.AvgMin),
			}
		}),
		Data: rows,
	}
}

// StatusTable builds the live worker view sorted by uptime, longest first.
func StatusTable(st protocol.StatusReport, maxJob int) Table {
	type row struct {
		Job       string  `json:"job"`
		QueueSize int     `json:"queue_size"`
		Uptime    float64 `json:"uptime_s"`
		WorkerID  string  `json:"worker_id"`
	}

	rows := lo.MapToSlice(st, func(job string, ws protocol.WorkerStatus) row {
		return row{Job: job, QueueSize: ws.QueueSize, Uptime: ws.Uptime, WorkerID: ws.WorkerID}
	})
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Uptime != rows[j].Uptime {
			return rows[i].Uptime > rows[j].Uptime
		}
		return rows[i].Job < rows[j].Job
	})

	return Table{
		Headers: []string{"job", "queue size", "uptime (s)"},
		Rows: lo.Map(rows, func(r row, _ int) []string {
			return []string{truncate(r.Job, maxJob), fmt.Sprint(r.QueueSize), fmt.Sprintf("%.0f", r.Uptime)}
		}),
		Data: rows,
	}
}

// JobWidth returns how much of a terminal line the job column may use on
// stdout, reserving room for the other columns. It is 0 when stdout is not
// a terminal.
func JobWidth(reserved int) int {
	fd := os.Stdout.Fd()
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil || width <= reserved {
		return 0
	}
	return width - reserved
}

func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

var htmlTable = template.Must(template.New("table").Parse(`<table>
  <thead>
    <tr>{{range .Headers}}<th>{{.}}</th>{{end}}</tr>
  </thead>
  <tbody>
{{- range .Rows}}
    <tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{- end}}
  </tbody>
</table>
`))

var latexEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`&`, `\&`, `%`, `\%`, `$`, `\$`, `#`, `\#`, `_`, `\_`,
	`{`, `\{`, `}`, `\}`, `~`, `\textasciitilde{}`, `^`, `\textasciicircum{}`,
)

func writeLaTeX(w io.Writer, t Table) error {
	esc := func(cells []string) string {
		return strings.Join(lo.Map(cells, func(c string, _ int) string { return latexEscaper.Replace(c) }), " & ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\\begin{tabular}{%s}\n", "l"+strings.Repeat("r", max(len(t.Headers)-1, 0)))
	fmt.Fprintf(&b, "%s \\\\\n\\hline\n", esc(t.Headers))
	for _, r := range t.Rows {
		fmt.Fprintf(&b, "%s \\\\\n", esc(r))
	}
	b.WriteString("\\end{tabular}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
