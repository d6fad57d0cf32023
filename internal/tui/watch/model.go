package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ferdinandyb/throttle/internal/events"
	"github.com/ferdinandyb/throttle/internal/protocol"
)

const maxEventLog = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	src Source

	// ctx bounds the event subscription; cancel runs on quit.
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	// State
	health   HealthState
	status   protocol.StatusReport
	stats    *protocol.Stats
	eventLog []events.Event
	now      time.Time

	pulse   Pulse
	workers table.Model
	theme   Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(src Source) *Model {
	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		src:       src,
		ctx:       ctx,
		cancel:    cancel,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		workers:   newWorkerTable(),
		theme:     NewDefaultTheme(),
		now:       time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.src, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.src) },
		func() tea.Msg { return fetchSnapshot(m.src) },
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.workers, cmd = m.workers.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workers.SetColumns(workerColumns(m.width - 4))

	case tickMsg:
		m.now = time.Time(msg)
		return m, tea.Batch(
			tick(),
			func() tea.Msg { return fetchSnapshot(m.src) },
		)

	case eventMsg:
		e := events.Event(msg)

		// newest first
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.pulse.OnEvent(e.At)
		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Version = msg.Version
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Workers = msg.Workers
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.src)
		})

	case snapshotMsg:
		m.status = msg.status
		m.stats = msg.stats
		m.workers.SetRows(toTableRows(buildRows(msg.status, msg.stats)))

	case sseDisconnectedMsg:
		if m.ctx.Err() != nil {
			return m, nil
		}
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.src, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.src)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to throttle..."
	}

	header := renderHeader(m.health, m.pulse, m.src.Socket(), m.theme, m.width, m.now)
	workers := renderWorkers(m.workers, len(m.status), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, workers, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll workers"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
