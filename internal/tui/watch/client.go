package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ferdinandyb/throttle/internal/client"
	"github.com/ferdinandyb/throttle/internal/events"
	"github.com/ferdinandyb/throttle/internal/protocol"
)

// Source is the daemon API the TUI polls; *client.Client implements it.
type Source interface {
	Socket() string
	Health(ctx context.Context) (*client.Health, error)
	Status(ctx context.Context) (protocol.StatusReport, error)
	Stats(ctx context.Context) (*protocol.Stats, error)
	Events(ctx context.Context, ch chan<- events.Event) error
}

const (
	pollInterval   = time.Second
	requestTimeout = 2 * time.Second
)

// --- Message types ---

type eventMsg events.Event

type healthMsg client.Health

type snapshotMsg struct {
	status protocol.StatusReport
	stats  *protocol.Stats
	at     time.Time
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents streams /events into ch and reports the disconnect.
func subscribeToEvents(ctx context.Context, src Source, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = src.Events(ctx, ch)
		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(src Source) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	h, err := src.Health(ctx)
	if err != nil {
		return errMsg(err)
	}
	return healthMsg(*h)
}

// fetchSnapshot queries STATUS and STATS together so both tables describe
// the same moment.
func fetchSnapshot(src Source) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	status, err := src.Status(ctx)
	if err != nil {
		return errMsg(err)
	}
	stats, err := src.Stats(ctx)
	if err != nil {
		return errMsg(err)
	}
	return snapshotMsg{status: status, stats: stats, at: time.Now()}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}
