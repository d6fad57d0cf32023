// Package client talks to a running throttle daemon over its Unix socket.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ferdinandyb/throttle/internal/events"
	"github.com/ferdinandyb/throttle/internal/protocol"
)

// ErrNoServer means nothing is listening on the socket.
var ErrNoServer = errors.New("throttle server is not running")

// baseURL is a placeholder host; every request is dialled on the socket.
const baseURL = "http://throttle"

// Health mirrors the daemon's /healthz response.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
}

type Client struct {
	socket string
	http   *http.Client
	// stream has no timeout; it is used for /events.
	stream *http.Client
	nextID atomic.Int64
}

// New returns a client for the daemon listening on socketPath.
func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socket: socketPath,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{DialContext: dial},
		},
		stream: &http.Client{
			Transport: &http.Transport{DialContext: dial},
		},
	}
}

// Socket is the socket path this client dials.
func (c *Client) Socket() string {
	return c.socket
}

// Handle submits a RUN, CONT or KILL. It returns as soon as the daemon has
// queued the message.
func (c *Client) Handle(ctx context.Context, sub protocol.Submission) error {
	return c.call(ctx, protocol.MethodHandle, sub, nil)
}

// Stats fetches the aggregate counters.
func (c *Client) Stats(ctx context.Context) (*protocol.Stats, error) {
	var st protocol.Stats
	if err := c.call(ctx, protocol.MethodInfo, protocol.Query{Action: protocol.ActionStats}, &st); err != nil {
		return nil, err
	}
	if st.Jobs == nil {
		st.Jobs = map[string]protocol.JobStats{}
	}
	return &st, nil
}

// Status fetches the live worker snapshot.
func (c *Client) Status(ctx context.Context) (protocol.StatusReport, error) {
	st := protocol.StatusReport{}
	if err := c.call(ctx, protocol.MethodInfo, protocol.Query{Action: protocol.ActionStatus}, &st); err != nil {
		return nil, err
	}
	return st, nil
}

// Health queries /healthz.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapTransport(c.socket, err)
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return &h, nil
}

// Events streams daemon events into ch until ctx is cancelled or the
// connection drops. It does not close ch.
func (c *Client) Events(ctx context.Context, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return wrapTransport(c.socket, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events: unexpected status %s", resp.Status)
	}
	return readSSE(ctx, resp.Body, ch)
}

func (c *Client) call(ctx context.Context, method string, param, out any) error {
	var body bytes.Buffer
	if err := protocol.EncodeRequest(&body, int(c.nextID.Add(1)), method, param); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/rpc", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransport(c.socket, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", method, resp.Status)
	}
	return protocol.DecodeResponse(resp.Body, out)
}

// wrapTransport maps a missing socket or refused connection to ErrNoServer.
func wrapTransport(socket string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: no server listening on %s", ErrNoServer, socket)
	}
	return fmt.Errorf("request to %s failed: %w", socket, err)
}

func readSSE(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur events.Event
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Type == "" && cur.Data == nil {
				continue
			}
			cur.At = time.Now()
			select {
			case ch <- cur:
			case <-ctx.Done():
				return ctx.Err()
			}
			cur = events.Event{}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[len("id: "):], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[len("data: "):])
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sc.Err()
}
