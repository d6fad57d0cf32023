package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActionType tells the dispatcher what to do with a Message.
type ActionType int

const (
	ActionRun    ActionType = iota + 1 // run the current job
	ActionCont                         // skip the current job, keep the chain going
	ActionKill                         // cancel the workers named in jobs
	ActionClean                        // reclaim exited workers
	ActionStats                        // aggregate counters
	ActionStatus                       // live worker snapshot
)

var ErrInvalidAction = errors.New("invalid action")

var actionNames = map[ActionType]string{
	ActionRun:    "RUN",
	ActionCont:   "CONT",
	ActionKill:   "KILL",
	ActionClean:  "CLEAN",
	ActionStats:  "STATS",
	ActionStatus: "STATUS",
}

func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ActionType(%d)", int(a))
}

// ParseAction accepts an action name in any case.
func ParseAction(s string) (ActionType, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == want {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

func (a ActionType) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// Query reports whether the action expects a synchronous reply.
func (a ActionType) Query() bool {
	return a == ActionStats || a == ActionStatus
}

func (a ActionType) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAction, int(a))
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either the action name or its numeric value.
func (a *ActionType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseAction(name)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAction, string(data))
	}
	if !ActionType(n).Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAction, n)
	}
	*a = ActionType(n)
	return nil
}

// Message is the unit of control flow between the RPC boundary, the
// dispatcher and the workers. Exactly one component owns a Message at a time.
type Message struct {
	Action        ActionType `json:"action"`
	Jobs          []string   `json:"jobs,omitempty"`
	Notifications []int      `json:"notifications,omitempty"`
	Index         int        `json:"index"`
	Origin        string     `json:"origin,omitempty"`

	// Reply is set only on STATS/STATUS queries.
	Reply chan<- Reply `json:"-"`
}

// Job returns the job under the cursor, or "" for an empty chain.
func (m *Message) Job() string {
	if m.Index < 0 || m.Index >= len(m.Jobs) {
		return ""
	}
	return m.Jobs[m.Index]
}

// SetJob rewrites the job under the cursor in place.
func (m *Message) SetJob(job string) {
	if m.Index < 0 || m.Index >= len(m.Jobs) {
		return
	}
	m.Jobs[m.Index] = job
}

// Notify reports whether a failure of the current job should be notified.
// Missing flags count as silent.
func (m *Message) Notify() bool {
	if m.Index < 0 || m.Index >= len(m.Notifications) {
		return false
	}
	return m.Notifications[m.Index] != 0
}

// HasNext reports whether another job follows the current one.
func (m *Message) HasNext() bool {
	return m.Index < len(m.Jobs)-1
}

// Next advances the cursor and marks the new job runnable. At the end of the
// chain it returns false and leaves the message untouched.
func (m *Message) Next() bool {
	if !m.HasNext() {
		return false
	}
	m.Action = ActionRun
	m.Index++
	return true
}

// Cont marks the current job as skipped without advancing, provided more
// jobs follow it.
func (m *Message) Cont() bool {
	if !m.HasNext() {
		return false
	}
	m.Action = ActionCont
	return true
}

// Clean builds the internal reclaim trigger.
func Clean() *Message {
	return &Message{Action: ActionClean}
}

// Reply is the answer to a STATS or STATUS query; exactly one field is set.
type Reply struct {
	Stats  *Stats       `json:"stats,omitempty"`
	Status StatusReport `json:"status,omitempty"`
	At     time.Time    `json:"at"`
}

// Stats is the aggregate counter snapshot. Start is the daemon start time.
type Stats struct {
	Start time.Time           `json:"start"`
	Jobs  map[string]JobStats `json:"jobs"`
}

// JobStats counts executions for one key. Total includes collapsed and
// skipped submissions.
type JobStats struct {
	Run   int `json:"run"`
	Total int `json:"total"`
}

// StatusReport maps every live key to its worker state.
type StatusReport map[string]WorkerStatus

// WorkerStatus is the live state of one worker.
type WorkerStatus struct {
	WorkerID  string    `json:"worker_id"`
	QueueSize int       `json:"queuesize"`
	Started   time.Time `json:"started"`
	Touched   time.Time `json:"touched"`
	Uptime    float64   `json:"uptime"`
}
