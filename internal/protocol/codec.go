package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	Version = "2.0"

	MethodHandle = "handle"
	MethodInfo   = "info"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is the error member of a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Submission is the payload of the handle method: a Message without a cursor.
type Submission struct {
	Action        ActionType `json:"action"`
	Jobs          []string   `json:"jobs"`
	Notifications []int      `json:"notifications,omitempty"`
	Origin        string     `json:"origin,omitempty"`
}

// Query is the payload of the info method.
type Query struct {
	Action ActionType `json:"action"`
}

// Message validates the submission and converts it into a Message at index 0.
func (s Submission) Message() (*Message, error) {
	switch s.Action {
	case ActionRun, ActionCont, ActionKill:
	default:
		return nil, fmt.Errorf("%w: %s cannot be submitted", ErrInvalidAction, s.Action)
	}
	if len(s.Jobs) == 0 {
		return nil, errors.New("submission has no jobs")
	}
	if len(s.Notifications) > len(s.Jobs) {
		return nil, fmt.Errorf("submission has %d notification flags for %d jobs", len(s.Notifications), len(s.Jobs))
	}
	jobs := make([]string, len(s.Jobs))
	copy(jobs, s.Jobs)
	notifications := make([]int, len(jobs))
	copy(notifications, s.Notifications)
	return &Message{
		Action:        s.Action,
		Jobs:          jobs,
		Notifications: notifications,
		Origin:        s.Origin,
	}, nil
}

// EncodeRequest writes a request for method with a single positional parameter.
func EncodeRequest(w io.Writer, id int, method string, param any) error {
	params, err := json.Marshal([]any{param})
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	req := Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
	}
	if err := json.NewEncoder(w).Encode(&req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads and validates a request envelope.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.JSONRPC != "" && req.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version: %q", req.JSONRPC)
	}
	if req.Method == "" {
		return nil, errors.New("request missing required field: method")
	}
	return &req, nil
}

// DecodeParams unpacks the first parameter into out. Params may be either a
// positional array or a single named object.
func DecodeParams(raw json.RawMessage, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	if raw[0] == '[' {
		var positional []json.RawMessage
		if err := json.Unmarshal(raw, &positional); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
		if len(positional) != 1 {
			return fmt.Errorf("expected 1 positional param, got %d", len(positional))
		}
		raw = positional[0]
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// DecodeResponse reads a response envelope and unpacks its result into out.
// An RPC-level error is returned as *RPCError.
func DecodeResponse(r io.Reader, out any) error {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
