package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ferdinandyb/throttle/internal/protocol"
)

// maxRequestBytes bounds an RPC request body.
const maxRequestBytes = 1 << 20

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Version:       s.config.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       s.dispatcher.Workers(),
		Subscribers:   s.events.Subscribers(),
	})
}

// handleRPC handles POST /rpc. Every JSON-RPC outcome, including errors, is
// reported with HTTP 200 and an error member in the envelope.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.logger.Warn("rejecting rpc request", "error", err)
		writeRPCError(w, nil, protocol.CodeParseError, err.Error())
		return
	}

	switch req.Method {
	case protocol.MethodHandle:
		s.rpcHandle(w, req)
	case protocol.MethodInfo:
		s.rpcInfo(r.Context(), w, req)
	default:
		writeRPCError(w, req.ID, protocol.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

// rpcHandle enqueues a RUN, CONT or KILL and returns without waiting.
func (s *Server) rpcHandle(w http.ResponseWriter, req *protocol.Request) {
	var sub protocol.Submission
	if err := protocol.DecodeParams(req.Params, &sub); err != nil {
		writeRPCError(w, req.ID, protocol.CodeInvalidParams, err.Error())
		return
	}
	msg, err := sub.Message()
	if err != nil {
		writeRPCError(w, req.ID, protocol.CodeInvalidParams, err.Error())
		return
	}

	s.logger.Info("handling submission",
		"action", msg.Action.String(),
		"jobs", msg.Jobs,
		"origin", msg.Origin,
	)
	if err := s.dispatcher.Submit(msg); err != nil {
		writeRPCError(w, req.ID, protocol.CodeInternalError, err.Error())
		return
	}
	writeRPCResult(w, req.ID, nil)
}

// rpcInfo answers STATS and STATUS synchronously.
func (s *Server) rpcInfo(ctx context.Context, w http.ResponseWriter, req *protocol.Request) {
	var q protocol.Query
	if err := protocol.DecodeParams(req.Params, &q); err != nil {
		writeRPCError(w, req.ID, protocol.CodeInvalidParams, err.Error())
		return
	}
	if !q.Action.Query() {
		writeRPCError(w, req.ID, protocol.CodeInvalidParams, "info accepts STATS or STATUS, got "+q.Action.String())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	reply, err := s.dispatcher.Query(ctx, q.Action)
	if err != nil {
		code := protocol.CodeInternalError
		if errors.Is(err, protocol.ErrInvalidAction) {
			code = protocol.CodeInvalidParams
		}
		writeRPCError(w, req.ID, code, err.Error())
		return
	}

	var result any = reply.Stats
	if q.Action == protocol.ActionStatus {
		status := reply.Status
		if status == nil {
			status = protocol.StatusReport{}
		}
		result = status
	}
	writeRPCResult(w, req.ID, result)
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, id, protocol.CodeInternalError, "failed to encode result")
		return
	}
	respondJSON(w, http.StatusOK, protocol.Response{
		JSONRPC: protocol.Version,
		Result:  raw,
		ID:      nullID(id),
	})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	respondJSON(w, http.StatusOK, protocol.Response{
		JSONRPC: protocol.Version,
		Error:   &protocol.RPCError{Code: code, Message: message},
		ID:      nullID(id),
	})
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
