package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/internal/flow"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// backendEvent ingests one content-channel event and hands it to the
// bridge for ordering and dispatch.
func (s *Server) backendEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		types.BackendEvent
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionId required")
		return
	}

	st, ok := s.manager.Get(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	if err := s.bridge.Handle(st, &req.BackendEvent); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// backendLifecycle ingests one lifecycle-channel event
// (stream_complete / stream_error / stream_cancelled).
func (s *Server) backendLifecycle(w http.ResponseWriter, r *http.Request) {
	var lc types.LifecycleEvent
	if err := json.NewDecoder(r.Body).Decode(&lc); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if lc.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionId required")
		return
	}

	st, ok := s.manager.Get(lc.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	s.bridge.HandleLifecycle(st, &lc)
	writeSuccess(w)
}

// flowResponse is the settled outcome returned to flow callers.
type flowResponse struct {
	FlowID    string         `json:"flowID"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	TimedOut  bool           `json:"timedOut,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
}

// startFlow begins a tracked flow and blocks until the backend
// settles it, the timeout fires, or the caller disconnects. The flow
// id is deterministic per session and kind so the backend can settle
// it without extra bookkeeping.
func (s *Server) startFlow(w http.ResponseWriter, r *http.Request, kind string, timeout time.Duration) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.manager.Get(sessionID); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	flowID := kind + ":" + sessionID
	f := s.flows.Begin(flowID, timeout, func(ctx context.Context) {
		s.publishFlowCancel(flowID, sessionID, kind)
	})
	defer s.flows.Remove(flowID)

	res := f.Wait(r.Context())
	writeJSON(w, http.StatusOK, flowResponse{
		FlowID:    flowID,
		Payload:   res.Payload,
		Error:     res.Err,
		TimedOut:  res.TimedOut,
		Cancelled: res.Cancelled,
	})
}

func (s *Server) gradeSession(w http.ResponseWriter, r *http.Request) {
	s.startFlow(w, r, "grade", s.config.GradingTimeout)
}

func (s *Server) generateCards(w http.ResponseWriter, r *http.Request) {
	s.startFlow(w, r, "cards", s.config.CardGenerationTimeout)
}

// backendFlowResult settles an in-flight flow by id. An unknown or
// already-settled flow id is reported as a conflict; late results are
// dropped on the floor by the settle-once guarantee.
func (s *Server) backendFlowResult(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")

	var req struct {
		Payload map[string]any `json:"payload,omitempty"`
		Error   string         `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	if !s.flows.Resolve(flowID, flow.Result{Payload: req.Payload, Err: req.Error}) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "flow not in flight")
		return
	}
	writeSuccess(w)
}

func (s *Server) publishFlowCancel(flowID, sessionID, kind string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{
		Type: event.FlowCancelRequested,
		Data: event.FlowCancelData{FlowID: flowID, SessionID: sessionID, Kind: kind},
	})
}
