package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatcore-dev/chatcore/internal/session"
	"github.com/chatcore-dev/chatcore/internal/storage"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// sessionView is the wire representation of one session's state.
type sessionView struct {
	ID        string              `json:"id"`
	Status    types.SessionStatus `json:"status"`
	Streaming string              `json:"streamingMessageID,omitempty"`
	Messages  []*types.Message    `json:"messages"`
	Variants  []*types.Variant    `json:"variants,omitempty"`
	Params    types.ChatParams    `json:"params"`
	Panel     bool                `json:"panelVisible"`
}

func viewOf(st *session.Store) sessionView {
	return sessionView{
		ID:        st.ID(),
		Status:    st.Status(),
		Streaming: st.StreamingMessageID(),
		Messages:  st.Messages(),
		Variants:  st.Variants(),
		Params:    st.Params(),
		Panel:     st.PanelVisible(),
	}
}

// storeErrStatus maps session sentinel errors to HTTP status codes.
func storeErrStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrMessageNotFound),
		errors.Is(err, session.ErrBlockNotFound),
		errors.Is(err, session.ErrVariantNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, session.ErrNotIdle),
		errors.Is(err, session.ErrNoActiveStream),
		errors.Is(err, session.ErrMessageLocked),
		errors.Is(err, session.ErrBlockExists):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, session.ErrNotAssistant):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID        string `json:"id"`
		Active    bool   `json:"active"`
		Streaming bool   `json:"streaming"`
	}

	seen := make(map[string]bool)
	var out []entry
	for _, id := range s.manager.ActiveStreamingSessions() {
		seen[id] = true
		out = append(out, entry{ID: id, Active: true, Streaming: true})
	}
	if s.snapshots != nil {
		ids, err := s.snapshots.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			_, active := s.manager.Get(id)
			out = append(out, entry{ID: id, Active: active})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string               `json:"id"`
		Options *types.SessionOptions `json:"options,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "id required")
		return
	}

	st := s.manager.GetOrCreate(req.ID, req.Options)

	// Rehydrate from disk when a persisted snapshot exists and the
	// store is empty.
	if len(st.Messages()) == 0 {
		if err := st.LoadSession(r.Context()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.manager.Destroy(r.Context(), req.ID)
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if st, ok := s.manager.Get(id); ok {
		writeJSON(w, http.StatusOK, viewOf(st))
		return
	}
	if s.snapshots != nil {
		if snap, err := s.snapshots.Load(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.Destroy(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	s.bridge.Reset(id)
	writeSuccess(w)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	var req struct {
		Content     string             `json:"content"`
		Attachments []types.Attachment `json:"attachments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "content required")
		return
	}

	userID, assistantID, err := st.SendMessage(r.Context(), req.Content, req.Attachments)
	if err != nil {
		status, code := storeErrStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"userMessageID":      userID,
		"assistantMessageID": assistantID,
	})
}

func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")
	st, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	var req struct {
		ModelOverride string `json:"modelOverride,omitempty"`
	}
	// Body is optional for retry.
	json.NewDecoder(r.Body).Decode(&req)

	if err := st.RetryMessage(r.Context(), messageID, req.ModelOverride); err != nil {
		status, code := storeErrStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")
	st, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	if err := st.EditMessage(messageID, req.Content); err != nil {
		status, code := storeErrStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")
	st, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	if err := st.DeleteMessage(messageID); err != nil {
		status, code := storeErrStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	if err := st.AbortStream(r.Context()); err != nil {
		status, code := storeErrStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) saveSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	if err := st.SaveSession(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Len(),
	})
}
