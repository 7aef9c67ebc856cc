// Package httpapi exposes the ask service over HTTP: one POST endpoint that
// runs a question through the conversation engine, plus health and session
// listing for operators and the CLI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"askplexi/internal/answer"
	"askplexi/internal/ask"
	"askplexi/internal/session"
)

// Engine is the slice of the conversation engine the HTTP layer uses.
type Engine interface {
	Ask(ctx context.Context, req ask.Request) (ask.Result, error)
	State() ask.State
}

// Handler serves the ask API against a running engine.
type Handler struct {
	service  string
	engine   Engine
	sessions *session.Manager
}

func New(service string, engine Engine, sessions *session.Manager) *Handler {
	return &Handler{service: service, engine: engine, sessions: sessions}
}

type askRequest struct {
	Question      string `json:"question"`
	NewSession    bool   `json:"new_session"`
	SessionID     string `json:"session_id"`
	ReturnSources bool   `json:"return_sources"`
}

type askResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type healthResponse struct {
	Status   string    `json:"status"`
	Service  string    `json:"service"`
	State    ask.State `json:"state"`
	Sessions int       `json:"sessions"`
}

type sessionsResponse struct {
	Sessions map[string]session.Session `json:"sessions"`
	Current  string                     `json:"current_session,omitempty"`
}

func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var payload askRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Request body is required")
		} else {
			respondError(w, http.StatusBadRequest, "Invalid JSON in request body")
		}
		return
	}
	if strings.TrimSpace(payload.Question) == "" {
		respondError(w, http.StatusBadRequest, "Missing 'question' field")
		return
	}

	res, err := h.engine.Ask(r.Context(), ask.Request{
		Question:   payload.Question,
		NewSession: payload.NewSession,
		SessionID:  payload.SessionID,
	})
	if err != nil {
		status, message := mapAskError(err)
		respondError(w, status, message)
		return
	}

	respondJSON(w, http.StatusOK, askResponse{
		Response:  answer.Clean(res.Answer, payload.ReturnSources),
		SessionID: res.SessionID,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Service:  h.service,
		State:    h.engine.State(),
		Sessions: h.sessions.Count(),
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, current := h.sessions.List()
	respondJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions, Current: current})
}

// mapAskError translates engine failures into HTTP status codes. Remote error
// banners pass through verbatim so the caller sees what the site reported.
func mapAskError(err error) (int, string) {
	var remote *ask.RemoteError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &remote):
		return http.StatusBadGateway, remote.Message
	case errors.Is(err, ask.ErrElementWait), errors.Is(err, ask.ErrAnswerTimeout):
		return http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, ask.ErrLoginTimeout),
		errors.Is(err, ask.ErrBrowserUnavailable),
		errors.Is(err, ask.ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the error shape every endpoint shares:
// {"error": "<status text>", "message": "<detail>"}.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
