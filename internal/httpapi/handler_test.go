package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"askplexi/internal/ask"
	"askplexi/internal/session"
)

type stubEngine struct {
	result  ask.Result
	err     error
	state   ask.State
	lastReq ask.Request
	called  int
}

func (s *stubEngine) Ask(_ context.Context, req ask.Request) (ask.Result, error) {
	s.called++
	s.lastReq = req
	return s.result, s.err
}

func (s *stubEngine) State() ask.State { return s.state }

func newTestRouter(t *testing.T, stub *stubEngine) http.Handler {
	t.Helper()

	store := session.NewMemStore()
	idx := session.NewIndex()
	idx.Sessions["what-is-go-abcdef12"] = session.Session{
		URL:        "https://www.perplexity.ai/search/what-is-go-abc",
		CreatedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		LastUsedAt: time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC),
	}
	idx.Current = "what-is-go-abcdef12"
	if err := store.Save(idx); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	return NewRouter("askplexi-test", stub, session.NewManager(store))
}

func postAsk(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestAskSuccess(t *testing.T) {
	stub := &stubEngine{
		result: ask.Result{Answer: "The answer is 4 [1]", SessionID: "what-is-2-2-deadbeef"},
		state:  ask.StateReady,
	}
	router := newTestRouter(t, stub)

	resp := postAsk(t, router, `{"question": "What is 2+2?"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var got askResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.SessionID != "what-is-2-2-deadbeef" {
		t.Errorf("session_id = %q", got.SessionID)
	}
	if got.Response != "The answer is 4" {
		t.Errorf("expected citations stripped, got %q", got.Response)
	}
	if stub.lastReq.Question != "What is 2+2?" {
		t.Errorf("engine saw question %q", stub.lastReq.Question)
	}
}

func TestAskReturnSourcesKeepsAnswerVerbatim(t *testing.T) {
	stub := &stubEngine{result: ask.Result{Answer: "The answer is 4 [1]", SessionID: "s"}}
	router := newTestRouter(t, stub)

	resp := postAsk(t, router, `{"question": "What is 2+2?", "return_sources": true}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got askResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Response != "The answer is 4 [1]" {
		t.Errorf("expected verbatim answer, got %q", got.Response)
	}
}

func TestAskForwardsSessionTarget(t *testing.T) {
	stub := &stubEngine{result: ask.Result{Answer: "ok ok ok ok", SessionID: "s1"}}
	router := newTestRouter(t, stub)

	resp := postAsk(t, router, `{"question": "x", "new_session": true, "session_id": "s1"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !stub.lastReq.NewSession {
		t.Error("new_session was not forwarded")
	}
	if stub.lastReq.SessionID != "s1" {
		t.Errorf("session_id forwarded as %q", stub.lastReq.SessionID)
	}
}

func TestAskRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"empty body", "", "Request body is required"},
		{"invalid json", "{", "Invalid JSON in request body"},
		{"missing question", `{}`, "Missing 'question' field"},
		{"blank question", `{"question": "   "}`, "Missing 'question' field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubEngine{}
			router := newTestRouter(t, stub)

			resp := postAsk(t, router, tt.body)

			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body["error"] != "Bad Request" {
				t.Errorf("error = %q", body["error"])
			}
			if body["message"] != tt.message {
				t.Errorf("message = %q, want %q", body["message"], tt.message)
			}
			if stub.called != 0 {
				t.Errorf("engine was called %d times", stub.called)
			}
		})
	}
}

func TestAskErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown session", fmt.Errorf("%w: missing", session.ErrNotFound), http.StatusNotFound},
		{"login timeout", ask.ErrLoginTimeout, http.StatusServiceUnavailable},
		{"element wait timeout", fmt.Errorf("%w: question composer", ask.ErrElementWait), http.StatusGatewayTimeout},
		{"answer timeout", fmt.Errorf("%w after 300s", ask.ErrAnswerTimeout), http.StatusGatewayTimeout},
		{"browser unavailable", fmt.Errorf("%w: websocket closed", ask.ErrBrowserUnavailable), http.StatusServiceUnavailable},
		{"shutting down", ask.ErrShuttingDown, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &stubEngine{err: tt.err})

			resp := postAsk(t, router, `{"question": "x"}`)

			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.Code, resp.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body["error"] != http.StatusText(tt.status) {
				t.Errorf("error = %q, want %q", body["error"], http.StatusText(tt.status))
			}
			if body["message"] == "" {
				t.Error("message is empty")
			}
		})
	}
}

func TestAskRemoteErrorSurfacedVerbatim(t *testing.T) {
	router := newTestRouter(t, &stubEngine{
		err: &ask.RemoteError{Message: "You're sending requests too quickly."},
	})

	resp := postAsk(t, router, `{"question": "x"}`)

	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["message"] != "You're sending requests too quickly." {
		t.Errorf("message = %q", body["message"])
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, &stubEngine{state: ask.StateReady})

	for _, path := range []string{"/health", "/"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, resp.Code)
		}
		var got healthResponse
		if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
			t.Fatalf("GET %s: decode response: %v", path, err)
		}
		if got.Status != "ok" || got.Service != "askplexi-test" {
			t.Errorf("GET %s: unexpected identity %q/%q", path, got.Status, got.Service)
		}
		if got.State != ask.StateReady {
			t.Errorf("GET %s: state = %q", path, got.State)
		}
		if got.Sessions != 1 {
			t.Errorf("GET %s: sessions = %d", path, got.Sessions)
		}
	}
}

func TestSessionsListing(t *testing.T) {
	router := newTestRouter(t, &stubEngine{})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got sessionsResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Current != "what-is-go-abcdef12" {
		t.Errorf("current_session = %q", got.Current)
	}
	s, ok := got.Sessions["what-is-go-abcdef12"]
	if !ok {
		t.Fatalf("seeded session missing from %v", got.Sessions)
	}
	if s.URL != "https://www.perplexity.ai/search/what-is-go-abc" {
		t.Errorf("session url = %q", s.URL)
	}
}

func TestUnknownRouteAnswersJSON(t *testing.T) {
	router := newTestRouter(t, &stubEngine{})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "Not Found" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestMethodNotAllowedAnswersJSON(t *testing.T) {
	router := newTestRouter(t, &stubEngine{})

	req := httptest.NewRequest(http.MethodGet, "/ask", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "Method Not Allowed" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestCORSHeaders(t *testing.T) {
	router := newTestRouter(t, &stubEngine{})

	preflight := httptest.NewRequest(http.MethodOptions, "/ask", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, preflight)

	if resp.Code != http.StatusOK {
		t.Fatalf("preflight: expected 200, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("preflight Allow-Origin = %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("health Allow-Origin = %q", got)
	}
}
