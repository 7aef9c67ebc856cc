package mcp

import (
	"context"
	"errors"
	"strings"

	"askplexi/internal/answer"
	"askplexi/internal/ask"
	"askplexi/internal/session"
)

// AskTool runs one question through the conversation engine. Calls queue
// behind any in-flight question, so slow answers hold the tool call open.
type AskTool struct {
	engine Engine
}

func (t *AskTool) Name() string { return "ask" }
func (t *AskTool) Description() string {
	return "Ask a question through the persistent Perplexity browser session. Continues the current conversation unless new_session or session_id says otherwise; returns the answer and the session id to continue with."
}

func (t *AskTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{
				"type":        "string",
				"description": "The question to submit",
			},
			"new_session": map[string]interface{}{
				"type":        "boolean",
				"description": "Start a fresh conversation instead of continuing the current one",
			},
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Continue a specific stored conversation",
			},
			"return_sources": map[string]interface{}{
				"type":        "boolean",
				"description": "Keep citation markers and source URLs in the answer",
			},
		},
		"required": []string{"question"},
	}
}

func (t *AskTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	question := getStringArg(args, "question")
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("question is required")
	}

	res, err := t.engine.Ask(ctx, ask.Request{
		Question:   question,
		NewSession: getBoolArg(args, "new_session", false),
		SessionID:  getStringArg(args, "session_id"),
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"response":   answer.Clean(res.Answer, getBoolArg(args, "return_sources", false)),
		"session_id": res.SessionID,
	}, nil
}

// ListSessionsTool reports every stored conversation and the current pointer.
type ListSessionsTool struct {
	sessions *session.Manager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return "List stored conversation sessions with their resume URLs and timestamps."
}

func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	sessions, current := t.sessions.List()
	return map[string]interface{}{
		"sessions":        sessions,
		"current_session": current,
		"count":           len(sessions),
	}, nil
}

// ServiceHealthTool reports the engine state for operators.
type ServiceHealthTool struct {
	engine   Engine
	sessions *session.Manager
}

func (t *ServiceHealthTool) Name() string { return "service-health" }
func (t *ServiceHealthTool) Description() string {
	return "Report the conversation engine state and the stored session count."
}

func (t *ServiceHealthTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ServiceHealthTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"status":   "ok",
		"state":    t.engine.State(),
		"sessions": t.sessions.Count(),
	}, nil
}
