package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"askplexi/internal/session"
)

const defaultServerURL = "http://localhost:8088"

type askRequest struct {
	Question      string `json:"question"`
	NewSession    bool   `json:"new_session,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	ReturnSources bool   `json:"return_sources,omitempty"`
}

type askResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// serverError is a non-2xx answer from the server, carrying its error body.
type serverError struct {
	Status  string
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server answered %s: %s", e.Status, e.Message)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("askplexi", flag.ContinueOnError)
	fs.SetOutput(stderr)
	newSession := fs.Bool("new", false, "Start the question in a fresh conversation")
	sessionID := fs.String("id", "", "Continue the conversation with this session id")
	sources := fs.Bool("sources", false, "Keep citations and source URLs in the answer")
	listFlag := fs.Bool("sessions", false, "List the server's conversations and exit")
	server := fs.String("server", "", "Server URL (default "+defaultServerURL+" or $PERPLEXITY_API_URL)")
	timeout := fs.Duration("timeout", 300*time.Second, "How long to wait for the answer")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	serverURL := resolveServerURL(*server)
	client := &http.Client{Timeout: *timeout}

	if *listFlag {
		return printSessions(stdout, stderr, client, serverURL)
	}

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		question = readStdinQuestion()
	}
	if question == "" {
		fmt.Fprintln(stderr, `usage: askplexi [flags] "question"  (or pipe the question on stdin)`)
		fs.PrintDefaults()
		return 1
	}

	res, err := postAsk(client, serverURL, askRequest{
		Question:      question,
		NewSession:    *newSession,
		SessionID:     *sessionID,
		ReturnSources: *sources,
	})
	if err != nil {
		if se, ok := err.(*serverError); ok {
			fmt.Fprintf(stderr, "Error: %s\n", se.Error())
			return 1
		}
		fmt.Fprintf(stderr, "Error: could not reach server at %s: %v\n", serverURL, err)
		reportHealth(stderr, serverURL)
		return 1
	}

	fmt.Fprintln(stdout, res.Response)
	if os.Getenv("PERPLEXITY_DEBUG") != "" && res.SessionID != "" {
		fmt.Fprintf(stderr, "\n[Session ID: %s]\n", res.SessionID)
	}
	return 0
}

// resolveServerURL picks the flag value, then $PERPLEXITY_API_URL, then the
// default, and normalizes away a trailing slash.
func resolveServerURL(flagValue string) string {
	url := flagValue
	if url == "" {
		url = os.Getenv("PERPLEXITY_API_URL")
	}
	if url == "" {
		url = defaultServerURL
	}
	return strings.TrimRight(url, "/")
}

func readStdinQuestion() string {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		// Interactive terminal; do not block waiting for piped input.
		return ""
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func postAsk(client *http.Client, serverURL string, req askRequest) (askResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return askResponse{}, err
	}

	resp, err := client.Post(serverURL+"/ask", "application/json", bytes.NewReader(body))
	if err != nil {
		return askResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := "no details"
		if json.NewDecoder(resp.Body).Decode(&detail) == nil && detail.Message != "" {
			msg = detail.Message
		}
		return askResponse{}, &serverError{Status: resp.Status, Message: msg}
	}

	var out askResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return askResponse{}, fmt.Errorf("decode server response: %w", err)
	}
	return out, nil
}

// reportHealth runs a quick health probe after a failed ask so the user can
// tell a dead server from a broken question.
func reportHealth(stderr io.Writer, serverURL string) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err == nil {
		defer resp.Body.Close()
		var payload struct {
			Status string `json:"status"`
			State  string `json:"state"`
		}
		if resp.StatusCode == http.StatusOK &&
			json.NewDecoder(resp.Body).Decode(&payload) == nil &&
			payload.Status == "ok" {
			fmt.Fprintf(stderr, "Health check OK (state %s), but /ask failed. Check server logs.\n", payload.State)
			return
		}
	}

	fmt.Fprintln(stderr, "Health check failed or server not responding.")
	if cmd := os.Getenv("PERPLEXITY_RESTART_CMD"); cmd != "" {
		fmt.Fprintf(stderr, "Restart it with: %s\n", cmd)
	} else {
		fmt.Fprintln(stderr, "No PERPLEXITY_RESTART_CMD configured. Please restart the server manually.")
	}
}

func printSessions(stdout, stderr io.Writer, client *http.Client, serverURL string) int {
	resp, err := client.Get(serverURL + "/sessions")
	if err != nil {
		fmt.Fprintf(stderr, "Error: could not reach server at %s: %v\n", serverURL, err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Error: server answered %s\n", resp.Status)
		return 1
	}

	var payload struct {
		Sessions map[string]session.Session `json:"sessions"`
		Current  string                     `json:"current_session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		fmt.Fprintf(stderr, "Error: decode sessions: %v\n", err)
		return 1
	}

	if len(payload.Sessions) == 0 {
		fmt.Fprintln(stderr, "No sessions found.")
		fmt.Fprintln(stderr, "Sessions are created when you ask questions via the API.")
		return 0
	}

	fmt.Fprintf(stdout, "Total sessions: %d\n", len(payload.Sessions))
	if payload.Current != "" {
		fmt.Fprintf(stdout, "Current session: %s\n", payload.Current)
	}
	fmt.Fprintln(stdout)

	ids := make([]string, 0, len(payload.Sessions))
	for id := range payload.Sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return payload.Sessions[ids[i]].LastUsedAt.After(payload.Sessions[ids[j]].LastUsedAt)
	})

	for _, id := range ids {
		info := payload.Sessions[id]
		marker := ""
		if id == payload.Current {
			marker = " (current)"
		}
		fmt.Fprintf(stdout, "Session: %s%s\n", id, marker)
		fmt.Fprintf(stdout, "  Created: %s\n", info.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(stdout, "  Last used: %s\n", info.LastUsedAt.Format(time.RFC3339))
		url := info.URL
		if len(url) > 80 {
			url = url[:77] + "..."
		}
		fmt.Fprintf(stdout, "  URL: %s\n\n", url)
	}
	return 0
}
