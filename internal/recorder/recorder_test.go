package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := New(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	// Open more runs than the rotation keeps
	for i := 0; i < MaxTranscriptFiles+2; i++ {
		if err := r.Open(); err != nil {
			t.Fatal(err)
		}
		r.Question("sess", "hello")
		time.Sleep(10 * time.Millisecond) // Ensure different mod times
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxTranscriptFiles {
		t.Errorf("expected %d files, got %d", MaxTranscriptFiles, len(entries))
	}
}

func TestRecorderTranscript(t *testing.T) {
	tempDir := t.TempDir()

	r, err := New(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}

	r.Question("what-is-2-2-abcd1234", "What is 2+2?")
	r.Answer("what-is-2-2-abcd1234", "https://www.perplexity.ai/search/what-is-2-2", "4")
	r.Error("what-is-2-2-abcd1234", "answer timeout")
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}

	f, err := os.Open(filepath.Join(tempDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, `{"ts":`) {
			t.Errorf("unexpected transcript line format: %s", line)
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("failed to parse transcript line %q: %v", line, err)
		}
		got = append(got, e)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Type != "question" || got[0].Text != "What is 2+2?" {
		t.Errorf("unexpected question entry: %+v", got[0])
	}
	if got[1].Type != "answer" || got[1].URL == "" {
		t.Errorf("unexpected answer entry: %+v", got[1])
	}
	if got[2].Type != "error" || got[2].Text != "answer timeout" {
		t.Errorf("unexpected error entry: %+v", got[2])
	}
	for _, e := range got {
		if e.SessionID != "what-is-2-2-abcd1234" {
			t.Errorf("entry lost session id: %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry missing timestamp: %+v", e)
		}
	}
}

func TestRecorderWriteBeforeOpen(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Entries before Open are dropped, not an error.
	r.Question("sess", "early")
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder

	if err := r.Open(); err != nil {
		t.Errorf("nil recorder Open returned %v", err)
	}
	r.Question("sess", "q")
	r.Answer("sess", "https://example.com", "a")
	r.Error("sess", "boom")
	if err := r.Close(); err != nil {
		t.Errorf("nil recorder Close returned %v", err)
	}
}
