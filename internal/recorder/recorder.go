// Package recorder writes question and answer transcripts as JSON lines,
// one file per service run, keeping only the most recent runs on disk.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxTranscriptFiles = 5
	TranscriptDir      = "data/transcripts"
)

// Entry is a single transcript record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"` // question, answer, error
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// Recorder appends transcript entries to a rotating JSONL file. A nil
// Recorder is valid and drops every entry, so callers with transcripts
// disabled need no guards.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	dir     string
	now     func() time.Time
}

// New creates a recorder writing under dir, which is created if missing.
func New(dir string) (*Recorder, error) {
	if dir == "" {
		dir = TranscriptDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		dir: dir,
		now: time.Now,
	}, nil
}

// Open starts a fresh transcript file for this run, rotating out the oldest
// ones so at most MaxTranscriptFiles remain.
func (r *Recorder) Open() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate transcripts: %w", err)
	}

	name := fmt.Sprintf("transcript_%d.jsonl", r.now().UnixMilli())
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Question records a submitted question.
func (r *Recorder) Question(sessionID, text string) {
	r.write(Entry{Type: "question", SessionID: sessionID, Text: text})
}

// Answer records a completed answer and the conversation URL it came from.
func (r *Recorder) Answer(sessionID, url, text string) {
	r.write(Entry{Type: "answer", SessionID: sessionID, URL: url, Text: text})
}

// Error records a failed exchange.
func (r *Recorder) Error(sessionID, text string) {
	r.write(Entry{Type: "error", SessionID: sessionID, Text: text})
}

func (r *Recorder) write(e Entry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	e.Timestamp = r.now()
	_ = r.encoder.Encode(e)
}

// rotate deletes the oldest transcripts, keeping room for the file Open is
// about to create.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	type aged struct {
		name string
		mod  time.Time
	}
	var transcripts []aged
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		transcripts = append(transcripts, aged{e.Name(), info.ModTime()})
	}

	sort.Slice(transcripts, func(i, j int) bool {
		return transcripts[i].mod.After(transcripts[j].mod)
	})

	if len(transcripts) >= MaxTranscriptFiles {
		for i := MaxTranscriptFiles - 1; i < len(transcripts); i++ {
			_ = os.Remove(filepath.Join(r.dir, transcripts[i].name))
		}
	}
	return nil
}

// Close finishes the current transcript.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
