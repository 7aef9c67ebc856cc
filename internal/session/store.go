package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Session is one resumable conversation with the remote application. The URL
// is the sole handle needed to resume it; no other conversation state is
// cached locally.
type Session struct {
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Index is the full persisted store: every known session plus the pointer to
// the conversation a bare ask continues.
type Index struct {
	Sessions map[string]Session `json:"sessions"`
	Current  string             `json:"current_session"`
}

// NewIndex returns an empty index with an initialized session map.
func NewIndex() Index {
	return Index{Sessions: make(map[string]Session)}
}

// Clone returns a deep copy of the index.
func (idx Index) Clone() Index {
	out := Index{Current: idx.Current, Sessions: make(map[string]Session, len(idx.Sessions))}
	for id, sess := range idx.Sessions {
		out.Sessions[id] = sess
	}
	return out
}

// Store persists the whole index. Load never fails the caller: missing or
// corrupt data yields an empty index. Save must replace the stored index
// atomically so a crash mid-write cannot corrupt it.
type Store interface {
	Load() Index
	Save(Index) error
}

// FileStore keeps the index as a JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the index from disk. A missing file is a normal first run; a
// corrupt file is logged and superseded by an empty index on the next save.
func (s *FileStore) Load() Index {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[store] failed to read session index %s: %v", s.path, err)
		}
		return NewIndex()
	}

	idx := NewIndex()
	if err := json.Unmarshal(data, &idx); err != nil {
		log.Printf("[store] corrupt session index %s, starting empty: %v", s.path, err)
		return NewIndex()
	}
	if idx.Sessions == nil {
		idx.Sessions = make(map[string]Session)
	}
	if idx.Current != "" {
		if _, ok := idx.Sessions[idx.Current]; !ok {
			log.Printf("[store] current session %q missing from index, clearing pointer", idx.Current)
			idx.Current = ""
		}
	}
	return idx
}

// Save writes the whole index to a temp file next to the destination and
// renames it into place.
func (s *FileStore) Save(idx Index) error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create session store directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session index: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session index: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session index: %w", err)
	}
	return nil
}

// MemStore is an in-memory Store for tests and embedding.
type MemStore struct {
	mu  sync.Mutex
	idx Index
	set bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load returns a copy of the stored index, or an empty one before any save.
func (s *MemStore) Load() Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return NewIndex()
	}
	return s.idx.Clone()
}

// Save replaces the stored index.
func (s *MemStore) Save(idx Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = idx.Clone()
	s.set = true
	return nil
}
