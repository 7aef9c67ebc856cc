package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))

	idx := store.Load()
	if idx.Sessions == nil {
		t.Fatal("expected initialized session map")
	}
	if len(idx.Sessions) != 0 {
		t.Errorf("expected empty index, got %d sessions", len(idx.Sessions))
	}
	if idx.Current != "" {
		t.Errorf("expected empty current pointer, got %q", idx.Current)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewFileStore(path)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	idx := NewIndex()
	idx.Sessions["what-is-rust-abcd1234"] = Session{
		URL:        "https://www.perplexity.ai/search/what-is-rust-abcd1234",
		CreatedAt:  created,
		LastUsedAt: created.Add(5 * time.Minute),
	}
	idx.Current = "what-is-rust-abcd1234"

	if err := store.Save(idx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := store.Load()
	if loaded.Current != "what-is-rust-abcd1234" {
		t.Errorf("expected current %q, got %q", "what-is-rust-abcd1234", loaded.Current)
	}
	sess, ok := loaded.Sessions["what-is-rust-abcd1234"]
	if !ok {
		t.Fatal("expected session to survive round trip")
	}
	if sess.URL != "https://www.perplexity.ai/search/what-is-rust-abcd1234" {
		t.Errorf("unexpected URL %q", sess.URL)
	}
	if !sess.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v, got %v", created, sess.CreatedAt)
	}
	if !sess.LastUsedAt.Equal(created.Add(5 * time.Minute)) {
		t.Errorf("expected last_used_at %v, got %v", created.Add(5*time.Minute), sess.LastUsedAt)
	}
}

func TestFileStoreLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	idx := NewFileStore(path).Load()
	if len(idx.Sessions) != 0 || idx.Current != "" {
		t.Errorf("expected empty index from corrupt file, got %+v", idx)
	}
}

func TestFileStoreLoadClearsDanglingCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	data := `{"sessions":{},"current_session":"gone-12345678"}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	idx := NewFileStore(path).Load()
	if idx.Current != "" {
		t.Errorf("expected dangling current pointer to be cleared, got %q", idx.Current)
	}
}

func TestFileStoreLoadNilSessionMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte(`{"current_session":""}`), 0o644); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	idx := NewFileStore(path).Load()
	if idx.Sessions == nil {
		t.Fatal("expected session map to be initialized")
	}
}

func TestFileStoreSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	store := NewFileStore(path)

	idx := NewIndex()
	idx.Sessions["a-1b2c3d4e"] = Session{URL: "https://example.com/a"}
	idx.Current = "a-1b2c3d4e"
	if err := store.Save(idx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to list dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("temp file %q left behind after save", entry.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected only the index file, got %d entries", len(entries))
	}
}

func TestFileStoreSaveReplacesExistingIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	store := NewFileStore(path)

	first := NewIndex()
	first.Sessions["old-thread-aaaaaaaa"] = Session{URL: "https://example.com/old"}
	first.Current = "old-thread-aaaaaaaa"
	if err := store.Save(first); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	second := NewIndex()
	second.Sessions["new-thread-bbbbbbbb"] = Session{URL: "https://example.com/new"}
	second.Current = "new-thread-bbbbbbbb"
	if err := store.Save(second); err != nil {
		t.Fatalf("Save over an existing index failed: %v", err)
	}

	loaded := store.Load()
	if len(loaded.Sessions) != 1 {
		t.Fatalf("expected the second index to replace the first, got %d sessions", len(loaded.Sessions))
	}
	if _, ok := loaded.Sessions["old-thread-aaaaaaaa"]; ok {
		t.Error("first index still present after overwrite")
	}
	if loaded.Current != "new-thread-bbbbbbbb" {
		t.Errorf("expected current %q, got %q", "new-thread-bbbbbbbb", loaded.Current)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to list dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the index file after overwrite, got %d entries", len(entries))
	}
}

func TestFileStoreSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sessions", "sessions.json")
	store := NewFileStore(path)

	if err := store.Save(NewIndex()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected index file to exist: %v", err)
	}
}

func TestFileStoreSaveFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewFileStore(path)

	idx := NewIndex()
	idx.Sessions["q-deadbeef"] = Session{URL: "https://example.com/q"}
	idx.Current = "q-deadbeef"
	if err := store.Save(idx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read index: %v", err)
	}
	for _, key := range []string{`"sessions"`, `"current_session"`, `"url"`, `"created_at"`, `"last_used_at"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected stored index to contain %s, got:\n%s", key, data)
		}
	}
}

func TestMemStoreIsolation(t *testing.T) {
	store := NewMemStore()

	idx := NewIndex()
	idx.Sessions["a-1b2c3d4e"] = Session{URL: "https://example.com/a"}
	if err := store.Save(idx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Mutating the caller's copy after save must not leak into the store.
	idx.Sessions["b-5f6a7b8c"] = Session{URL: "https://example.com/b"}
	loaded := store.Load()
	if len(loaded.Sessions) != 1 {
		t.Errorf("expected 1 stored session, got %d", len(loaded.Sessions))
	}

	// Mutating a loaded copy must not leak either.
	loaded.Sessions["c-9d0e1f2a"] = Session{URL: "https://example.com/c"}
	if len(store.Load().Sessions) != 1 {
		t.Error("mutation of loaded index leaked into the store")
	}
}

func TestMemStoreLoadBeforeSave(t *testing.T) {
	idx := NewMemStore().Load()
	if idx.Sessions == nil || len(idx.Sessions) != 0 {
		t.Errorf("expected fresh empty index, got %+v", idx)
	}
}
