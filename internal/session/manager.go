package session

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports an explicitly requested session id that is absent from
// the store.
var ErrNotFound = errors.New("session not found")

const (
	// maxSlugLen caps the question-derived prefix of a minted session id.
	maxSlugLen = 40
	// suffixLen is the number of hex characters appended to disambiguate ids
	// minted from similar questions.
	suffixLen = 8
)

// Target is the outcome of resolving which conversation an ask should use.
// When New is true no stored conversation applies and a fresh one must be
// started at the entry page.
type Target struct {
	ID  string
	URL string
	New bool
}

// Manager owns every mutation of the session index. Each operation loads the
// index, applies its change in memory, and persists the whole index back
// through the store, serialized by a single lock.
type Manager struct {
	mu     sync.Mutex
	store  Store
	suffix func() string
	now    func() time.Time
}

// NewManager returns a manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		suffix: randomSuffix,
		now:    time.Now,
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}

// Resolve picks the conversation an ask should run in. Precedence: an
// explicitly requested id, then an explicitly requested fresh session, then
// the current pointer, then a fresh session as fallback.
func (m *Manager) Resolve(requestedNew bool, requestedID string) (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.store.Load()

	if requestedID != "" {
		sess, ok := idx.Sessions[requestedID]
		if !ok {
			return Target{}, fmt.Errorf("%w: %s", ErrNotFound, requestedID)
		}
		return Target{ID: requestedID, URL: sess.URL}, nil
	}
	if requestedNew {
		return Target{New: true}, nil
	}
	if idx.Current != "" {
		if sess, ok := idx.Sessions[idx.Current]; ok {
			return Target{ID: idx.Current, URL: sess.URL}, nil
		}
		log.Printf("[sessions] current session %q missing from index, starting fresh", idx.Current)
	}
	return Target{New: true}, nil
}

// Record stores the outcome of an answered question. With a non-empty
// existingID the session's URL and last-used time are updated in place;
// otherwise a fresh id is minted from the question text. Either way the
// touched session becomes current. The returned id is valid even when
// persisting fails; the caller already holds the answer and must not lose it
// over a disk error.
func (m *Manager) Record(question, answerURL, existingID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.store.Load()
	now := m.now().UTC()

	id := existingID
	if id != "" {
		sess, ok := idx.Sessions[id]
		if !ok {
			// The session vanished between resolve and record, likely a
			// hand-edited store file. Recreate it rather than lose the turn.
			sess = Session{CreatedAt: now}
		}
		sess.URL = answerURL
		sess.LastUsedAt = now
		idx.Sessions[id] = sess
	} else {
		id = m.mintID(idx, question)
		idx.Sessions[id] = Session{URL: answerURL, CreatedAt: now, LastUsedAt: now}
	}
	idx.Current = id

	if err := m.store.Save(idx); err != nil {
		log.Printf("[sessions] failed to persist index: %v", err)
		return id, fmt.Errorf("failed to persist session index: %w", err)
	}
	return id, nil
}

// List returns a copy of every stored session plus the current session id.
func (m *Manager) List() (map[string]Session, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.store.Load()
	out := make(map[string]Session, len(idx.Sessions))
	for id, sess := range idx.Sessions {
		out[id] = sess
	}
	return out, idx.Current
}

// Count returns the number of stored sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store.Load().Sessions)
}

func (m *Manager) mintID(idx Index, question string) string {
	slug := slugify(question)
	for {
		id := slug + "-" + m.suffix()
		if _, exists := idx.Sessions[id]; !exists {
			return id
		}
	}
}

// slugify normalizes question text into an id prefix: lower-cased, runs of
// non-alphanumeric characters collapsed to single hyphens, trimmed, and
// truncated to maxSlugLen.
func slugify(question string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(question) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingHyphen = b.Len() > 0
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "session"
	}
	return slug
}
