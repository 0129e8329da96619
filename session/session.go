// Package session implements the authoritative per-session state: the
// session registry with exclusive per-session checkout (C1), and the
// ordered conversation history each session owns (C2).
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
	"github.com/kadirpekel/atlas/llm"
)

// SaveMode controls whether a session's history is persisted.
type SaveMode string

const (
	SaveNone   SaveMode = "none"
	SaveLocal  SaveMode = "local"
	SaveServer SaveMode = "server"
)

// FileRef is a reference to an attached file's content, resolved by the
// (out of scope) file storage collaborator.
type FileRef struct {
	Name   string
	Handle string
}

// Message is one entry of a session's history. Content carries the plain
// text the LLM collaborator and persistence actually operate on; Parts
// is an optional typed carrier (currently used for file attachments)
// alongside it, so a system message can name the files a request
// attached without losing a provider-agnostic structured representation
// of them.
type Message struct {
	Role       llm.Role
	Content    string
	Parts      []a2a.Part
	ToolCallID string
	Timestamp  time.Time
	Streaming  bool
	ToolName   string
	ServerName string
}

// FilesToParts converts attached files into a2a file parts, keyed by the
// storage handle the (out of scope) file storage collaborator resolved
// for each name. The MIME type is left to the consumer of the part (a2a
// leaves FileBytes/FileURI.MimeType optional); callers that only have an
// opaque handle use FileURI so the part stays a reference rather than an
// eagerly-inlined payload.
func FilesToParts(files map[string]FileRef) []a2a.Part {
	if len(files) == 0 {
		return nil
	}
	parts := make([]a2a.Part, 0, len(files))
	for _, ref := range files {
		parts = append(parts, a2a.FilePart{
			File: a2a.FileURI{URI: ref.Handle},
		})
	}
	return parts
}

// ToLLM projects history messages into the collaborator's wire shape.
func ToLLM(messages []Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = llm.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, ToolName: m.ToolName}
	}
	return out
}

// TokenCounter counts tokens in a string, used by History.TruncateToBudget.
type TokenCounter interface {
	Count(s string) int
}

// History is the ordered, append-only (until truncated) message log a
// session owns exclusively.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

func (h *History) Append(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

// Snapshot returns a copy of the current history, safe to range over
// without holding the session lock.
func (h *History) Snapshot() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Clear empties the history. Used on input/output content-policy blocks.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}

// TruncateLast drops the last n messages; the orchestrator uses it to drop
// the assistant message when the output check blocks it.
func (h *History) TruncateLast(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 {
		return
	}
	if n >= len(h.messages) {
		h.messages = nil
		return
	}
	h.messages = h.messages[:len(h.messages)-n]
}

// TruncateToBudget drops the oldest messages (dropping a tool-call
// and its paired tool-result together) until the total token count fits
// within maxTokens. maxTokens <= 0 disables truncation.
func (h *History) TruncateToBudget(maxTokens int, counter TokenCounter) {
	if maxTokens <= 0 || counter == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, m := range h.messages {
		total += counter.Count(m.Content)
	}
	i := 0
	for total > maxTokens && i < len(h.messages) {
		total -= counter.Count(h.messages[i].Content)
		i++
		// keep tool-call/tool-result pairs together: if we just dropped an
		// assistant message immediately followed by tool-role messages,
		// drop those too.
		for i < len(h.messages) && h.messages[i].Role == llm.RoleTool {
			total -= counter.Count(h.messages[i].Content)
			i++
		}
	}
	h.messages = h.messages[i:]
}

// Session is the per-id authoritative state the orchestration core reads
// and mutates.
type Session struct {
	ID              string
	OwnerEmail      string
	CreatedAt       time.Time
	LastActivity    time.Time
	SaveMode        SaveMode
	History         *History
	Files           map[string]FileRef
	SelectedTools   map[string]struct{}
	SelectedSources []string
	ActivePromptID  string

	filesMu sync.Mutex
}

// Incognito reports whether this session's save-mode discards history.
func (s *Session) Incognito() bool {
	return s.SaveMode == SaveNone
}

// AddFile records an attached file's metadata.
func (s *Session) AddFile(ref FileRef) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	if s.Files == nil {
		s.Files = make(map[string]FileRef)
	}
	s.Files[ref.Name] = ref
}

func newSession(id, ownerEmail string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		OwnerEmail:    ownerEmail,
		CreatedAt:     now,
		LastActivity:  now,
		SaveMode:      SaveServer,
		History:       &History{},
		Files:         make(map[string]FileRef),
		SelectedTools: make(map[string]struct{}),
	}
}

// NewID generates an opaque session id.
func NewID() string {
	return uuid.NewString()
}

// Handle is the caller's exclusive lease on a Session, released exactly
// once on every exit path out of a request.
type Handle struct {
	session  *Session
	release  func()
	released bool
	mu       sync.Mutex
}

func (h *Handle) Session() *Session { return h.session }

// Release returns the session to the store. Safe to call more than once
// or deferred unconditionally; only the first call has effect.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.release()
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

// Store is the session registry: a mutable map guarded by a registry
// lock, with per-session exclusive acquisition guarded by that session's
// own lock.
type Store struct {
	mu          sync.Mutex
	entries     map[string]*entry
	idleTimeout time.Duration
}

// NewStore creates a Store. idleTimeout <= 0 disables idle eviction.
func NewStore(idleTimeout time.Duration) *Store {
	return &Store{entries: make(map[string]*entry), idleTimeout: idleTimeout}
}

// Acquire checks out the session for id, creating it lazily on first use.
// Blocks until the session is available or ctx is cancelled.
func (s *Store) Acquire(ctx context.Context, id, ownerEmail string) (*Handle, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{session: newSession(id, ownerEmail)}
		s.entries[id] = e
	}
	s.mu.Unlock()

	// decided arbitrates, via CompareAndSwap, which of the two racing
	// outcomes — the goroutine below finishing e.mu.Lock(), or the select
	// below observing ctx.Done() — gets to act first. Without it, a
	// caller that gives up while the goroutine is still blocked on
	// e.mu.Lock() would leave that goroutine to acquire the lock later
	// with no Handle ever created to release it, stranding the session
	// for the rest of the process.
	const (
		pending = iota
		committed
		abandoned
	)
	var decided atomic.Int32

	locked := make(chan struct{})
	go func() {
		e.mu.Lock()
		if decided.CompareAndSwap(pending, committed) {
			close(locked)
			return
		}
		// the caller already abandoned the wait; nothing else will ever
		// unlock this, so release it here instead of stranding it.
		e.mu.Unlock()
	}()

	select {
	case <-locked:
	case <-ctx.Done():
		if !decided.CompareAndSwap(pending, abandoned) {
			// lost the race: the goroutine already committed and is
			// closing locked right now. Wait for it and hand the lock
			// off normally instead of leaking it.
			<-locked
			break
		}
		return nil, ctx.Err()
	}

	e.session.LastActivity = time.Now()

	var once sync.Once
	return &Handle{
		session: e.session,
		release: func() {
			once.Do(func() { e.mu.Unlock() })
		},
	}, nil
}

// Reset discards a session's state, replacing it with a fresh one. The
// caller must not hold an outstanding Handle for id.
func (s *Store) Reset(id, ownerEmail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.mu.Lock()
		e.session = newSession(id, ownerEmail)
		e.mu.Unlock()
		return
	}
	s.entries[id] = &entry{session: newSession(id, ownerEmail)}
}

// EvictIdle removes sessions whose last activity predates the configured
// idle timeout. Eviction never runs against a session currently held: it
// uses TryLock and skips any entry it cannot acquire immediately.
func (s *Store) EvictIdle() {
	if s.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.idleTimeout)

	s.mu.Lock()
	candidates := make([]string, 0, len(s.entries))
	for id := range s.entries {
		candidates = append(candidates, id)
	}
	s.mu.Unlock()

	for _, id := range candidates {
		s.mu.Lock()
		e, ok := s.entries[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if !e.mu.TryLock() {
			continue
		}
		idle := e.session.LastActivity.Before(cutoff)
		if idle {
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
		}
		e.mu.Unlock()
	}
}
