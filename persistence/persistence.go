// Package persistence implements the save coordinator (C12) and the
// conversation-persistence collaborator interface it honours.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/atlas/session"
)

// Conversation is the full, prunable snapshot handed to the persistence
// collaborator on server save-mode.
type Conversation struct {
	ID        string
	UserEmail string
	CreatedAt time.Time
	Messages  []session.Message
}

// Summary is a lightweight listing entry.
type Summary struct {
	ID        string
	CreatedAt time.Time
	Title     string
}

// Store is the persistence collaborator interface (external datastore,
// out of scope beyond this contract).
type Store interface {
	Save(ctx context.Context, conv Conversation) (string, error)
	Load(ctx context.Context, id, userEmail string) (*Conversation, error)
	List(ctx context.Context, userEmail string) ([]Summary, error)
	Delete(ctx context.Context, id, userEmail string) (bool, error)
	ExportAll(ctx context.Context, userEmail string) ([]Conversation, error)
}

// Outcome is the result of honouring a session's save-mode.
type Outcome int

const (
	// NotSaved: save-mode was "none" or persistence failed; no
	// conversation_saved event should be emitted.
	NotSaved Outcome = iota
	// LocalHint: save-mode was "local"; emit conversation_saved with an
	// empty id so the client persists locally.
	LocalHint
	// Saved: save-mode was "server" and persistence succeeded.
	Saved
)

// Coordinator honours the save-mode contract (spec.md §4.9).
type Coordinator struct {
	store Store
}

func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{store: store}
}

// Save persists conv according to mode. A Store error surfaces as a
// returned error; the caller (the orchestrator) must log it and must not
// emit conversation_saved, but the request itself still succeeds.
func (c *Coordinator) Save(ctx context.Context, mode session.SaveMode, conv Conversation) (Outcome, string, error) {
	switch mode {
	case session.SaveNone:
		return NotSaved, "", nil
	case session.SaveLocal:
		return LocalHint, "", nil
	case session.SaveServer:
		id, err := c.store.Save(ctx, conv)
		if err != nil {
			return NotSaved, "", fmt.Errorf("persist conversation: %w", err)
		}
		return Saved, id, nil
	default:
		return NotSaved, "", fmt.Errorf("unknown save mode %q", mode)
	}
}
