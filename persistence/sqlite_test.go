package persistence_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atlas/llm"
	"github.com/kadirpekel/atlas/persistence"
	"github.com/kadirpekel/atlas/session"
)

func newSQLiteStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atlas.db")
	store, err := persistence.NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreSaveAndLoadRoundTrips(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	conv := persistence.Conversation{
		UserEmail: "u@example.com",
		Messages: []session.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
	}
	id, err := store.Save(ctx, conv)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	loaded, err := store.Load(ctx, id, "u@example.com")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "u@example.com", loaded.UserEmail)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "hello", loaded.Messages[1].Content)
}

func TestSQLiteStoreLoadMissingReturnsNilNoError(t *testing.T) {
	store := newSQLiteStore(t)
	loaded, err := store.Load(context.Background(), "missing", "u@example.com")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSQLiteStoreLoadScopedToOwner(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	id, err := store.Save(ctx, persistence.Conversation{UserEmail: "owner@example.com"})
	require.NoError(t, err)

	loaded, err := store.Load(ctx, id, "someone-else@example.com")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSQLiteStoreSaveUpsertsOnRepeatID(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	conv := persistence.Conversation{ID: "fixed-id", UserEmail: "u@example.com", Messages: []session.Message{{Content: "v1"}}}
	_, err := store.Save(ctx, conv)
	require.NoError(t, err)

	conv.Messages = []session.Message{{Content: "v2"}}
	_, err = store.Save(ctx, conv)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, "fixed-id", "u@example.com")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "v2", loaded.Messages[0].Content)
}

func TestSQLiteStoreListOrdersByCreatedAtDescending(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	id1, err := store.Save(ctx, persistence.Conversation{UserEmail: "u@example.com", CreatedAt: timeFixed(1)})
	require.NoError(t, err)
	id2, err := store.Save(ctx, persistence.Conversation{UserEmail: "u@example.com", CreatedAt: timeFixed(2)})
	require.NoError(t, err)

	summaries, err := store.List(ctx, "u@example.com")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, id2, summaries[0].ID)
	assert.Equal(t, id1, summaries[1].ID)
}

func TestSQLiteStoreDeleteReportsWhetherARowWasRemoved(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	id, err := store.Save(ctx, persistence.Conversation{UserEmail: "u@example.com"})
	require.NoError(t, err)

	ok, err := store.Delete(ctx, id, "u@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Delete(ctx, id, "u@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreExportAllReturnsEveryConversationForOwner(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	_, err := store.Save(ctx, persistence.Conversation{UserEmail: "u@example.com", CreatedAt: timeFixed(1)})
	require.NoError(t, err)
	_, err = store.Save(ctx, persistence.Conversation{UserEmail: "u@example.com", CreatedAt: timeFixed(2)})
	require.NoError(t, err)
	_, err = store.Save(ctx, persistence.Conversation{UserEmail: "other@example.com"})
	require.NoError(t, err)

	all, err := store.ExportAll(ctx, "u@example.com")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func timeFixed(offsetSeconds int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, offsetSeconds, 0, time.UTC)
}
