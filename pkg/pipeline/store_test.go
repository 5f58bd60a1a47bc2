package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyforge/applyforge/pkg/config"
)

// Both store implementations must behave identically through the Store
// interface.
func storeImplementations(t *testing.T) map[string]Store {
	t.Helper()

	sqlStore, err := NewSQLStoreFromConfig(config.DatabaseConfig{
		Dialect: "sqlite",
		DSN:     filepath.Join(t.TempDir(), "sessions.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlStore,
	}
}

func sampleSession(id, owner string) *Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &Session{
		ID:        id,
		OwnerID:   owner,
		SourceURL: "https://ex.com/jobs/" + id,
		Stage:     StageScraping,
		Status:    StatusProcessing,
		Data:      &SessionData{RawHTML: "<html></html>"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_CreateGetUpdate(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, sampleSession("s1", "owner-1")))

			got, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StageScraping, got.Stage)
			assert.Equal(t, "<html></html>", got.Data.RawHTML)

			got.Stage = StageGeneratingResume
			got.Data.Resume = "tailored"
			require.NoError(t, store.Update(ctx, got))

			again, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StageGeneratingResume, again.Stage)
			assert.Equal(t, "tailored", again.Data.Resume)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "nope")
			require.ErrorIs(t, err, ErrSessionNotFound)

			require.ErrorIs(t, store.Update(context.Background(), sampleSession("nope", "o")), ErrSessionNotFound)
			require.ErrorIs(t, store.SoftDelete(context.Background(), "nope"), ErrSessionNotFound)
		})
	}
}

func TestStore_ListByOwnerExcludesDeletedAndOthers(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, sampleSession("a1", "owner-a")))
			require.NoError(t, store.Create(ctx, sampleSession("a2", "owner-a")))
			require.NoError(t, store.Create(ctx, sampleSession("b1", "owner-b")))
			require.NoError(t, store.SoftDelete(ctx, "a2"))

			live, err := store.ListByOwner(ctx, "owner-a")
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, "a1", live[0].ID)

			// Soft-deleted records stay retrievable by id.
			deleted, err := store.Get(ctx, "a2")
			require.NoError(t, err)
			assert.True(t, deleted.Deleted())
		})
	}
}

func TestInMemoryStore_ReturnsClones(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleSession("s1", "owner-1")))

	first, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	first.Data.Resume = "mutated by caller"

	second, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, second.Data.Resume)
}

func TestNewSQLStore_RejectsUnknownDialect(t *testing.T) {
	_, err := NewSQLStore(nil, "postgres")
	require.Error(t, err)

	store, err := NewSQLStoreFromConfig(config.DatabaseConfig{
		Dialect: "sqlite",
		DSN:     filepath.Join(t.TempDir(), "x.db"),
	})
	require.NoError(t, err)
	defer store.Close()

	_, err = NewSQLStore(store.db, "mysql")
	require.Error(t, err)
}
