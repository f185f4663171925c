package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jjudge-oj/authserver/internal/storage"
	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/jjudge-oj/authserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExporter(repo *store.MemoryUserRepository, objects *storage.MemoryStorage) *Exporter {
	e := NewExporter(repo, objects)
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }
	e.newID = func() string { return "fixed-id" }
	return e
}

func TestUsers_UploadsSnapshotWithoutHashes(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryUserRepository()
	_, err := repo.Create(ctx, types.User{Username: "alice01", Email: "a@example.com", Role: types.DefaultRole, PasswordHash: "$2a$10$secret"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, types.User{Username: "bob02", Email: "b@example.com", Role: types.DefaultRole, PasswordHash: "$2a$10$other"})
	require.NoError(t, err)

	objects := storage.NewMemoryStorage("exports")
	res, err := newTestExporter(repo, objects).Users(ctx)
	require.NoError(t, err)

	assert.True(t, objects.BucketEnsured())
	assert.Equal(t, "exports", res.Bucket)
	assert.Equal(t, "exports/users-20260301T123000Z-fixed-id.json", res.Key)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "application/json", objects.ContentType(res.Key))

	rc, err := objects.Get(ctx, res.Key)
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, res.Bytes, len(raw))
	assert.NotContains(t, string(raw), "$2a$")

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, 2, snap.Count)
	require.Len(t, snap.Users, 2)
	assert.Equal(t, "alice01", snap.Users[0].Username)
	assert.Empty(t, snap.Users[0].Password)
}

func TestUsers_EmptyTable(t *testing.T) {
	objects := storage.NewMemoryStorage("exports")
	res, err := newTestExporter(store.NewMemoryUserRepository(), objects).Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Len(t, objects.Keys(), 1)
}

func TestUsers_ListFailure(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	repo.FailWith(errors.New("connection refused"))
	objects := storage.NewMemoryStorage("exports")

	_, err := newTestExporter(repo, objects).Users(context.Background())
	assert.ErrorContains(t, err, "list users: connection refused")
	assert.Empty(t, objects.Keys())
	assert.False(t, objects.BucketEnsured())
}
