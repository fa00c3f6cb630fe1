package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"chatsync/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*Database, string) {
	t.Helper()
	t.Setenv(constants.EnvEnableEncryption, "false")

	dbPath := filepath.Join(t.TempDir(), "chatsync.db")
	db, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, dbPath
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = New("../../escape.db")
	assert.Error(t, err)
}

func TestNew_CreatesNestedDirectory(t *testing.T) {
	t.Setenv(constants.EnvEnableEncryption, "false")
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "chatsync.db")

	db, err := New(dbPath)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestDatabase_GetSetDelete(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	_, found, err := db.Get(ctx, "deletedMessageIds")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.Set(ctx, "deletedMessageIds", `["m1"]`))
	value, found, err := db.Get(ctx, "deletedMessageIds")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `["m1"]`, value)

	require.NoError(t, db.Set(ctx, "deletedMessageIds", `["m1","m2"]`))
	value, _, err = db.Get(ctx, "deletedMessageIds")
	require.NoError(t, err)
	assert.Equal(t, `["m1","m2"]`, value)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.Delete(ctx, "deletedMessageIds"))
	require.NoError(t, db.Delete(ctx, "deletedMessageIds"))
	_, found, err = db.Get(ctx, "deletedMessageIds")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDatabase_PersistsAcrossReopen(t *testing.T) {
	db, dbPath := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Set(ctx, "localPinnedMessages-group:g1", `[{"id":"m1"}]`))
	require.NoError(t, db.SaveTokens(ctx, "access-1", "refresh-1"))
	require.NoError(t, db.Close())

	reopened, err := New(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get(ctx, "localPinnedMessages-group:g1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `[{"id":"m1"}]`, value)

	access, refresh, found, err := reopened.LoadTokens(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "access-1", access)
	assert.Equal(t, "refresh-1", refresh)
}

func TestDatabase_Tokens(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	_, _, found, err := db.LoadTokens(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.SaveTokens(ctx, "a1", "r1"))
	require.NoError(t, db.SaveTokens(ctx, "a2", "r2"))

	access, refresh, found, err := db.LoadTokens(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a2", access)
	assert.Equal(t, "r2", refresh)
}

func TestDatabase_EncryptedAtRest(t *testing.T) {
	t.Setenv(constants.EnvEnableEncryption, "true")
	t.Setenv(constants.EnvEncryptionSecret, testSecret)

	dbPath := filepath.Join(t.TempDir(), "enc.db")
	db, err := New(dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Set(ctx, "deletedMessageIds", `["secret-id"]`))
	require.NoError(t, db.SaveTokens(ctx, "access-secret", "refresh-secret"))

	value, found, err := db.Get(ctx, "deletedMessageIds")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `["secret-id"]`, value)

	raw, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer raw.Close()

	var key, stored string
	require.NoError(t, raw.QueryRow(`SELECT storage_key, value FROM local_storage`).Scan(&key, &stored))
	assert.NotEqual(t, "deletedMessageIds", key)
	assert.NotContains(t, stored, "secret-id")

	var access string
	require.NoError(t, raw.QueryRow(`SELECT access_token FROM auth_tokens`).Scan(&access))
	assert.NotEqual(t, "access-secret", access)
}

func TestDatabase_ConcurrentWrites(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "localMessages-direct:u" + string(rune('a'+i))
			assert.NoError(t, db.Set(ctx, key, "[]"))
		}(i)
	}
	wg.Wait()

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestDatabase_HealthCheck(t *testing.T) {
	db, _ := setupTestDB(t)
	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestDatabase_ContextCancelled(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.Set(ctx, "k", "v")
	assert.ErrorIs(t, err, context.Canceled)
}
