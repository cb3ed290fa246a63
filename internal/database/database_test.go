package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBanlistRepo_UpsertThenLoadAll(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, db.Banlist.Upsert("alice@x", now, "sustained violator"))

	records, err := db.Banlist.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice@x", records[0].Email)
	assert.Equal(t, "sustained violator", records[0].ReasonSnapshot)
}

func TestBanlistRepo_UpsertIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	first := time.Now().UTC().Truncate(time.Second)
	second := first.Add(time.Hour)

	require.NoError(t, db.Banlist.Upsert("alice@x", first, "sustained violator"))
	require.NoError(t, db.Banlist.Upsert("alice@x", second, "sustained violator"))

	records, err := db.Banlist.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].FirstBanlistedAt.Equal(first))
	assert.True(t, records[0].LastSeenBanlistedAt.Equal(second))
}

func TestBanlistRepo_Delete(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Banlist.Upsert("alice@x", now, "r"))

	require.NoError(t, db.Banlist.Delete("alice@x"))

	records, err := db.Banlist.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBanlistRepo_Clear(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Banlist.Upsert("alice@x", now, "r"))
	require.NoError(t, db.Banlist.Upsert("bob@x", now, "r"))

	require.NoError(t, db.Banlist.Clear())

	records, err := db.Banlist.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBanlistRepo_LoadAllEmpty(t *testing.T) {
	db := newTestDB(t)
	records, err := db.Banlist.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}
