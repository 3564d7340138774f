package storage

import (
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSelectsDriver(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(models.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "nested", "ladder.sqlite")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	store, err = Open(models.StoreConfig{Driver: "badger", Path: filepath.Join(dir, "badger")})
	require.NoError(t, err)
	assert.IsType(t, &persistence.BadgerStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(models.StoreConfig{Driver: "postgres", Path: "x"})
	assert.ErrorContains(t, err, "postgres")
}
