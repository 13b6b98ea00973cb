package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	store, err := New(context.Background(), Config{Type: TypeSQLite, SQLite: SQLiteConfig{Path: path}})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.Equal(t, TypeSQLite, store.Type())
	require.NotNil(t, store.SQLiteDB())
	assert.Nil(t, store.PostgreSQLPool())
	assert.Nil(t, store.MongoDatabase())

	var mode string
	require.NoError(t, store.SQLiteDB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "cassandra"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestNew_MissingURLs(t *testing.T) {
	_, err := New(context.Background(), Config{Type: TypePostgreSQL})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Type: TypeMongoDB})
	assert.Error(t, err)
}
