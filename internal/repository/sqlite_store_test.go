package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	runStoreContract(t, store)
}

func TestSQLiteStore_FileIsReopenable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "moldflow.db")

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	store.Close()

	// migrations are idempotent
	store, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))
}
