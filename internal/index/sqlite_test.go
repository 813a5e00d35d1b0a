package index

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dmitrijs2005/blobsync/internal/contentcache"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func entry(content, ext string, size int64) contentcache.Entry {
	h := contenthash.FromBytes([]byte(content))
	return contentcache.Entry{Hash: h, Ext: ext, Path: "/cache/" + h.String() + "." + ext, Size: size}
}

func TestUpsert_InsertAndUpdate(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	e := entry("a", "mdl", contentcache.UnknownSize)
	require.NoError(t, r.Upsert(ctx, e))

	e.Size = 42
	require.NoError(t, r.Upsert(ctx, e))

	all, err := r.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, e, all[0])
}

func TestDelete(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	e := entry("b", "tex", 1)
	require.NoError(t, r.Upsert(ctx, e))

	require.NoError(t, r.Delete(ctx, e.Hash))
	require.NoError(t, r.Delete(ctx, e.Hash), "deleting a missing row is not an error")

	all, err := r.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpsertMany(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.UpsertMany(ctx, []contentcache.Entry{entry("1", "tex", 1), entry("2", "pap", 2)}))

	all, err := r.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	err := withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		_, e := tx.ExecContext(ctx, upsertQuery, "X", "", "/p", 1, 0)
		require.NoError(t, e)
		return errors.New("boom")
	})
	require.Error(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestRepository_BacksContentCache(t *testing.T) {
	ctx := context.Background()
	r := NewSQLiteRepository(setupDB(t))
	dir := t.TempDir()

	c, err := contentcache.New(dir, r, nil)
	require.NoError(t, err)
	h := contenthash.FromBytes([]byte("persisted"))
	path := c.PathFor(h, "tex")
	require.NoError(t, writeFile(path, "persisted"))
	_, err = c.Register(ctx, path, h)
	require.NoError(t, err)

	restarted, err := contentcache.New(dir, r, nil)
	require.NoError(t, err)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := restarted.Lookup(ctx, h)
	assert.True(t, ok)
}
