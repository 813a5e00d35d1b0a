package contentcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu      sync.Mutex
	entries map[contenthash.Hash]Entry
	allErr  error
}

func newFakeIndex() *fakeIndex { return &fakeIndex{entries: map[contenthash.Hash]Entry{}} }

func (f *fakeIndex) Upsert(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.Hash] = e
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, h contenthash.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, h)
	return nil
}

func (f *fakeIndex) All(context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allErr != nil {
		return nil, f.allErr
	}
	out := make([]Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func newCache(t *testing.T, idx Index) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), idx, nil)
	require.NoError(t, err)
	return c
}

func writeBlob(t *testing.T, c *Cache, content, ext string) (contenthash.Hash, string) {
	t.Helper()
	h := contenthash.FromBytes([]byte(content))
	path := c.PathFor(h, ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return h, path
}

func TestRegister_DerivesIdentity(t *testing.T) {
	c := newCache(t, nil)
	h, path := writeBlob(t, c, "model bytes", "mdl")

	e, err := c.Register(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, h, e.Hash)
	assert.Equal(t, "mdl", e.Ext)
	assert.Equal(t, int64(len("model bytes")), e.Size)

	got, ok := c.Lookup(context.Background(), h)
	require.True(t, ok)
	assert.Equal(t, path, got.Path)
}

func TestRegister_HashMismatch(t *testing.T) {
	c := newCache(t, nil)
	_, path := writeBlob(t, c, "real", "tex")

	_, err := c.Register(context.Background(), path, contenthash.FromBytes([]byte("other")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrHashMismatch))
	assert.Equal(t, 0, c.Len())
}

func TestLookup_DropsEntryWhenFileGone(t *testing.T) {
	idx := newFakeIndex()
	c := newCache(t, idx)
	h, path := writeBlob(t, c, "gone soon", "tex")
	_, err := c.Register(context.Background(), path, h)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	_, ok := c.Lookup(context.Background(), h)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, idx.entries)
}

func TestLookup_BackfillsSize(t *testing.T) {
	idx := newFakeIndex()
	c := newCache(t, idx)
	h, path := writeBlob(t, c, "12345", "tex")
	c.entries.Put(h, Entry{Hash: h, Path: path, Size: UnknownSize})

	e, ok := c.Lookup(context.Background(), h)
	require.True(t, ok)
	assert.Equal(t, int64(5), e.Size)
	assert.Equal(t, int64(5), idx.entries[h].Size)
}

func TestRemove_DeletesFile(t *testing.T) {
	c := newCache(t, nil)
	h, path := writeBlob(t, c, "bye", "tex")
	c.Adopt(context.Background(), h, path, 3)

	require.NoError(t, c.Remove(context.Background(), h))
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, c.Remove(context.Background(), h), "removing twice is fine")
}

func TestRemove_LeavesFilesOutsideRoot(t *testing.T) {
	c := newCache(t, nil)
	userFile := filepath.Join(t.TempDir(), "scene.tex")
	require.NoError(t, os.WriteFile(userFile, []byte("user data"), 0o600))
	e, err := c.Register(context.Background(), userFile, "")
	require.NoError(t, err)

	require.NoError(t, c.Remove(context.Background(), e.Hash))
	_, ok := c.Lookup(context.Background(), e.Hash)
	assert.False(t, ok)
	_, err = os.Stat(userFile)
	assert.NoError(t, err)
}

func TestOwns(t *testing.T) {
	c := newCache(t, nil)
	assert.True(t, c.owns(c.PathFor(contenthash.FromBytes([]byte("a")), "tex")))
	assert.True(t, c.owns(filepath.Join(c.Root(), "sub", "x.tex")))
	assert.False(t, c.owns(filepath.Join(filepath.Dir(c.Root()), "x.tex")))
	assert.False(t, c.owns(c.Root()+"-sibling/x.tex"))
	assert.False(t, c.owns(filepath.Join(c.Root(), "..", "x.tex")))
}

func TestForget_KeepsFile(t *testing.T) {
	idx := newFakeIndex()
	c := newCache(t, idx)
	h, path := writeBlob(t, c, "user owned", "tex")
	c.Adopt(context.Background(), h, path, 10)

	c.Forget(context.Background(), h)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, idx.entries)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("exact length fast path adopts unregistered file", func(t *testing.T) {
		c := newCache(t, nil)
		h, _ := writeBlob(t, c, "abcdef", "tex")

		assert.True(t, c.Validate(ctx, h, "tex", 6))
		assert.Equal(t, 1, c.Len())
	})

	t.Run("unknown size falls back to full hash", func(t *testing.T) {
		c := newCache(t, nil)
		h, _ := writeBlob(t, c, "abcdef", "tex")

		assert.True(t, c.Validate(ctx, h, "tex", -1))
	})

	t.Run("wrong content is removed", func(t *testing.T) {
		c := newCache(t, nil)
		h := contenthash.FromBytes([]byte("expected"))
		path := c.PathFor(h, "tex")
		require.NoError(t, os.WriteFile(path, []byte("corrupt!!"), 0o600))

		assert.False(t, c.Validate(ctx, h, "tex", 8))
		_, err := os.Stat(path)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("edited file outside the root is forgotten, not deleted", func(t *testing.T) {
		idx := newFakeIndex()
		c := newCache(t, idx)
		userFile := filepath.Join(t.TempDir(), "my-model.mdl")
		require.NoError(t, os.WriteFile(userFile, []byte("original model"), 0o600))
		e, err := c.Register(ctx, userFile, "")
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(userFile, []byte("edited by the user"), 0o600))

		assert.False(t, c.Validate(ctx, e.Hash, "mdl", e.Size))
		assert.Equal(t, 0, c.Len())
		assert.Empty(t, idx.entries)
		got, err := os.ReadFile(userFile)
		require.NoError(t, err)
		assert.Equal(t, "edited by the user", string(got))
	})

	t.Run("absent", func(t *testing.T) {
		c := newCache(t, nil)
		assert.False(t, c.Validate(ctx, contenthash.FromBytes([]byte("x")), "tex", 1))
	})
}

func TestStageUnstage(t *testing.T) {
	c := newCache(t, nil)
	h := contenthash.FromBytes([]byte("staged"))

	assert.False(t, c.IsStaged(h))
	assert.True(t, c.Stage(h, "/final"))
	assert.False(t, c.Stage(h, "/final"), "second stage is rejected")
	assert.True(t, c.IsStaged(h))
	c.Unstage(h)
	assert.False(t, c.IsStaged(h))
}

func TestLoad_RestoresExistingOnly(t *testing.T) {
	idx := newFakeIndex()
	c := newCache(t, idx)
	h1, p1 := writeBlob(t, c, "kept", "tex")
	h2 := contenthash.FromBytes([]byte("missing"))
	idx.entries[h1] = Entry{Hash: h1, Path: p1, Size: 4, Ext: "tex"}
	idx.entries[h2] = Entry{Hash: h2, Path: filepath.Join(c.Root(), "nope"), Size: 7}

	n, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Len())
	_, stillIndexed := idx.entries[h2]
	assert.False(t, stillIndexed)
}

func TestLoad_IndexError(t *testing.T) {
	idx := newFakeIndex()
	idx.allErr = errors.New("disk on fire")
	c := newCache(t, idx)

	_, err := c.Load(context.Background())
	require.Error(t, err)
}

func TestConcurrentRegister(t *testing.T) {
	c := newCache(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		content := string(rune('a' + i))
		h, path := writeBlob(t, c, content, "tex")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Register(context.Background(), path, h)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, c.Len())
}
