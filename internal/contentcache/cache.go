// Package contentcache is the single source of truth for "do we have this
// blob": a hash-keyed map from content hash to a verified file on disk.
//
// An Entry for hash H always points at a file whose content hashes to H.
// Entries are added only after verification (Register hashes the file,
// Adopt is used by callers that just verified the bytes themselves) and are
// dropped as soon as the backing file disappears or fails validation.
//
// The cache also owns the staged set: hashes that are on their way into the
// cache through quarantine and must not be downloaded again meanwhile.
package contentcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/filex"
	"github.com/dmitrijs2005/blobsync/internal/logging"
	"github.com/dmitrijs2005/blobsync/internal/policy"
	"github.com/dmitrijs2005/blobsync/internal/syncmap"
)

// UnknownSize marks an entry whose size has not been backfilled yet.
const UnknownSize int64 = -1

// Entry maps a content hash to its resolved file.
type Entry struct {
	Hash contenthash.Hash
	Path string
	Size int64
	Ext  string
}

// Index persists entries across restarts. Implementations must be safe for
// concurrent use.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	Delete(ctx context.Context, h contenthash.Hash) error
	All(ctx context.Context) ([]Entry, error)
}

type Cache struct {
	root    string
	entries *syncmap.Map[contenthash.Hash, Entry]
	staged  *syncmap.Map[contenthash.Hash, string]
	index   Index
	log     logging.Logger
}

// New creates the cache rooted at root. index may be nil.
func New(root string, index Index, log logging.Logger) (*Cache, error) {
	abs, err := filex.EnsureDir(root)
	if err != nil {
		return nil, fmt.Errorf("cache root: %w", err)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Cache{
		root:    abs,
		entries: syncmap.New[contenthash.Hash, Entry](),
		staged:  syncmap.New[contenthash.Hash, string](),
		index:   index,
		log:     log.With("component", "contentcache"),
	}, nil
}

func (c *Cache) Root() string { return c.root }

// PathFor returns the canonical location of hash with extension ext.
func (c *Cache) PathFor(h contenthash.Hash, ext string) string {
	name := h.String()
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(c.root, name)
}

// Load restores entries from the index, skipping ones whose file vanished.
// It returns the number of restored entries.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.index == nil {
		return 0, nil
	}
	all, err := c.index.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load index: %w", err)
	}
	restored := 0
	for _, e := range all {
		size, ok := filex.Exists(e.Path)
		if !ok || (e.Size != UnknownSize && e.Size != size) {
			c.forgetIndex(ctx, e.Hash)
			continue
		}
		e.Size = size
		c.entries.Put(e.Hash, e)
		restored++
	}
	c.log.Info(ctx, "cache index loaded", "entries", restored, "dropped", len(all)-restored)
	return restored, nil
}

// Lookup returns the entry for h if its file still exists. Missing files drop
// the mapping; unknown sizes are backfilled.
func (c *Cache) Lookup(ctx context.Context, h contenthash.Hash) (Entry, bool) {
	e, ok := c.entries.Get(h)
	if !ok {
		return Entry{}, false
	}
	size, exists := filex.Exists(e.Path)
	if !exists {
		c.entries.CompareAndRemove(h, func(cur Entry) bool { return cur.Path == e.Path })
		c.forgetIndex(ctx, h)
		return Entry{}, false
	}
	if e.Size == UnknownSize {
		e.Size = size
		c.entries.Put(h, e)
		c.persist(ctx, e)
	}
	return e, true
}

// Register hashes the file at path and records it. When expected is non-empty
// and disagrees with the content, ErrHashMismatch is returned and nothing is
// recorded.
func (c *Cache) Register(ctx context.Context, path string, expected contenthash.Hash) (Entry, error) {
	h, size, err := contenthash.FromFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("hash %s: %w", path, err)
	}
	if expected != "" && !expected.Equal(h) {
		return Entry{}, fmt.Errorf("%w: %s is %s, expected %s", common.ErrHashMismatch, path, h, expected)
	}
	return c.Adopt(ctx, h, path, size), nil
}

// Adopt records an entry for a file the caller has just verified.
func (c *Cache) Adopt(ctx context.Context, h contenthash.Hash, path string, size int64) Entry {
	e := Entry{Hash: h, Path: path, Size: size, Ext: policy.Ext(path)}
	c.entries.Put(h, e)
	c.persist(ctx, e)
	return e
}

// Remove deletes the mapping for h and, best effort, its backing file when
// that file lives under the cache root. Registered files elsewhere are only
// forgotten.
func (c *Cache) Remove(ctx context.Context, h contenthash.Hash) error {
	e, ok := c.entries.TryRemove(h)
	c.forgetIndex(ctx, h)
	if !ok {
		return nil
	}
	if !c.owns(e.Path) {
		return nil
	}
	if err := filex.RemoveIfExists(e.Path); err != nil {
		c.log.Warn(ctx, "remove cache file failed", "hash", h, "path", e.Path, "err", err)
		return err
	}
	return nil
}

// Forget drops the mapping for h and leaves the file alone.
func (c *Cache) Forget(ctx context.Context, h contenthash.Hash) {
	c.entries.TryRemove(h)
	c.forgetIndex(ctx, h)
}

// Validate reports whether the blob h (with extension ext) is present and
// correct. An exact length match with expectedSize is accepted without
// re-hashing; otherwise the file is fully hashed. A file found at the
// canonical path but not yet registered is adopted. Invalid files under the
// cache root are removed; invalid files registered from elsewhere are only
// forgotten.
func (c *Cache) Validate(ctx context.Context, h contenthash.Hash, ext string, expectedSize int64) bool {
	path := c.PathFor(h, ext)
	if e, ok := c.Lookup(ctx, h); ok {
		path = e.Path
	}

	size, ok := filex.Exists(path)
	if !ok {
		return false
	}
	if expectedSize >= 0 && size == expectedSize {
		if !c.entries.Has(h) {
			c.Adopt(ctx, h, path, size)
		}
		return true
	}

	got, n, err := contenthash.FromFile(path)
	if err == nil && got.Equal(h) {
		c.Adopt(ctx, h, path, n)
		return true
	}

	c.log.Warn(ctx, "cached file failed validation", "hash", h, "path", path, "size", size, "expected_size", expectedSize)
	c.entries.TryRemove(h)
	c.forgetIndex(ctx, h)
	if !c.owns(path) {
		return false
	}
	if rmErr := filex.RemoveIfExists(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		c.log.Warn(ctx, "remove invalid file failed", "path", path, "err", rmErr)
	}
	return false
}

// owns reports whether path lies under the cache root.
func (c *Cache) owns(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(c.root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Len returns the number of registered entries.
func (c *Cache) Len() int { return c.entries.Len() }

// IsStaged reports whether h is on its way in through quarantine.
func (c *Cache) IsStaged(h contenthash.Hash) bool { return c.staged.Has(h) }

// Stage marks h as in flight toward finalPath. It reports false when h was
// already staged.
func (c *Cache) Stage(h contenthash.Hash, finalPath string) bool {
	return c.staged.TryInsert(h, finalPath)
}

// Unstage releases h.
func (c *Cache) Unstage(h contenthash.Hash) {
	c.staged.TryRemove(h)
}

func (c *Cache) persist(ctx context.Context, e Entry) {
	if c.index == nil {
		return
	}
	if err := c.index.Upsert(ctx, e); err != nil {
		c.log.Warn(ctx, "index upsert failed", "hash", e.Hash, "err", err)
	}
}

func (c *Cache) forgetIndex(ctx context.Context, h contenthash.Hash) {
	if c.index == nil {
		return
	}
	if err := c.index.Delete(ctx, h); err != nil {
		c.log.Warn(ctx, "index delete failed", "hash", h, "err", err)
	}
}
