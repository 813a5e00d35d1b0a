package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/contentcache"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
)

// SQLiteRepository implements contentcache.Index.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

var _ contentcache.Index = (*SQLiteRepository)(nil)

const upsertQuery = `INSERT INTO cache_entries (hash, ext, path, size, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(hash) DO UPDATE SET
		ext = excluded.ext,
		path = excluded.path,
		size = excluded.size,
		updated_at = excluded.updated_at`

func (r *SQLiteRepository) Upsert(ctx context.Context, e contentcache.Entry) error {
	return upsert(ctx, r.db, e, r.now())
}

// UpsertMany writes entries in one transaction.
func (r *SQLiteRepository) UpsertMany(ctx context.Context, entries []contentcache.Entry) error {
	now := r.now()
	return withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		for _, e := range entries {
			if err := upsert(ctx, tx, e, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsert(ctx context.Context, db DBTX, e contentcache.Entry, now time.Time) error {
	_, err := db.ExecContext(ctx, upsertQuery, e.Hash.String(), e.Ext, e.Path, e.Size, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert entry %s: %w", e.Hash, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, h contenthash.Hash) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE hash = ?`, h.String()); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", h, err)
	}
	return nil
}

func (r *SQLiteRepository) All(ctx context.Context) ([]contentcache.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT hash, ext, path, size FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("error selecting entries: %w", err)
	}
	defer rows.Close()

	var result []contentcache.Entry
	for rows.Next() {
		var raw string
		var e contentcache.Entry
		if err := rows.Scan(&raw, &e.Ext, &e.Path, &e.Size); err != nil {
			return nil, err
		}
		h, err := contenthash.Parse(raw)
		if err != nil {
			continue
		}
		e.Hash = h
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
