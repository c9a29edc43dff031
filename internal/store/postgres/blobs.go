package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jvs-project/trail/internal/blob"
	"github.com/jvs-project/trail/internal/compression"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/nameutil"
)

// Blobs implements blob.Store in the blobs table. Calls made with a
// transaction context join it, so a capture's blob write commits or rolls
// back with its metadata.
type Blobs struct {
	d          *DB
	compressor *compression.Compressor
}

var _ blob.Store = (*Blobs)(nil)

// Blobs returns the blob view. A nil compressor stores data as given.
func (d *DB) Blobs(c *compression.Compressor) *Blobs {
	if c == nil {
		c = compression.Plain()
	}
	return &Blobs{d: d, compressor: c}
}

func (b *Blobs) Put(ctx context.Context, hash model.HashValue, data []byte) (bool, error) {
	if err := nameutil.ValidateHash(string(hash)); err != nil {
		return false, err
	}
	stored, err := b.compressor.Compress(data)
	if err != nil {
		return false, fmt.Errorf("compress blob %s: %w", hash.Short(), err)
	}
	res, err := b.d.q(ctx).ExecContext(ctx,
		`INSERT INTO blobs (hash, data) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING`, string(hash), stored)
	if err != nil {
		return false, fmt.Errorf("write blob %s: %w", hash.Short(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write blob %s: %w", hash.Short(), err)
	}
	return n == 1, nil
}

func (b *Blobs) Get(ctx context.Context, hash model.HashValue) ([]byte, error) {
	var stored []byte
	err := b.d.q(ctx).QueryRowContext(ctx, `SELECT data FROM blobs WHERE hash = $1`, string(hash)).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNotFound.WithMessagef("blob %s", hash.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash.Short(), err)
	}
	data, err := compression.Decompress(stored)
	if err != nil {
		return nil, errclass.ErrSnapshotCorrupt.Wrap(err, fmt.Sprintf("decompress blob %s", hash.Short()))
	}
	return data, nil
}

func (b *Blobs) Delete(ctx context.Context, hash model.HashValue) error {
	if _, err := b.d.q(ctx).ExecContext(ctx, `DELETE FROM blobs WHERE hash = $1`, string(hash)); err != nil {
		return fmt.Errorf("delete blob %s: %w", hash.Short(), err)
	}
	return nil
}

func (b *Blobs) Exists(ctx context.Context, hash model.HashValue) (bool, error) {
	var ok bool
	err := b.d.q(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blobs WHERE hash = $1)`, string(hash)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", hash.Short(), err)
	}
	return ok, nil
}
