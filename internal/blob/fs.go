package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jvs-project/trail/internal/compression"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/fsutil"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/nameutil"
)

// FSStore keeps blobs as files under dir/<hash[:2]>/<hash>, optionally gzip
// compressed.
type FSStore struct {
	dir        string
	compressor *compression.Compressor
}

// NewFSStore creates the store root if needed.
func NewFSStore(dir string, c *compression.Compressor) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if c == nil {
		c = compression.Plain()
	}
	return &FSStore{dir: dir, compressor: c}, nil
}

func (s *FSStore) path(hash model.HashValue) (string, error) {
	if err := nameutil.ValidateHash(string(hash)); err != nil {
		return "", err
	}
	h := string(hash)
	return filepath.Join(s.dir, h[:2], h), nil
}

func (s *FSStore) Put(ctx context.Context, hash model.HashValue, data []byte) (bool, error) {
	p, err := s.path(hash)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	stored, err := s.compressor.Compress(data)
	if err != nil {
		return false, fmt.Errorf("compress blob %s: %w", hash.Short(), err)
	}
	created, err := fsutil.WriteIfAbsent(p, stored, 0644)
	if err != nil {
		return false, fmt.Errorf("write blob %s: %w", hash.Short(), err)
	}
	return created, nil
}

func (s *FSStore) Get(ctx context.Context, hash model.HashValue) ([]byte, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errclass.ErrNotFound.WithMessagef("blob %s", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash.Short(), err)
	}
	data, err := compression.Decompress(raw)
	if err != nil {
		return nil, errclass.ErrSnapshotCorrupt.Wrap(err, "decompress blob "+hash.Short())
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, hash model.HashValue) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", hash.Short(), err)
	}
	return nil
}

func (s *FSStore) Exists(ctx context.Context, hash model.HashValue) (bool, error) {
	p, err := s.path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat blob %s: %w", hash.Short(), err)
	}
}
