// Package blob stores snapshot content keyed by its SHA-256 hash.
package blob

import (
	"context"

	"github.com/jvs-project/trail/pkg/model"
)

// Store is a content-addressed byte store. Put is write-if-absent: content
// under a hash never changes once written, so concurrent writers of the same
// content never conflict. Get returns errclass.ErrNotFound for missing keys
// and Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, hash model.HashValue, data []byte) (created bool, err error)
	Get(ctx context.Context, hash model.HashValue) ([]byte, error)
	Delete(ctx context.Context, hash model.HashValue) error
	Exists(ctx context.Context, hash model.HashValue) (bool, error)
}
