package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/fsutil"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/nameutil"
)

// File is a Locker backed by one JSON lease file per name. Processes on one
// host coordinate through an advisory lock on a sibling guard file.
// Released leases stay on disk, expired, so fencing tokens keep increasing.
type File struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFile creates a file locker under dir.
func NewFile(dir string) *File {
	return &File{dir: dir, now: time.Now}
}

func (f *File) Acquire(_ context.Context, name string, ttl time.Duration) (*model.LeaseRecord, error) {
	var out *model.LeaseRecord
	err := f.withGuard(name, func(path string) error {
		rec, err := readLease(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		now := f.now().UTC()
		var token int64
		if rec != nil {
			if !rec.IsExpired(now) {
				return errclass.ErrLeaseConflict.WithMessagef("lease %s held until %s", name, rec.ExpiresAt.Format(time.RFC3339))
			}
			token = rec.FencingToken
		}
		out = &model.LeaseRecord{
			Name:         name,
			HolderNonce:  model.NewID(),
			AcquiredAt:   now,
			ExpiresAt:    now.Add(ttl),
			FencingToken: token + 1,
		}
		return writeLease(path, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *File) Renew(_ context.Context, rec *model.LeaseRecord, ttl time.Duration) (*model.LeaseRecord, error) {
	var out *model.LeaseRecord
	err := f.withGuard(rec.Name, func(path string) error {
		cur, err := f.held(path, rec.Name)
		if err != nil {
			return err
		}
		if cur.HolderNonce != rec.HolderNonce {
			return errclass.ErrLeaseNotHeld.WithMessagef("lease %s: nonce mismatch", rec.Name)
		}
		cur.ExpiresAt = f.now().UTC().Add(ttl)
		out = cur
		return writeLease(path, cur)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *File) Release(_ context.Context, rec *model.LeaseRecord) error {
	return f.withGuard(rec.Name, func(path string) error {
		cur, err := readLease(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.HolderNonce != rec.HolderNonce {
			return errclass.ErrLeaseNotHeld.WithMessagef("lease %s: nonce mismatch", rec.Name)
		}
		cur.ExpiresAt = f.now().UTC()
		cur.HolderNonce = ""
		return writeLease(path, cur)
	})
}

func (f *File) ValidateFencing(_ context.Context, name string, token int64) error {
	return f.withGuard(name, func(path string) error {
		cur, err := f.held(path, name)
		if err != nil {
			return err
		}
		if cur.FencingToken != token {
			return errclass.ErrFencingMismatch.WithMessagef("expected token %d, got %d", cur.FencingToken, token)
		}
		return nil
	})
}

func (f *File) held(path, name string) (*model.LeaseRecord, error) {
	cur, err := readLease(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errclass.ErrLeaseNotHeld.WithMessagef("lease %s", name)
	}
	if err != nil {
		return nil, err
	}
	if cur.HolderNonce == "" || cur.IsExpired(f.now()) {
		return nil, errclass.ErrLeaseNotHeld.WithMessagef("lease %s expired", name)
	}
	return cur, nil
}

func (f *File) withGuard(name string, fn func(path string) error) error {
	if err := nameutil.ValidateName(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return fmt.Errorf("create lease dir: %w", err)
	}
	guard, err := os.OpenFile(filepath.Join(f.dir, name+".guard"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lease guard: %w", err)
	}
	defer guard.Close()
	if err := fsutil.LockFile(guard); err != nil {
		return fmt.Errorf("lock lease guard: %w", err)
	}
	defer fsutil.UnlockFile(guard)

	return fn(filepath.Join(f.dir, name+".lease"))
}

func readLease(path string) (*model.LeaseRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec model.LeaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &rec, nil
}

func writeLease(path string, rec *model.LeaseRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	return fsutil.AtomicWrite(path, data, 0644)
}
