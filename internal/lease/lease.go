// Package lease provides fenced, expiring leases for singleton jobs such as
// the retention sweep.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// Locker grants named leases. Acquire fails with E_LEASE_CONFLICT while
// another holder's lease is live and takes over an expired lease with the
// next fencing token. Fencing tokens of a name only ever increase.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*model.LeaseRecord, error)
	Renew(ctx context.Context, rec *model.LeaseRecord, ttl time.Duration) (*model.LeaseRecord, error)
	Release(ctx context.Context, rec *model.LeaseRecord) error
	ValidateFencing(ctx context.Context, name string, token int64) error
}

// Memory is an in-process Locker.
type Memory struct {
	mu     sync.Mutex
	leases map[string]*model.LeaseRecord
	tokens map[string]int64
	now    func() time.Time
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]*model.LeaseRecord),
		tokens: make(map[string]int64),
		now:    time.Now,
	}
}

func (m *Memory) Acquire(_ context.Context, name string, ttl time.Duration) (*model.LeaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if cur, ok := m.leases[name]; ok && !cur.IsExpired(now) {
		return nil, errclass.ErrLeaseConflict.WithMessagef("lease %s held until %s", name, cur.ExpiresAt.Format(time.RFC3339))
	}
	m.tokens[name]++
	rec := &model.LeaseRecord{
		Name:         name,
		HolderNonce:  model.NewID(),
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
		FencingToken: m.tokens[name],
	}
	cp := *rec
	m.leases[name] = &cp
	return rec, nil
}

func (m *Memory) Renew(_ context.Context, rec *model.LeaseRecord, ttl time.Duration) (*model.LeaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	cur, ok := m.leases[rec.Name]
	if !ok || cur.HolderNonce != rec.HolderNonce || cur.IsExpired(now) {
		return nil, errclass.ErrLeaseNotHeld.WithMessagef("lease %s", rec.Name)
	}
	cur.ExpiresAt = now.Add(ttl)
	out := *cur
	return &out, nil
}

func (m *Memory) Release(_ context.Context, rec *model.LeaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[rec.Name]
	if !ok {
		return nil
	}
	if cur.HolderNonce != rec.HolderNonce {
		return errclass.ErrLeaseNotHeld.WithMessagef("lease %s: nonce mismatch", rec.Name)
	}
	delete(m.leases, rec.Name)
	return nil
}

func (m *Memory) ValidateFencing(_ context.Context, name string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok || cur.IsExpired(m.now()) {
		return errclass.ErrLeaseNotHeld.WithMessagef("lease %s", name)
	}
	if cur.FencingToken != token {
		return errclass.ErrFencingMismatch.WithMessagef("expected token %d, got %d", cur.FencingToken, token)
	}
	return nil
}
