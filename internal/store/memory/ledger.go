package memory

import (
	"context"
	"sort"
	"time"

	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// Ledger implements ledger.Store and ledger.CheckpointStore.
type Ledger struct {
	s *Store
}

var (
	_ ledger.Store           = (*Ledger)(nil)
	_ ledger.CheckpointStore = (*Ledger)(nil)
)

func (l *Ledger) Tip(_ context.Context, scope string) (model.ChainTip, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if tip, ok := l.s.tips[scope]; ok {
		return tip, nil
	}
	return model.GenesisTip(scope), nil
}

func (l *Ledger) Commit(_ context.Context, entry *model.LedgerEntry, expected model.ChainTip) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	cur, ok := l.s.tips[entry.ChainScope]
	if !ok {
		cur = model.GenesisTip(entry.ChainScope)
	}
	if cur.Hash != expected.Hash || cur.Position != expected.Position {
		return ledger.ErrTipMoved
	}
	if _, dup := l.s.entries[entry.ID]; dup {
		return errclass.ErrInvalidEntry.WithMessagef("duplicate entry id %s", entry.ID)
	}

	stored := copyEntry(entry)
	l.s.entries[stored.ID] = stored
	l.s.scopes[stored.ChainScope] = append(l.s.scopes[stored.ChainScope], stored)
	l.s.tips[stored.ChainScope] = model.ChainTip{
		Scope:    stored.ChainScope,
		Hash:     stored.EventHash,
		Position: stored.ChainPosition,
	}
	return nil
}

func (l *Ledger) Get(_ context.Context, id string) (*model.LedgerEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	e, ok := l.s.entries[id]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("ledger entry %s", id)
	}
	return copyEntry(e), nil
}

func (l *Ledger) Walk(_ context.Context, scope string, afterPosition int64, limit int) ([]*model.LedgerEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	chain := l.s.scopes[scope]
	// Positions are 1-based and dense, so the slice index is position-1.
	start := int(afterPosition)
	if start < 0 {
		start = 0
	}
	if start >= len(chain) {
		return nil, nil
	}
	end := len(chain)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]*model.LedgerEntry, 0, end-start)
	for _, e := range chain[start:end] {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (l *Ledger) Query(_ context.Context, q ledger.FeedQuery) ([]*model.LedgerEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	var matched []*model.LedgerEntry
	for _, e := range l.s.entries {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID > b.ID
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	out := make([]*model.LedgerEntry, len(matched))
	for i, e := range matched {
		out[i] = copyEntry(e)
	}
	return out, nil
}

func (l *Ledger) Scopes(_ context.Context) ([]string, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	out := make([]string, 0, len(l.s.scopes))
	for scope := range l.s.scopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Ledger) ArchiveBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	var due []*model.LedgerEntry
	for _, e := range l.s.entries {
		if !e.IsArchived && e.Timestamp.Before(cutoff) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ChainScope != b.ChainScope {
			return a.ChainScope < b.ChainScope
		}
		return a.ChainPosition < b.ChainPosition
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, e := range due {
		e.IsArchived = true
	}
	return len(due), nil
}

func (l *Ledger) LoadCheckpoint(_ context.Context, scope string) (*model.Checkpoint, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	cp, ok := l.s.checkpoints[scope]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (l *Ledger) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.checkpoints[cp.Scope] = cp
	return nil
}

// TamperEntry mutates a stored entry in place, bypassing the chain. Tests
// use it to simulate storage-level tampering.
func (l *Ledger) TamperEntry(id string, mutate func(e *model.LedgerEntry)) bool {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	e, ok := l.s.entries[id]
	if !ok {
		return false
	}
	mutate(e)
	return true
}
