// Package memory is an in-process implementation of every trail store. It
// backs tests and single-process deployments that need no durability.
package memory

import (
	"sync"

	"github.com/jvs-project/trail/pkg/model"
)

// Store holds all state behind one mutex. Ledger and Snapshots return views
// implementing the ledger and snapshot/retention store interfaces.
type Store struct {
	mu sync.Mutex

	entries     map[string]*model.LedgerEntry
	scopes      map[string][]*model.LedgerEntry
	tips        map[string]model.ChainTip
	checkpoints map[string]model.Checkpoint

	snapshots map[model.SnapshotID]*model.Snapshot
	contents  map[model.HashValue]*model.ContentRecord
	revisions map[string]int64
	sweep     *model.SweepCheckpoint
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries:     make(map[string]*model.LedgerEntry),
		scopes:      make(map[string][]*model.LedgerEntry),
		tips:        make(map[string]model.ChainTip),
		checkpoints: make(map[string]model.Checkpoint),
		snapshots:   make(map[model.SnapshotID]*model.Snapshot),
		contents:    make(map[model.HashValue]*model.ContentRecord),
		revisions:   make(map[string]int64),
	}
}

// Ledger returns the ledger view.
func (s *Store) Ledger() *Ledger {
	return &Ledger{s: s}
}

// Snapshots returns the snapshot and retention view.
func (s *Store) Snapshots() *Snapshots {
	return &Snapshots{s: s}
}

func copyEntry(e *model.LedgerEntry) *model.LedgerEntry {
	cp := *e
	return &cp
}

func copySnapshot(snap *model.Snapshot) *model.Snapshot {
	cp := *snap
	return &cp
}
