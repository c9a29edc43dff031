// Package integrity computes the hashes that make the ledger tamper-evident
// and snapshot content verifiable.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jvs-project/trail/pkg/jsonutil"
	"github.com/jvs-project/trail/pkg/model"
)

// EventHash computes SHA-256(canonical(entry) ∥ PreviousHash).
// Excludes: event_hash, previous_hash (appended raw), is_archived.
func EventHash(entry *model.LedgerEntry) (model.HashValue, error) {
	view := *entry
	view.EventHash = ""
	view.PreviousHash = ""
	view.IsArchived = false
	view.Timestamp = entry.Timestamp.UTC()
	if entry.RollbackSourceTimestamp != nil {
		ts := entry.RollbackSourceTimestamp.UTC()
		view.RollbackSourceTimestamp = &ts
	}

	data, err := jsonutil.CanonicalMarshal(&view)
	if err != nil {
		return "", fmt.Errorf("canonical marshal entry: %w", err)
	}

	h := sha256.New()
	h.Write(data)
	h.Write([]byte(entry.PreviousHash))
	return model.HashValue(hex.EncodeToString(h.Sum(nil))), nil
}

// CheckEntry recomputes the entry's hash and compares it to the stored one.
func CheckEntry(entry *model.LedgerEntry) (bool, model.HashValue, error) {
	computed, err := EventHash(entry)
	if err != nil {
		return false, "", err
	}
	return computed == entry.EventHash, computed, nil
}
