package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/jsonutil"
	"github.com/jvs-project/trail/pkg/model"
)

// StateHash returns the SHA-256 of data.
func StateHash(data []byte) model.HashValue {
	sum := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:]))
}

// HashJSONState hashes the canonical JSON form of v.
func HashJSONState(v any) (model.HashValue, error) {
	data, err := jsonutil.CanonicalMarshal(v)
	if err != nil {
		return "", fmt.Errorf("hash state: %w", err)
	}
	return StateHash(data), nil
}

// HashRawJSON hashes the canonical form of an existing JSON document.
func HashRawJSON(raw []byte) (model.HashValue, error) {
	data, err := jsonutil.Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("hash state: %w", err)
	}
	return StateHash(data), nil
}

// VerifyContent fails closed with E_SNAPSHOT_CORRUPT when data does not hash
// to expected.
func VerifyContent(data []byte, expected model.HashValue) error {
	if actual := StateHash(data); actual != expected {
		return errclass.ErrSnapshotCorrupt.WithMessagef("content hash mismatch: expected %s, got %s", expected.Short(), actual.Short())
	}
	return nil
}
