// Package uuidutil generates the time-ordered identifiers used for ledger
// entries, snapshots and sweeps.
package uuidutil

import (
	"time"

	"github.com/google/uuid"
)

// NewV7 returns a UUIDv7 string. IDs generated later sort after earlier
// ones.
func NewV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Time returns the creation time embedded in a UUIDv7 string.
func Time(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
