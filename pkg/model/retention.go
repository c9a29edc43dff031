package model

import (
	"fmt"
	"time"
)

// RetainForever is the RetentionDays sentinel meaning snapshots never expire.
const RetainForever = -1

// RetentionPolicy maps a service tier to a snapshot retention window.
// Tier is unique: exactly one policy is active per tier.
type RetentionPolicy struct {
	Tier          string    `json:"tier" yaml:"tier"`
	RetentionDays int       `json:"retention_days" yaml:"retention_days"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// Forever reports whether the policy retains indefinitely.
func (rp *RetentionPolicy) Forever() bool {
	return rp.RetentionDays == RetainForever
}

// Validate checks if the retention policy is valid.
func (rp *RetentionPolicy) Validate() error {
	if rp.Tier == "" {
		return &InvalidRetentionPolicyError{Field: "tier", Reason: "must not be empty", Value: rp.Tier}
	}
	if rp.RetentionDays < RetainForever {
		return &InvalidRetentionPolicyError{
			Field:  "retention_days",
			Reason: "must be -1 or non-negative",
			Value:  rp.RetentionDays,
		}
	}
	return nil
}

// InvalidRetentionPolicyError is returned when a retention policy is invalid.
type InvalidRetentionPolicyError struct {
	Field  string
	Reason string
	Value  interface{}
}

func (e *InvalidRetentionPolicyError) Error() string {
	return fmt.Sprintf("invalid retention policy: %s %s (got: %v)", e.Field, e.Reason, e.Value)
}

// SweepPhase names a stage of a retention sweep.
type SweepPhase string

const (
	PhaseSnapshots SweepPhase = "snapshots"
	PhaseContent   SweepPhase = "content"
	PhaseLedger    SweepPhase = "ledger"
	PhaseDone      SweepPhase = "done"
)

// SweepCheckpoint lets an interrupted sweep resume where it stopped.
type SweepCheckpoint struct {
	SweepID   string     `json:"sweep_id"`
	Phase     SweepPhase `json:"phase"`
	Cutoff    time.Time  `json:"cutoff"`
	Batches   int        `json:"batches"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LeaseRecord is a held lease on a named singleton job.
type LeaseRecord struct {
	Name         string    `json:"name"`
	HolderNonce  string    `json:"holder_nonce"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
}

// IsExpired returns true if the lease has expired.
func (l *LeaseRecord) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
