package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GlobalScope is the chain scope used by entries that carry no stream.
const GlobalScope = "global"

// StreamScope returns the chain scope for a stream id.
func StreamScope(streamID string) string {
	return "stream:" + streamID
}

// ParseScope returns the stream id encoded in scope, or "" for the global chain.
func ParseScope(scope string) (streamID string, err error) {
	if scope == GlobalScope {
		return "", nil
	}
	if id, ok := strings.CutPrefix(scope, "stream:"); ok && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("invalid chain scope %q", scope)
}

// LedgerEntry is a single immutable record in the event ledger.
type LedgerEntry struct {
	ID            string       `json:"id"`
	Timestamp     time.Time    `json:"timestamp"`
	Operation     Operation    `json:"operation"`
	ResourceType  ResourceType `json:"resource_type"`
	ResourceID    string       `json:"resource_id"`
	ResourceTitle string       `json:"resource_title,omitempty"`

	Actor            ActorRef `json:"actor"`
	IsAIGenerated    bool     `json:"is_ai_generated,omitempty"`
	AIProvider       string   `json:"ai_provider,omitempty"`
	AIModel          string   `json:"ai_model,omitempty"`
	AIConversationID string   `json:"ai_conversation_id,omitempty"`

	WorkspaceID *string `json:"workspace_id,omitempty"`
	EntityID    *string `json:"entity_id,omitempty"`

	ContentSnapshot []byte                     `json:"content_snapshot,omitempty"`
	ContentRef      HashValue                  `json:"content_ref,omitempty"`
	ContentFormat   ContentFormat              `json:"content_format,omitempty"`
	ContentSize     int64                      `json:"content_size,omitempty"`
	UpdatedFields   []string                   `json:"updated_fields,omitempty"`
	PreviousValues  map[string]json.RawMessage `json:"previous_values,omitempty"`
	NewValues       map[string]json.RawMessage `json:"new_values,omitempty"`
	StateHashBefore HashValue                  `json:"state_hash_before,omitempty"`
	StateHashAfter  HashValue                  `json:"state_hash_after,omitempty"`

	ChainScope    string    `json:"chain_scope"`
	ChainPosition int64     `json:"chain_position"`
	PreviousHash  HashValue `json:"previous_hash"`
	EventHash     HashValue `json:"event_hash"`

	StreamID        *string          `json:"stream_id,omitempty"`
	StreamSeq       *int64           `json:"stream_seq,omitempty"`
	ChangeGroupID   *string          `json:"change_group_id,omitempty"`
	ChangeGroupType *ChangeGroupType `json:"change_group_type,omitempty"`

	RollbackFromActivityID  *string    `json:"rollback_from_activity_id,omitempty"`
	RollbackSourceOperation *Operation `json:"rollback_source_operation,omitempty"`
	RollbackSourceTimestamp *time.Time `json:"rollback_source_timestamp,omitempty"`
	RollbackSourceTitle     *string    `json:"rollback_source_title,omitempty"`

	Outcome       Outcome `json:"outcome,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`

	IsArchived bool `json:"is_archived"`
}

// IsRollback reports whether the entry records a rollback.
func (e *LedgerEntry) IsRollback() bool {
	return e.Operation == OperationRollback
}

// Failed reports whether the recorded action did not take effect.
func (e *LedgerEntry) Failed() bool {
	return e.Outcome == OutcomeFailed
}

// ChangeGroup is the causal correlation key shared by entries and snapshots.
type ChangeGroup struct {
	ID   string          `json:"id"`
	Type ChangeGroupType `json:"type"`
}

// Pointers splits the group into the paired nullable columns.
func (g *ChangeGroup) Pointers() (*string, *ChangeGroupType) {
	if g == nil {
		return nil, nil
	}
	id, typ := g.ID, g.Type
	return &id, &typ
}

// ChangeGroupFrom rebuilds a group from paired columns. It returns nil when
// either side is missing.
func ChangeGroupFrom(id *string, typ *ChangeGroupType) *ChangeGroup {
	if id == nil || typ == nil {
		return nil
	}
	return &ChangeGroup{ID: *id, Type: *typ}
}

// ChainTip is the head of a chain scope.
type ChainTip struct {
	Scope    string    `json:"scope"`
	Hash     HashValue `json:"hash"`
	Position int64     `json:"position"`
}

// GenesisTip returns the tip of a scope with no entries.
func GenesisTip(scope string) ChainTip {
	return ChainTip{Scope: scope, Hash: GenesisHash}
}

// IsGenesis reports whether no entry has been committed to the scope yet.
func (t ChainTip) IsGenesis() bool {
	return t.Position == 0
}

// Checkpoint records how far a chain has been verified.
type Checkpoint struct {
	Scope      string    `json:"scope"`
	Position   int64     `json:"position"`
	Hash       HashValue `json:"hash"`
	VerifiedAt time.Time `json:"verified_at"`
}
