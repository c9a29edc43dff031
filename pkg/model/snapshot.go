package model

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/jvs-project/trail/pkg/uuidutil"
)

// SnapshotID is the unique identifier for a snapshot (UUIDv7, time-ordered).
type SnapshotID string

// NewSnapshotID generates a new unique snapshot ID.
func NewSnapshotID() SnapshotID {
	return SnapshotID(NewID())
}

// NewID returns a time-ordered unique id.
func NewID() string {
	return uuidutil.NewV7()
}

// ShortID returns the first 8 characters for display.
func (id SnapshotID) ShortID() string {
	s := string(id)
	if len(s) >= 8 {
		return s[:8]
	}
	return s
}

// String returns the full snapshot ID as string.
func (id SnapshotID) String() string {
	return string(id)
}

// ActivityRef is a point-in-time copy of the ledger entry a snapshot was
// keyed to. It stays readable after that entry is archived or exported.
type ActivityRef struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title,omitempty"`
}

// ActivityRefFor builds the denormalized reference for entry.
func ActivityRefFor(entry *LedgerEntry) *ActivityRef {
	if entry == nil {
		return nil
	}
	return &ActivityRef{
		ID:        entry.ID,
		Operation: entry.Operation,
		Timestamp: entry.Timestamp,
		Title:     entry.ResourceTitle,
	}
}

// Snapshot is the metadata row for a captured version of an entity.
// Content lives in the content-addressed store under ContentRef.
type Snapshot struct {
	ID              SnapshotID       `json:"id"`
	Kind            SnapshotKind     `json:"kind"`
	EntityID        string           `json:"entity_id"`
	WorkspaceID     string           `json:"workspace_id"`
	CreatedAt       time.Time        `json:"created_at"`
	CreatedBy       ActorRef         `json:"created_by"`
	Source          SnapshotSource   `json:"source"`
	Label           string           `json:"label,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ContentRef      HashValue        `json:"content_ref"`
	ContentFormat   ContentFormat    `json:"content_format"`
	ContentSize     int64            `json:"content_size"`
	StateHash       HashValue        `json:"state_hash"`
	RevisionNumber  int64            `json:"revision_number"`
	IsPinned        bool             `json:"is_pinned"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	ChangeGroupID   *string          `json:"change_group_id,omitempty"`
	ChangeGroupType *ChangeGroupType `json:"change_group_type,omitempty"`
	Activity        *ActivityRef     `json:"activity,omitempty"`
}

// IsExpired reports whether the snapshot is eligible for reclamation at now.
func (s *Snapshot) IsExpired(now time.Time) bool {
	if s.IsPinned || s.ExpiresAt == nil {
		return false
	}
	return !s.ExpiresAt.After(now)
}

// RosterMember is a workspace member at capture time.
type RosterMember struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
}

// PermissionGrant is a resource permission at capture time.
type PermissionGrant struct {
	ResourceID string `json:"resource_id"`
	Principal  string `json:"principal"`
	Level      string `json:"level"`
}

// Roster is the membership and permission set of a workspace at capture
// time. Workspace snapshots carry it so a restore does not depend on live
// membership.
type Roster struct {
	Members     []RosterMember    `json:"members,omitempty"`
	Permissions []PermissionGrant `json:"permissions,omitempty"`
}

// Sort orders the roster deterministically so equal rosters hash equally.
func (r *Roster) Sort() {
	if r == nil {
		return
	}
	sort.Slice(r.Members, func(i, j int) bool {
		return r.Members[i].UserID < r.Members[j].UserID
	})
	sort.Slice(r.Permissions, func(i, j int) bool {
		a, b := r.Permissions[i], r.Permissions[j]
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.Principal != b.Principal {
			return a.Principal < b.Principal
		}
		return a.Level < b.Level
	})
}

// EntityState is the full state of a tracked entity as handed to and from
// collaborators. For FormatJSON Content must hold a JSON document; any other
// format is treated as opaque bytes.
type EntityState struct {
	EntityID    string        `json:"entity_id"`
	WorkspaceID string        `json:"workspace_id"`
	Kind        SnapshotKind  `json:"kind"`
	Title       string        `json:"title,omitempty"`
	Format      ContentFormat `json:"format"`
	Content     []byte        `json:"content,omitempty"`
	Roster      *Roster       `json:"roster,omitempty"`
}

// JSONContent returns Content as a raw JSON message when the state is JSON.
func (s *EntityState) JSONContent() (json.RawMessage, bool) {
	if s.Format != FormatJSON || len(s.Content) == 0 {
		return nil, false
	}
	return json.RawMessage(s.Content), true
}

// ContentRecord tracks how many snapshots and ledger entries reference a blob.
type ContentRecord struct {
	Hash      HashValue     `json:"hash"`
	Size      int64         `json:"size"`
	Format    ContentFormat `json:"format"`
	RefCount  int64         `json:"ref_count"`
	CreatedAt time.Time     `json:"created_at"`
}
