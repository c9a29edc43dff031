package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

const (
	DefaultFeedLimit = 50
	MaxFeedLimit     = 500
)

// FeedQuery filters the activity feed. Zero values mean "no filter".
// Results are newest first.
type FeedQuery struct {
	WorkspaceID     string             `json:"workspace_id,omitempty"`
	ActorID         string             `json:"actor_id,omitempty"`
	ResourceType    model.ResourceType `json:"resource_type,omitempty"`
	ResourceID      string             `json:"resource_id,omitempty"`
	EntityID        string             `json:"entity_id,omitempty"`
	ChangeGroupID   string             `json:"change_group_id,omitempty"`
	Operation       model.Operation    `json:"operation,omitempty"`
	Since           time.Time          `json:"since,omitempty"`
	Until           time.Time          `json:"until,omitempty"`
	AIOnly          bool               `json:"ai_only,omitempty"`
	HumanOnly       bool               `json:"human_only,omitempty"`
	IncludeArchived bool               `json:"include_archived,omitempty"`
	Limit           int                `json:"limit,omitempty"`
	Offset          int                `json:"offset,omitempty"`
}

// Normalize validates q and applies the default and maximum page size.
func (q FeedQuery) Normalize() (FeedQuery, error) {
	if q.AIOnly && q.HumanOnly {
		return q, errclass.ErrInvalidEntry.WithMessage("ai-only and human-only filters are mutually exclusive")
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return q, errclass.ErrInvalidEntry.WithMessage("feed window ends before it starts")
	}
	if q.Offset < 0 {
		return q, errclass.ErrInvalidEntry.WithMessage("offset must be non-negative")
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultFeedLimit
	case q.Limit > MaxFeedLimit:
		q.Limit = MaxFeedLimit
	}
	return q, nil
}

// Matches reports whether e passes every filter in q except pagination.
// Stores that cannot push filters down use it to filter in process.
func (q *FeedQuery) Matches(e *model.LedgerEntry) bool {
	if e.IsArchived && !q.IncludeArchived {
		return false
	}
	if q.WorkspaceID != "" && model.Deref(e.WorkspaceID) != q.WorkspaceID {
		return false
	}
	if q.ActorID != "" && model.Deref(e.Actor.ID) != q.ActorID {
		return false
	}
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.EntityID != "" && model.Deref(e.EntityID) != q.EntityID {
		return false
	}
	if q.ChangeGroupID != "" && model.Deref(e.ChangeGroupID) != q.ChangeGroupID {
		return false
	}
	if q.Operation != "" && e.Operation != q.Operation {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.Timestamp.Before(q.Until) {
		return false
	}
	if q.AIOnly && !e.IsAIGenerated {
		return false
	}
	if q.HumanOnly && e.IsAIGenerated {
		return false
	}
	return true
}

// Feed returns one page of the activity feed, newest first.
func (l *Ledger) Feed(ctx context.Context, q FeedQuery) ([]*model.LedgerEntry, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	entries, err := l.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	return entries, nil
}
