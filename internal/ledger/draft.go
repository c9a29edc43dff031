package ledger

import (
	"encoding/json"
	"time"

	"github.com/jvs-project/trail/internal/diff"
	"github.com/jvs-project/trail/internal/integrity"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/nameutil"
)

// DefaultInlineContentCap is the default cap on inline ContentSnapshot bytes.
const DefaultInlineContentCap = 1 << 20

// AIAttribution marks an entry as produced by an AI agent.
type AIAttribution struct {
	Provider       string
	Model          string
	ConversationID string
}

// RollbackSource is the denormalized description of what a rollback
// restored. ActivityID is nil when the source entry no longer resolves.
type RollbackSource struct {
	ActivityID *string
	Operation  model.Operation
	Timestamp  time.Time
	Title      string
}

// Draft is the caller-supplied part of a ledger entry. The ledger assigns
// id, timestamp, chain scope, position and hashes.
type Draft struct {
	Operation     model.Operation
	ResourceType  model.ResourceType
	ResourceID    string
	ResourceTitle string

	Actor model.ActorRef
	AI    *AIAttribution

	WorkspaceID string
	EntityID    string

	// ContentSnapshot is stored inline and must fit the inline cap.
	// Larger content goes through the snapshot store and ContentRef.
	ContentSnapshot []byte
	ContentRef      model.HashValue
	ContentFormat   model.ContentFormat
	ContentSize     int64

	// Before and After are JSON objects; their top-level diff and state
	// hashes are recorded when set.
	Before json.RawMessage
	After  json.RawMessage

	StateHashBefore model.HashValue
	StateHashAfter  model.HashValue

	StreamID        *string
	StreamSeq       *int64
	ChangeGroupID   *string
	ChangeGroupType *model.ChangeGroupType

	Rollback *RollbackSource

	Outcome       model.Outcome
	FailureReason string
}

// WithChangeGroup sets both paired change group fields from g.
func (d Draft) WithChangeGroup(g *model.ChangeGroup) Draft {
	d.ChangeGroupID, d.ChangeGroupType = g.Pointers()
	return d
}

// Scope returns the chain scope the draft appends to.
func (d *Draft) Scope() string {
	if d.StreamID != nil {
		return model.StreamScope(*d.StreamID)
	}
	return model.GlobalScope
}

// Validate checks the draft against the entry invariants. All failures are
// caller bugs and are not retryable.
func (d *Draft) Validate(inlineCap int64) error {
	if d.Operation == "" {
		return errclass.ErrInvalidEntry.WithMessage("operation is required")
	}
	if d.ResourceType == "" {
		return errclass.ErrInvalidEntry.WithMessage("resource type is required")
	}
	if d.ResourceID == "" {
		return errclass.ErrInvalidEntry.WithMessage("resource id is required")
	}
	if !validTag(string(d.Operation)) {
		return errclass.ErrInvalidEntry.WithMessagef("operation %q is not a lowercase tag", d.Operation)
	}
	if !validTag(string(d.ResourceType)) {
		return errclass.ErrInvalidEntry.WithMessagef("resource type %q is not a lowercase tag", d.ResourceType)
	}

	if (d.StreamID == nil) != (d.StreamSeq == nil) {
		return errclass.ErrPairedField.WithMessage("stream_id and stream_seq must both be set or both be null")
	}
	if (d.ChangeGroupID == nil) != (d.ChangeGroupType == nil) {
		return errclass.ErrPairedField.WithMessage("change_group_id and change_group_type must both be set or both be null")
	}
	if d.StreamID != nil {
		if err := nameutil.ValidateName(*d.StreamID); err != nil {
			return errclass.ErrInvalidEntry.WithMessagef("stream_id: %v", err)
		}
		if *d.StreamSeq < 0 {
			return errclass.ErrInvalidEntry.WithMessage("stream_seq must be non-negative")
		}
	}
	if d.ChangeGroupID != nil && *d.ChangeGroupID == "" {
		return errclass.ErrInvalidEntry.WithMessage("change_group_id must not be empty")
	}

	if inlineCap <= 0 {
		inlineCap = DefaultInlineContentCap
	}
	if n := int64(len(d.ContentSnapshot)); n > inlineCap {
		return errclass.ErrContentTooLarge.WithMessagef("inline content is %d bytes, cap is %d; store it and pass a content ref instead", n, inlineCap)
	}
	if len(d.ContentSnapshot) > 0 {
		if d.ContentRef != "" {
			return errclass.ErrInvalidEntry.WithMessage("content snapshot and content ref are mutually exclusive")
		}
		if d.ContentSize != 0 && d.ContentSize != int64(len(d.ContentSnapshot)) {
			return errclass.ErrInvalidEntry.WithMessagef("content size %d does not match inline content length %d", d.ContentSize, len(d.ContentSnapshot))
		}
	}
	if d.ContentRef != "" {
		if err := nameutil.ValidateHash(string(d.ContentRef)); err != nil {
			return errclass.ErrInvalidEntry.WithMessagef("content ref: %v", err)
		}
	}
	if d.ContentSize < 0 {
		return errclass.ErrInvalidEntry.WithMessage("content size must be non-negative")
	}

	if d.Operation == model.OperationRollback && d.Rollback == nil {
		return errclass.ErrInvalidEntry.WithMessage("rollback entries require a rollback source")
	}
	if d.Operation != model.OperationRollback && d.Rollback != nil {
		return errclass.ErrInvalidEntry.WithMessagef("rollback source set on %s entry", d.Operation)
	}
	switch d.Outcome {
	case "", model.OutcomeSucceeded:
	case model.OutcomeFailed:
		if d.FailureReason == "" {
			return errclass.ErrInvalidEntry.WithMessage("failed outcome requires a failure reason")
		}
	default:
		return errclass.ErrInvalidEntry.WithMessagef("unknown outcome %q", d.Outcome)
	}
	return nil
}

// build converts a validated draft into an entry without chain fields.
func (d *Draft) build() (*model.LedgerEntry, error) {
	e := &model.LedgerEntry{
		Operation:       d.Operation,
		ResourceType:    d.ResourceType,
		ResourceID:      d.ResourceID,
		ResourceTitle:   nameutil.NormalizeTitle(d.ResourceTitle),
		Actor:           normalizeActor(d.Actor),
		WorkspaceID:     model.StringPtr(d.WorkspaceID),
		EntityID:        model.StringPtr(d.EntityID),
		ContentRef:      d.ContentRef,
		ContentFormat:   d.ContentFormat,
		ContentSize:     d.ContentSize,
		StateHashBefore: d.StateHashBefore,
		StateHashAfter:  d.StateHashAfter,
		StreamID:        d.StreamID,
		StreamSeq:       d.StreamSeq,
		ChangeGroupID:   d.ChangeGroupID,
		ChangeGroupType: d.ChangeGroupType,
		Outcome:         d.Outcome,
		FailureReason:   d.FailureReason,
	}
	if e.Outcome == "" {
		e.Outcome = model.OutcomeSucceeded
	}
	if len(d.ContentSnapshot) > 0 {
		e.ContentSnapshot = append([]byte(nil), d.ContentSnapshot...)
		e.ContentSize = int64(len(d.ContentSnapshot))
	}
	if d.AI != nil {
		e.IsAIGenerated = true
		e.AIProvider = d.AI.Provider
		e.AIModel = d.AI.Model
		e.AIConversationID = d.AI.ConversationID
	}

	if len(d.Before) > 0 || len(d.After) > 0 {
		res, err := diff.Fields(d.Before, d.After)
		if err != nil {
			return nil, err
		}
		e.UpdatedFields = res.UpdatedFields
		e.PreviousValues = res.PreviousValues
		e.NewValues = res.NewValues
		if e.StateHashBefore == "" && len(d.Before) > 0 {
			if e.StateHashBefore, err = integrity.HashRawJSON(d.Before); err != nil {
				return nil, errclass.ErrInvalidEntry.Wrap(err, "before state")
			}
		}
		if e.StateHashAfter == "" && len(d.After) > 0 {
			if e.StateHashAfter, err = integrity.HashRawJSON(d.After); err != nil {
				return nil, errclass.ErrInvalidEntry.Wrap(err, "after state")
			}
		}
	}

	if r := d.Rollback; r != nil {
		op := r.Operation
		ts := r.Timestamp.UTC().Truncate(time.Microsecond)
		title := nameutil.NormalizeTitle(r.Title)
		e.RollbackFromActivityID = r.ActivityID
		e.RollbackSourceOperation = &op
		e.RollbackSourceTimestamp = &ts
		e.RollbackSourceTitle = &title
	}
	return e, nil
}

func normalizeActor(a model.ActorRef) model.ActorRef {
	a.DisplayName = nameutil.NormalizeTitle(a.DisplayName)
	if a.ID != nil && *a.ID == "" {
		a.ID = nil
	}
	return a
}

// validTag accepts lowercase snake_case tags, the shape every known tag has.
// Unknown tags of that shape are stored as given.
func validTag(tag string) bool {
	if tag == "" || len(tag) > 64 || tag[0] < 'a' || tag[0] > 'z' {
		return false
	}
	for i := 1; i < len(tag); i++ {
		c := tag[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}
