package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/integrity"
	"github.com/jvs-project/trail/pkg/model"
)

const verifyPageSize = 500

// Divergence reasons.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonLinkMismatch = "link_mismatch"
	ReasonPositionGap  = "position_gap"
	ReasonTruncated    = "truncated"
)

// Divergence describes the first entry at which a chain stops verifying.
type Divergence struct {
	EntryID  string          `json:"entry_id,omitempty"`
	Position int64           `json:"position"`
	Reason   string          `json:"reason"`
	Expected model.HashValue `json:"expected,omitempty"`
	Actual   model.HashValue `json:"actual,omitempty"`
}

// VerifyResult contains verification results for a single chain scope.
type VerifyResult struct {
	Scope          string            `json:"scope"`
	OK             bool              `json:"ok"`
	EntriesChecked int64             `json:"entries_checked"`
	BrokenAt       *Divergence       `json:"broken_at,omitempty"`
	Checkpoint     *model.Checkpoint `json:"checkpoint,omitempty"`
	Interrupted    bool              `json:"interrupted,omitempty"`
	TamperDetected bool              `json:"tamper_detected"`
	Severity       string            `json:"severity,omitempty"`
}

// VerifyChain re-walks scope from genesis, or from the checkpoint from,
// recomputing every event hash and checking every link. It stops at the
// first divergence. Entries appended after the walk starts are not checked.
//
// On cancellation the partial result is returned together with ctx.Err();
// its Checkpoint is where a later call can resume.
func (l *Ledger) VerifyChain(ctx context.Context, scope string, from *model.Checkpoint) (*VerifyResult, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.VerifyChain", trace.WithAttributes(attribute.String("trail.scope", scope)))
	defer span.End()

	res, err := l.verify(ctx, scope, from)
	switch {
	case err != nil && (res == nil || !res.Interrupted):
		l.metrics.RecordVerify("error")
	case res.BrokenAt != nil:
		l.metrics.RecordVerify("broken")
		l.reportBroken(ctx, res)
	case res.OK:
		l.metrics.RecordVerify("ok")
	}
	if res != nil {
		span.SetAttributes(attribute.Int64("trail.entries_checked", res.EntriesChecked), attribute.Bool("trail.ok", res.OK))
	}
	return res, err
}

// ResumeVerify continues verification from the scope's stored checkpoint.
func (l *Ledger) ResumeVerify(ctx context.Context, scope string) (*VerifyResult, error) {
	var from *model.Checkpoint
	if l.checkpoints != nil {
		cp, err := l.checkpoints.LoadCheckpoint(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		from = cp
	}
	return l.VerifyChain(ctx, scope, from)
}

func (l *Ledger) verify(ctx context.Context, scope string, from *model.Checkpoint) (*VerifyResult, error) {
	res := &VerifyResult{Scope: scope}

	tip, err := l.store.Tip(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}

	prevHash, prevPos := model.GenesisHash, int64(0)
	if from != nil && from.Position > 0 {
		prevHash, prevPos = from.Hash, from.Position
	}
	res.Checkpoint = &model.Checkpoint{Scope: scope, Position: prevPos, Hash: prevHash}

	if prevPos > tip.Position {
		res.markBroken(&Divergence{Position: tip.Position + 1, Reason: ReasonTruncated, Expected: prevHash, Actual: tip.Hash})
		return res, nil
	}

	for prevPos < tip.Position {
		if err := ctx.Err(); err != nil {
			res.Interrupted = true
			l.saveCheckpoint(ctx, res.Checkpoint)
			return res, err
		}

		limit := verifyPageSize
		if remaining := tip.Position - prevPos; remaining < int64(limit) {
			limit = int(remaining)
		}
		page, err := l.store.Walk(ctx, scope, prevPos, limit)
		if err != nil {
			return res, fmt.Errorf("walk chain %s: %w", scope, err)
		}
		if len(page) == 0 {
			res.markBroken(&Divergence{Position: prevPos + 1, Reason: ReasonTruncated, Expected: tip.Hash})
			return res, nil
		}

		for _, e := range page {
			d, err := checkNext(e, prevHash, prevPos)
			if err != nil {
				return res, err
			}
			if d != nil {
				res.markBroken(d)
				return res, nil
			}
			prevHash, prevPos = e.EventHash, e.ChainPosition
			res.EntriesChecked++
			res.Checkpoint = &model.Checkpoint{Scope: scope, Position: prevPos, Hash: prevHash, VerifiedAt: l.now().UTC()}
		}
		l.saveCheckpoint(ctx, res.Checkpoint)
	}

	if prevHash != tip.Hash {
		res.markBroken(&Divergence{Position: tip.Position, Reason: ReasonTruncated, Expected: tip.Hash, Actual: prevHash})
		return res, nil
	}
	res.OK = true
	return res, nil
}

func (r *VerifyResult) markBroken(d *Divergence) {
	r.OK = false
	r.BrokenAt = d
	r.TamperDetected = true
	r.Severity = "critical"
}

func (l *Ledger) saveCheckpoint(ctx context.Context, cp *model.Checkpoint) {
	if l.checkpoints == nil || cp == nil || cp.Position == 0 {
		return
	}
	// Saved after cancellation too, so detach from the caller's deadline.
	if err := l.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), *cp); err != nil {
		l.logger.Warn("save verify checkpoint failed", zap.String("scope", cp.Scope), zap.Error(err))
	}
}

func (l *Ledger) reportBroken(ctx context.Context, res *VerifyResult) {
	d := res.BrokenAt
	l.logger.Error("chain integrity violated",
		zap.String("scope", res.Scope),
		zap.String("entry_id", d.EntryID),
		zap.Int64("position", d.Position),
		zap.String("reason", d.Reason))
	if l.alerter != nil {
		l.alerter.Notify(ctx, "chain.broken", map[string]any{
			"scope":    res.Scope,
			"entry_id": d.EntryID,
			"position": d.Position,
			"reason":   d.Reason,
		})
	}
}

// checkNext verifies that e correctly follows the entry at prevPos with
// hash prevHash. It returns nil when e verifies.
func checkNext(e *model.LedgerEntry, prevHash model.HashValue, prevPos int64) (*Divergence, error) {
	if e.ChainPosition != prevPos+1 {
		return &Divergence{EntryID: e.ID, Position: prevPos + 1, Reason: ReasonPositionGap}, nil
	}
	if e.PreviousHash != prevHash {
		return &Divergence{EntryID: e.ID, Position: e.ChainPosition, Reason: ReasonLinkMismatch, Expected: prevHash, Actual: e.PreviousHash}, nil
	}
	ok, computed, err := integrity.CheckEntry(e)
	if err != nil {
		return nil, fmt.Errorf("hash entry %s: %w", e.ID, err)
	}
	if !ok {
		return &Divergence{EntryID: e.ID, Position: e.ChainPosition, Reason: ReasonHashMismatch, Expected: e.EventHash, Actual: computed}, nil
	}
	return nil, nil
}
