package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/jvs-project/trail/internal/integrity"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/jsonutil"
	"github.com/jvs-project/trail/pkg/model"
)

const payloadVersion = 1

// payload is the stored form of an entity state. Entity and workspace ids
// are kept on the snapshot row, not here, so equal content owned by
// different entities shares one blob.
type payload struct {
	V       int                 `json:"v"`
	Kind    model.SnapshotKind  `json:"kind"`
	Format  model.ContentFormat `json:"format"`
	Title   string              `json:"title,omitempty"`
	Content json.RawMessage     `json:"content,omitempty"`
	Body    []byte              `json:"body,omitempty"`
	Roster  *model.Roster       `json:"roster,omitempty"`
}

// Encode serializes state canonically and returns the bytes and their hash.
// JSON content is canonicalized, so documents differing only in key order
// or whitespace encode identically.
func Encode(state *model.EntityState) ([]byte, model.HashValue, error) {
	p := payload{
		V:      payloadVersion,
		Kind:   state.Kind,
		Format: state.Format,
		Title:  state.Title,
	}
	if p.Kind == "" {
		p.Kind = model.KindPage
	}
	if raw, ok := state.JSONContent(); ok {
		canon, err := jsonutil.Canonicalize(raw)
		if err != nil {
			return nil, "", errclass.ErrInvalidEntry.Wrap(err, "json content")
		}
		p.Content = canon
	} else if len(state.Content) > 0 {
		p.Body = state.Content
	}
	if state.Roster != nil {
		r := *state.Roster
		r.Members = append([]model.RosterMember(nil), r.Members...)
		r.Permissions = append([]model.PermissionGrant(nil), r.Permissions...)
		r.Sort()
		p.Roster = &r
	}

	data, err := jsonutil.CanonicalMarshal(&p)
	if err != nil {
		return nil, "", fmt.Errorf("encode snapshot payload: %w", err)
	}
	return data, integrity.StateHash(data), nil
}

// Decode verifies data against expected and reconstructs the state. Any
// mismatch or malformed payload fails closed with E_SNAPSHOT_CORRUPT.
func Decode(data []byte, expected model.HashValue) (*model.EntityState, error) {
	if err := integrity.VerifyContent(data, expected); err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errclass.ErrSnapshotCorrupt.Wrap(err, "decode payload")
	}
	if p.V != payloadVersion {
		return nil, errclass.ErrFormatUnsupported.WithMessagef("snapshot payload version %d", p.V)
	}
	state := &model.EntityState{
		Kind:   p.Kind,
		Format: p.Format,
		Title:  p.Title,
		Roster: p.Roster,
	}
	switch {
	case len(p.Content) > 0:
		state.Content = []byte(p.Content)
	case len(p.Body) > 0:
		state.Content = p.Body
	}
	return state, nil
}
