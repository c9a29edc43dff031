// Package diff computes the top-level field diff recorded on ledger entries.
// Values are compared by canonical JSON, so key order and whitespace inside a
// field never register as a change.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/jsonutil"
)

// ChangeType represents the type of field change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Change represents a single top-level field change.
type Change struct {
	Field string     `json:"field"`
	Type  ChangeType `json:"type"`
}

// Result is the structured diff between two JSON objects. Removed fields
// appear only in PreviousValues, added fields only in NewValues.
type Result struct {
	UpdatedFields  []string                   `json:"updated_fields"`
	PreviousValues map[string]json.RawMessage `json:"previous_values,omitempty"`
	NewValues      map[string]json.RawMessage `json:"new_values,omitempty"`
	Changes        []Change                   `json:"changes"`
}

// Empty reports whether nothing changed.
func (r *Result) Empty() bool {
	return len(r.UpdatedFields) == 0
}

// Fields diffs two JSON objects. A nil or empty document is treated as {}.
// Values are stored in canonical form.
func Fields(before, after []byte) (*Result, error) {
	from, err := decodeObject("before", before)
	if err != nil {
		return nil, err
	}
	to, err := decodeObject("after", after)
	if err != nil {
		return nil, err
	}

	names := make(map[string]struct{}, len(from)+len(to))
	for k := range from {
		names[k] = struct{}{}
	}
	for k := range to {
		names[k] = struct{}{}
	}
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := &Result{
		PreviousValues: map[string]json.RawMessage{},
		NewValues:      map[string]json.RawMessage{},
	}
	for _, k := range keys {
		oldVal, hadOld := from[k]
		newVal, hasNew := to[k]
		switch {
		case hadOld && !hasNew:
			res.PreviousValues[k] = oldVal
			res.Changes = append(res.Changes, Change{Field: k, Type: ChangeRemoved})
		case !hadOld && hasNew:
			res.NewValues[k] = newVal
			res.Changes = append(res.Changes, Change{Field: k, Type: ChangeAdded})
		case string(oldVal) != string(newVal):
			res.PreviousValues[k] = oldVal
			res.NewValues[k] = newVal
			res.Changes = append(res.Changes, Change{Field: k, Type: ChangeModified})
		default:
			continue
		}
		res.UpdatedFields = append(res.UpdatedFields, k)
	}
	return res, nil
}

func decodeObject(side string, raw []byte) (map[string]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]json.RawMessage{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errclass.ErrInvalidEntry.WithMessagef("%s state must be a JSON object: %v", side, err)
	}
	for k, v := range obj {
		canon, err := jsonutil.Canonicalize(v)
		if err != nil {
			return nil, fmt.Errorf("canonicalize field %q: %w", k, err)
		}
		obj[k] = canon
	}
	return obj, nil
}
