// Package jsonutil produces the canonical JSON every trail hash is computed
// over.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// CanonicalMarshal marshals v and canonicalizes the result.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize rewrites one JSON document so that equal documents are equal
// bytes: object keys sorted, no insignificant whitespace, numbers kept as
// written and strings without HTML escaping. Duplicate keys are rejected
// since they make a document's meaning depend on the reader.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out, err := canonicalValue(dec)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonicalize: trailing data after JSON value")
	}
	return out, nil
}

// Valid reports whether raw is a single JSON value Canonicalize accepts.
func Valid(raw []byte) bool {
	_, err := Canonicalize(raw)
	return err == nil
}

type member struct {
	key   string
	value []byte
}

func canonicalValue(dec *json.Decoder) ([]byte, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return canonicalObject(dec)
		case '[':
			return canonicalArray(dec)
		}
		return nil, fmt.Errorf("unexpected %q", t)
	case string:
		return encodeString(t)
	case json.Number:
		return []byte(t.String()), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case nil:
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

func canonicalObject(dec *json.Decoder) ([]byte, error) {
	var members []member
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is %T", tok)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = true
		value, err := canonicalValue(dec)
		if err != nil {
			return nil, err
		}
		members = append(members, member{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	// Bytewise order, which is code point order for UTF-8.
	slices.SortFunc(members, func(a, b member) int { return strings.Compare(a.key, b.key) })

	buf := []byte{'{'}
	for i, m := range members {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := encodeString(m.key)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, m.value...)
	}
	return append(buf, '}'), nil
}

func canonicalArray(dec *json.Decoder) ([]byte, error) {
	buf := []byte{'['}
	for first := true; dec.More(); first = false {
		value, err := canonicalValue(dec)
		if err != nil {
			return nil, err
		}
		if !first {
			buf = append(buf, ',')
		}
		buf = append(buf, value...)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return append(buf, ']'), nil
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
