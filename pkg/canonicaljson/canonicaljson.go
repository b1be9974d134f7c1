// Package canonicaljson produces a deterministic encoding of JSON documents
// so that equal documents digest identically regardless of how the sender
// formatted them.
//
// The canonical form is pinned as: object keys sorted lexicographically at
// every nesting level, array order preserved, numbers kept as their source
// text, no insignificant whitespace, no HTML escaping. Two calls that differ
// only in key order or whitespace produce the same bytes; calls that spell a
// number differently (1 vs 1.0) are distinct documents on purpose.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Encode re-encodes raw JSON into its canonical form.
// Empty input is treated as the empty object.
func Encode(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}

	// UseNumber keeps the source text of numbers so re-encoding does not
	// reformat them (json.Number marshals verbatim).
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}

	return EncodeValue(v)
}

// EncodeValue canonically encodes an already-decoded JSON value.
// Map keys are sorted by the encoder; callers that need number-text
// preservation must have decoded with json.Number.
func EncodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	// json.Encoder appends a newline; the canonical form has none.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Digest returns the hex SHA-256 of the canonical encoding of raw.
// This is the arguments digest used for gated-call retry detection.
func Digest(raw []byte) (string, error) {
	canonical, err := Encode(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DigestValue digests an already-decoded JSON value.
func DigestValue(v interface{}) (string, error) {
	canonical, err := EncodeValue(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
