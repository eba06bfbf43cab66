/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package canonjson produces a deterministic JSON serialization with all
// object keys sorted recursively. The request authentication scheme signs a
// hash of this serialization, so the byte layout must be identical on every
// console instance.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// Canonicalize re-serializes raw JSON with sorted object keys. Number
// literals are preserved exactly as they appeared in the input.
func Canonicalize(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, errors.Wrap(err, "error decoding json for canonicalization")
	}

	// encoding/json writes map keys in sorted order, so a round trip through
	// map[string]interface{} yields the canonical form.
	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding canonical json")
	}
	return canonical, nil
}

// Marshal serializes v canonically.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding value")
	}
	return Canonicalize(raw)
}

// HashHex returns the lowercase hex SHA-256 digest of the canonical form of
// raw.
func HashHex(raw []byte) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
