// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package fingerprint identifies cacheable generated artifacts.
//
// A fingerprint is an ordered tuple of strings (kind, subject, params...)
// that deterministically names one cacheable unit of generated content. Two
// requests with structurally equal fingerprints are the same cache entry.
// Fingerprints carry no timestamps or random values, so they are stable
// across process restarts and usable as durable store keys.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Fingerprint is an ordered tuple identifying one generated artifact.
type Fingerprint struct {
	parts []string
}

// New builds a fingerprint from an ordered tuple of parts. The first part is
// conventionally the artifact kind (e.g. "quiz", "topicImage").
func New(parts ...string) Fingerprint {
	cp := make([]string, len(parts))
	copy(cp, parts)
	return Fingerprint{parts: cp}
}

// FromParams builds a fingerprint from an artifact kind and an unordered
// parameter map. The map is serialized with sorted keys and hashed, so two
// semantically equal parameter sets produce the same fingerprint regardless
// of insertion order.
func FromParams(kind string, params map[string]string) Fingerprint {
	data, err := json.Marshal(params)
	if err != nil {
		// Maps of strings cannot fail to marshal; keep a deterministic
		// fallback anyway rather than panicking in a cache path.
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(data)
	return Fingerprint{parts: []string{kind, fmt.Sprintf("%x", sum[:16])}}
}

// Kind returns the first tuple element, or empty for a zero fingerprint.
func (f Fingerprint) Kind() string {
	if len(f.parts) == 0 {
		return ""
	}
	return f.parts[0]
}

// Parts returns a copy of the tuple.
func (f Fingerprint) Parts() []string {
	cp := make([]string, len(f.parts))
	copy(cp, f.parts)
	return cp
}

// IsZero reports whether the fingerprint has no parts.
func (f Fingerprint) IsZero() bool {
	return len(f.parts) == 0
}

// Key returns the canonical string form used as the cache and store key.
// Parts are joined with ':'; any ':' or '\' inside a part is escaped so that
// distinct tuples can never collide on the same key.
func (f Fingerprint) Key() string {
	escaped := make([]string, len(f.parts))
	for i, p := range f.parts {
		p = strings.ReplaceAll(p, `\`, `\\`)
		p = strings.ReplaceAll(p, ":", `\:`)
		escaped[i] = p
	}
	return strings.Join(escaped, ":")
}

// ParseKey reverses Key, reconstructing the tuple from its canonical string
// form. Used when rehydrating entries from the persisted snapshot, whose
// records are keyed by canonical form.
func ParseKey(key string) Fingerprint {
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range key {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return Fingerprint{parts: parts}
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string {
	return f.Key()
}

// Equal reports structural equality of two fingerprints.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if len(f.parts) != len(other.parts) {
		return false
	}
	for i := range f.parts {
		if f.parts[i] != other.parts[i] {
			return false
		}
	}
	return true
}
