// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package jsonrepair applies a bounded, deterministic set of textual repairs
// to malformed generative-model output before it is parsed.
//
// Models occasionally wrap a valid JSON document in prose or code fences, or
// drop trailing closing braces. The repair set is intentionally closed:
// strip wrapper text, strip code fences, balance unmatched braces and
// brackets, then re-parse. Anything still invalid after that (for example a
// document truncated mid-string) fails closed rather than being accepted as
// partially-valid data.
package jsonrepair

import (
	"errors"
	"strings"

	"github.com/goccy/go-json"
)

// ErrUnrecoverable indicates the payload is not valid JSON even after the
// bounded repair pass.
var ErrUnrecoverable = errors.New("jsonrepair: payload is not recoverable JSON")

// Repair attempts to extract a parseable JSON document from raw model
// output. It returns the repaired bytes on success. The input is returned
// unchanged when it already parses.
func Repair(raw []byte) ([]byte, error) {
	if json.Valid(raw) {
		return raw, nil
	}

	text := strings.TrimSpace(string(raw))

	// Remove code fences if present.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```JSON")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	// Keep only the portion starting at the first brace/bracket.
	if idx := strings.IndexAny(text, "{["); idx > 0 {
		text = text[idx:]
	} else if idx < 0 {
		return nil, ErrUnrecoverable
	}

	// Trim anything after the last closing brace/bracket.
	if idx := strings.LastIndexAny(text, "}]"); idx >= 0 {
		text = text[:idx+1]
	}

	// Balance braces/brackets by appending missing closing symbols. Counting
	// is textual, not string-aware: a document truncated inside a string
	// literal stays invalid and fails the final parse below.
	text = balance(text, '{', '}')
	text = balance(text, '[', ']')

	repaired := []byte(text)
	if !json.Valid(repaired) {
		return nil, ErrUnrecoverable
	}
	return repaired, nil
}

// ParseInto unmarshals raw into v, applying the repair pass when the direct
// parse fails.
func ParseInto(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err == nil {
		return nil
	}
	repaired, err := Repair(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(repaired, v); err != nil {
		return ErrUnrecoverable
	}
	return nil
}

func balance(text string, open, closing rune) string {
	opens := strings.Count(text, string(open))
	closes := strings.Count(text, string(closing))
	if opens > closes {
		return text + strings.Repeat(string(closing), opens-closes)
	}
	return text
}
