// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package models

import (
	"strings"

	"github.com/google/uuid"
)

// NewTopicID derives a topic id from its title: a lowercase slug plus a
// short random disambiguator. Called once when a topic is created; the id is
// never recomputed afterwards because it keys every fingerprint derived from
// the topic.
func NewTopicID(title string) string {
	slug := slugify(title)
	random := uuid.NewString()[:8]
	if slug == "" {
		return random
	}
	return slug + "-" + random
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
