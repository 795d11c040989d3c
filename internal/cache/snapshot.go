// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package cache

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/xpertlabs/xpert/internal/fingerprint"
	"github.com/xpertlabs/xpert/internal/logging"
	"github.com/xpertlabs/xpert/internal/metrics"
)

// Snapshot maps canonical fingerprint keys to the JSON form of their
// resolved values. It is the unit of exchange with the synchronous
// persistence tier.
type Snapshot map[string]json.RawMessage

// Snapshot serializes every resolved entry. Pending and errored entries are
// excluded: the persistence tier only ever stores already-resolved content.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(Snapshot, len(c.entries))
	for key, e := range c.entries {
		if e.status != StatusResolved {
			continue
		}
		data, err := json.Marshal(e.value)
		if err != nil {
			// A value that cannot be serialized simply stays memory-only.
			logging.Warn().Str("fingerprint", key).Err(err).Msg("skipping unserializable cache value")
			continue
		}
		snap[key] = data
	}
	return snap
}

// Hydrate bulk-loads previously resolved entries from a persisted snapshot
// without invoking any producer and without marking them pending. Entries
// already present in the cache are left untouched: live state wins over a
// stale snapshot, and resolved entries are immutable anyway.
func (c *Cache) Hydrate(snap Snapshot) int {
	now := time.Now()
	loaded := 0

	c.mu.Lock()
	for key, raw := range snap {
		if _, exists := c.entries[key]; exists {
			continue
		}
		c.entries[key] = &entry{
			fp:             fingerprint.ParseKey(key),
			status:         StatusResolved,
			value:          json.RawMessage(raw),
			createdAt:      now,
			lastAccessedAt: now,
		}
		loaded++
	}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEntries.Set(float64(size))
	return loaded
}

// Decode converts a cached value into out. Fresh values are typed structs
// from the producer; hydrated values are raw JSON from the snapshot. Both
// are normalized through JSON so callers do not need to care which they got.
func Decode(value interface{}, out interface{}) error {
	switch v := value.(type) {
	case json.RawMessage:
		return json.Unmarshal(v, out)
	case []byte:
		return json.Unmarshal(v, out)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}
}
