// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/xpertlabs/xpert/internal/fingerprint"
)

type quizDoc struct {
	Questions []string `json:"questions"`
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := New()
	fp := fingerprint.New("quiz", "alice", "entropy")
	original := quizDoc{Questions: []string{"q1", "q2", "q3"}}

	if _, err := c.Resolve(context.Background(), fp, func(ctx context.Context) (interface{}, error) {
		return original, nil
	}); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d entries, want 1", len(snap))
	}

	// Cold start: a fresh cache hydrated from the snapshot must serve the
	// value without any producer invocation.
	fresh := New()
	if loaded := fresh.Hydrate(snap); loaded != 1 {
		t.Fatalf("Hydrate() loaded %d, want 1", loaded)
	}

	value, err := fresh.Resolve(context.Background(), fp, func(ctx context.Context) (interface{}, error) {
		t.Error("producer must not run for a hydrated entry")
		return nil, errors.New("unreachable")
	})
	if err != nil {
		t.Fatalf("Resolve() after hydrate error: %v", err)
	}

	var decoded quizDoc
	if err := Decode(value, &decoded); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(decoded.Questions) != 3 || decoded.Questions[0] != "q1" {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}

	entry, ok := fresh.Get(fp)
	if !ok || entry.Status != StatusResolved {
		t.Errorf("hydrated entry missing or not resolved: %+v", entry)
	}
	if !entry.Fingerprint.Equal(fp) {
		t.Errorf("hydrated fingerprint = %v, want %v", entry.Fingerprint.Parts(), fp.Parts())
	}
}

func TestSnapshotExcludesUnresolvedEntries(t *testing.T) {
	c := New()

	_, _ = c.Resolve(context.Background(), fingerprint.New("quiz", "bad"), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("failed")
	})
	_, _ = c.Resolve(context.Background(), fingerprint.New("quiz", "good"), func(ctx context.Context) (interface{}, error) {
		return quizDoc{Questions: []string{"q"}}, nil
	})

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Errorf("snapshot has %d entries, want only the resolved one", len(snap))
	}
	if _, ok := snap[fingerprint.New("quiz", "good").Key()]; !ok {
		t.Error("resolved entry missing from snapshot")
	}
}

func TestHydrateDoesNotOverwriteLiveEntries(t *testing.T) {
	c := New()
	fp := fingerprint.New("quiz", "alice")

	_, _ = c.Resolve(context.Background(), fp, func(ctx context.Context) (interface{}, error) {
		return "live", nil
	})

	stale := Snapshot{fp.Key(): []byte(`"stale"`)}
	if loaded := c.Hydrate(stale); loaded != 0 {
		t.Errorf("Hydrate() loaded %d over a live entry, want 0", loaded)
	}

	entry, _ := c.Get(fp)
	if entry.Value != "live" {
		t.Errorf("value = %v, want live", entry.Value)
	}
}

func TestDecodeTypedValue(t *testing.T) {
	var out quizDoc
	if err := Decode(quizDoc{Questions: []string{"a"}}, &out); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(out.Questions) != 1 {
		t.Errorf("decoded = %+v", out)
	}
}
