// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package persister

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/xpertlabs/xpert/internal/cache"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = s.Close() }()

	snap := cache.Snapshot{
		"quiz:alice:entropy": []byte(`{"questions":["q1","q2"]}`),
		"mindmap:alice:heat": []byte(`{"markdown":"# Heat"}`),
	}
	if err := s.Save(snap); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(loaded))
	}
	if string(loaded["quiz:alice:entropy"]) != `{"questions":["q1","q2"]}` {
		t.Errorf("payload mismatch: %s", loaded["quiz:alice:entropy"])
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Save(cache.Snapshot{"old:key": []byte(`1`)}); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}
	if err := s.Save(cache.Snapshot{"new:key": []byte(`2`)}); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, ok := loaded["old:key"]; ok {
		t.Error("previous snapshot entry survived replacement")
	}
	if _, ok := loaded["new:key"]; !ok {
		t.Error("replacement snapshot entry missing")
	}
}

func TestQuotaExceededLeavesPreviousSnapshotIntact(t *testing.T) {
	s, err := Open(t.TempDir(), 256)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = s.Close() }()

	small := cache.Snapshot{"a": []byte(`"small"`)}
	if err := s.Save(small); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	huge := cache.Snapshot{"b": []byte(`"` + strings.Repeat("x", 1024) + `"`)}
	if err := s.Save(huge); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, ok := loaded["a"]; !ok {
		t.Error("previous snapshot lost after rejected save")
	}
	if _, ok := loaded["b"]; ok {
		t.Error("over-quota entry was partially written")
	}
}

func TestLoadEmptyStore(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = s.Close() }()

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("fresh store loaded %d entries", len(loaded))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	if err := first.Save(cache.Snapshot{"k": []byte(`"v"`)}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Reopening must not recreate or clear the current-version schema.
	second, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer func() { _ = second.Close() }()

	loaded, err := second.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if string(loaded["k"]) != `"v"` {
		t.Errorf("snapshot lost across reopen: %v", loaded)
	}
}

func TestConcurrentSaves(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = s.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Save(cache.Snapshot{"k": []byte(`"v"`)})
		}()
	}
	wg.Wait()

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() after concurrent saves error: %v", err)
	}
	if string(loaded["k"]) != `"v"` {
		t.Errorf("unexpected snapshot after concurrent saves: %v", loaded)
	}
}

func TestClear(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Save(cache.Snapshot{"k": []byte(`"v"`)}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}

	loaded, _ := s.Load()
	if len(loaded) != 0 {
		t.Errorf("store not empty after Clear: %v", loaded)
	}
}
