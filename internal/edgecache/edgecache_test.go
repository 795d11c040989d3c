// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package edgecache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newCache(t *testing.T, version int, opts ...Option) *Cache {
	t.Helper()
	c, err := OpenInMemory(version, opts...)
	if err != nil {
		t.Fatalf("open edge cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func get(t *testing.T, rt http.RoundTripper, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestImageIsCacheFirst(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(srv.Close)
	c := newCache(t, 1)

	_, first := get(t, c, srv.URL+"/topic.png")
	resp, second := get(t, c, srv.URL+"/topic.png")
	if first != "png-bytes" || second != "png-bytes" {
		t.Errorf("bodies = %q, %q", first, second)
	}
	if hits.Load() != 1 {
		t.Errorf("origin hit %d times, want 1", hits.Load())
	}
	if resp.Header.Get("X-Edge-Cache") != "hit" {
		t.Error("second response should be served from cache")
	}
}

func TestAPIStaleFallbackOnNetworkFailure(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	c := newCache(t, 1, WithClassifier(func(r *http.Request) Class {
		return ClassAPI
	}), WithTransport(roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if down.Load() {
			return nil, io.ErrUnexpectedEOF
		}
		return http.DefaultTransport.RoundTrip(req)
	})))

	_, body := get(t, c, srv.URL+"/api/v1/profile")
	if body != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}

	// Kill the origin entirely; the cached answer must survive.
	down.Store(true)
	srv.Close()
	resp, body := get(t, c, srv.URL+"/api/v1/profile")
	if body != `{"ok":true}` {
		t.Errorf("stale body = %q", body)
	}
	if resp.Header.Get("X-Edge-Cache") != "hit" {
		t.Error("stale response should be marked as cache-served")
	}
}

func TestOtherIsNetworkFirst(t *testing.T) {
	var serial atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{byte('0' + serial.Add(1))})
	}))
	t.Cleanup(srv.Close)
	c := newCache(t, 1)

	_, first := get(t, c, srv.URL+"/page")
	_, second := get(t, c, srv.URL+"/page")
	if first == second {
		t.Error("network-first class must refetch while the origin is up")
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("live"))
	}))
	c := newCache(t, 1, WithTransport(roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if down.Load() {
			return nil, io.ErrUnexpectedEOF
		}
		return http.DefaultTransport.RoundTrip(req)
	})))

	get(t, c, srv.URL+"/page")
	down.Store(true)
	srv.Close()
	_, body := get(t, c, srv.URL+"/page")
	if body != "live" {
		t.Errorf("fallback body = %q", body)
	}
}

func TestNonGetPassesThrough(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	c := newCache(t, 1)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/generate", nil)
		resp, err := c.RoundTrip(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if posts.Load() != 2 {
		t.Errorf("origin saw %d POSTs, want 2 (writes are never cached)", posts.Load())
	}
}

func TestNon200NotStored(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := newCache(t, 1)

	get(t, c, srv.URL+"/broken.png")
	get(t, c, srv.URL+"/broken.png")
	if hits.Load() != 2 {
		t.Errorf("origin hit %d times, want 2 (error responses must not be cached)", hits.Load())
	}
}

func TestActivationDropsOldNamespaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	}))
	t.Cleanup(srv.Close)

	c1 := newCache(t, 1)
	get(t, c1, srv.URL+"/app.css")
	count, _, err := c1.Stats()
	if err != nil || count != 1 {
		t.Fatalf("v1 stats = %d, %v", count, err)
	}

	// Re-activate the same store under version 2.
	c2, err := activate(c1.db, 2)
	if err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	count, _, err = c2.Stats()
	if err != nil {
		t.Fatalf("v2 stats: %v", err)
	}
	if count != 0 {
		t.Errorf("v2 namespace has %d entries, want 0", count)
	}
}

func TestClearAllAndStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset-bytes"))
	}))
	t.Cleanup(srv.Close)
	c := newCache(t, 1)

	get(t, c, srv.URL+"/a.png")
	get(t, c, srv.URL+"/b.png")
	count, size, err := c.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if count != 2 || size == 0 {
		t.Errorf("stats = %d entries, %d bytes", count, size)
	}

	if err := c.ClearAll(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	count, _, err = c.Stats()
	if err != nil || count != 0 {
		t.Errorf("after clear: %d entries, err %v", count, err)
	}
}

func TestPrecacheWarmsAssets(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("asset"))
	}))
	t.Cleanup(srv.Close)
	c := newCache(t, 1)

	c.Precache(context.Background(), []string{srv.URL + "/app.css", srv.URL + "/logo.svg"})
	if hits.Load() != 2 {
		t.Fatalf("precache fetched %d assets, want 2", hits.Load())
	}

	// Subsequent reads come from the store.
	get(t, c, srv.URL+"/app.css")
	if hits.Load() != 2 {
		t.Errorf("origin hit again after precache")
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
