// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package edgecache intercepts outbound HTTP requests and serves repeat
// fetches from a durable badger-backed store. Policy is chosen per request
// class: images and static assets are cache-first, API reads are cache-first
// with a stale fallback when the network fails, and everything else is
// network-first with a cache fallback. Each build writes into a versioned
// namespace; activation drops the namespaces of previous versions.
package edgecache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/xpertlabs/xpert/internal/logging"
	"github.com/xpertlabs/xpert/internal/metrics"
)

// Class buckets a request for policy selection.
type Class string

const (
	ClassImage Class = "image"
	ClassAPI   Class = "api"
	ClassOther Class = "other"
)

// Classifier maps a request to its class.
type Classifier func(*http.Request) Class

// namespace key layout: edge:v<version>:<sha256(method url)[:16]>.
const keyPrefix = "edge:v"

// maxBodyBytes is the largest response body the cache will retain.
const maxBodyBytes = 10 << 20

// storedResponse is the serialized form of one cached response.
type storedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Cache is an http.RoundTripper backed by badger.
type Cache struct {
	db       *badger.DB
	version  int
	next     http.RoundTripper
	classify Classifier
	log      zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClassifier overrides the default request classifier.
func WithClassifier(fn Classifier) Option {
	return func(c *Cache) { c.classify = fn }
}

// WithTransport sets the underlying transport. Defaults to
// http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Cache) { c.next = rt }
}

// Open creates a Cache over a badger store at dir and activates the given
// namespace version, dropping any previous versions found in the store.
func Open(dir string, version int, opts ...Option) (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open edge cache store: %w", err)
	}
	return activate(db, version, opts...)
}

// OpenInMemory creates an ephemeral Cache, mainly for tests.
func OpenInMemory(version int, opts ...Option) (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open edge cache store: %w", err)
	}
	return activate(db, version, opts...)
}

func activate(db *badger.DB, version int, opts ...Option) (*Cache, error) {
	c := &Cache{
		db:       db,
		version:  version,
		next:     http.DefaultTransport,
		classify: DefaultClassifier,
		log:      logging.With().Str("component", "edgecache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.dropOldNamespaces(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// dropOldNamespaces removes every edge namespace except the active version.
func (c *Cache) dropOldNamespaces() error {
	current := c.namespace()
	stale := map[string]struct{}{}
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			key := string(it.Item().Key())
			ns := key
			if idx := strings.Index(key[len(keyPrefix):], ":"); idx >= 0 {
				ns = key[:len(keyPrefix)+idx+1]
			}
			if ns != current {
				stale[ns] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan edge namespaces: %w", err)
	}
	for ns := range stale {
		if err := c.db.DropPrefix([]byte(ns)); err != nil {
			return fmt.Errorf("drop edge namespace %s: %w", ns, err)
		}
		c.log.Info().Str("namespace", ns).Msg("dropped previous edge cache namespace")
	}
	return nil
}

func (c *Cache) namespace() string {
	return fmt.Sprintf("%s%d:", keyPrefix, c.version)
}

func (c *Cache) key(req *http.Request) []byte {
	sum := sha256.Sum256([]byte(req.Method + " " + req.URL.String()))
	return []byte(c.namespace() + fmt.Sprintf("%x", sum[:16]))
}

// DefaultClassifier routes /api/ paths to ClassAPI, common image and static
// asset extensions to ClassImage, and the rest to ClassOther.
func DefaultClassifier(req *http.Request) Class {
	path := strings.ToLower(req.URL.Path)
	if strings.HasPrefix(path, "/api/") {
		return ClassAPI
	}
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".css", ".js", ".woff", ".woff2"} {
		if strings.HasSuffix(path, ext) {
			return ClassImage
		}
	}
	if accept := req.Header.Get("Accept"); strings.HasPrefix(accept, "image/") {
		return ClassImage
	}
	return ClassOther
}

// RoundTrip implements http.RoundTripper. Only GET requests without an
// upgrade or range header are intercepted; everything else passes straight
// through to the network.
func (c *Cache) RoundTrip(req *http.Request) (*http.Response, error) {
	if !interceptable(req) {
		return c.next.RoundTrip(req)
	}
	class := c.classify(req)
	switch class {
	case ClassImage, ClassAPI:
		return c.cacheFirst(req, class)
	default:
		return c.networkFirst(req, class)
	}
}

func interceptable(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Upgrade") != "" || req.Header.Get("Range") != "" {
		return false
	}
	if strings.Contains(req.Header.Get("Cache-Control"), "no-store") {
		return false
	}
	return true
}

// cacheFirst serves from the store when possible, otherwise fetches and
// writes through on 200. A network failure after a miss re-checks the store
// so a concurrent fill can still answer.
func (c *Cache) cacheFirst(req *http.Request, class Class) (*http.Response, error) {
	if resp, ok := c.lookup(req); ok {
		metrics.EdgeCacheHits.WithLabelValues(string(class)).Inc()
		return resp, nil
	}
	metrics.EdgeCacheMisses.WithLabelValues(string(class)).Inc()
	resp, err := c.fetchAndStore(req)
	if err != nil {
		if stale, ok := c.lookup(req); ok {
			metrics.EdgeCacheStaleFallbacks.Inc()
			c.log.Debug().Str("url", req.URL.String()).Msg("network failed, serving cached response")
			return stale, nil
		}
		return nil, err
	}
	return resp, nil
}

// networkFirst prefers the live response and falls back to the store only
// when the network fails.
func (c *Cache) networkFirst(req *http.Request, class Class) (*http.Response, error) {
	resp, err := c.fetchAndStore(req)
	if err == nil {
		metrics.EdgeCacheMisses.WithLabelValues(string(class)).Inc()
		return resp, nil
	}
	if cached, ok := c.lookup(req); ok {
		metrics.EdgeCacheHits.WithLabelValues(string(class)).Inc()
		metrics.EdgeCacheStaleFallbacks.Inc()
		c.log.Debug().Str("url", req.URL.String()).Msg("network failed, serving cached response")
		return cached, nil
	}
	return nil, err
}

func (c *Cache) lookup(req *http.Request) (*http.Response, bool) {
	var stored storedResponse
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(req))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		return nil, false
	}
	header := stored.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Edge-Cache", "hit")
	return &http.Response{
		StatusCode:    stored.Status,
		Status:        http.StatusText(stored.Status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(stored.Body)),
		ContentLength: int64(len(stored.Body)),
		Request:       req,
	}, true
}

// fetchAndStore performs the network request and writes 200 responses with a
// bounded body through to the store. The returned response body is replaced
// with the buffered copy.
func (c *Cache) fetchAndStore(req *http.Request) (*http.Response, error) {
	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	if len(body) > maxBodyBytes {
		return resp, nil
	}
	stored := storedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		c.log.Debug().Err(err).Msg("encode cached response")
		return resp, nil
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.key(req), data)
	}); err != nil {
		// A store failure degrades to pass-through, never to a request
		// failure.
		c.log.Debug().Err(err).Msg("store cached response")
	}
	return resp, nil
}

// Precache warms the store with a fixed asset set. Individual failures are
// logged and skipped so one unreachable asset does not abort installation.
func (c *Cache) Precache(ctx context.Context, urls []string) {
	client := &http.Client{Transport: c, Timeout: 30 * time.Second}
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			c.log.Warn().Err(err).Str("url", u).Msg("precache request rejected")
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			c.log.Warn().Err(err).Str("url", u).Msg("precache fetch failed")
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// ClearAll drops the active namespace.
func (c *Cache) ClearAll() error {
	if err := c.db.DropPrefix([]byte(c.namespace())); err != nil {
		return fmt.Errorf("clear edge cache: %w", err)
	}
	return nil
}

// Stats reports entry count and total stored bytes for the active
// namespace.
func (c *Cache) Stats() (count int, bytes int64, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(c.namespace())
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
			bytes += it.Item().ValueSize()
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("edge cache stats: %w", err)
	}
	return count, bytes, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}
