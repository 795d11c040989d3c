// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package blobstore provides durable, asynchronous storage for binary
// artifacts (generated images and synthesized audio) on BadgerDB.
//
// Records are keyed by a logical content id and indexed by source URL: the
// URL acts as a uniqueness constraint, so fetching the same URL under two
// different ids performs exactly one network download. Records are written
// only after the full payload is retrieved; there are no partial records.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/xpertlabs/xpert/internal/metrics"
)

// Key prefixes for BadgerDB storage.
const (
	metaKeyPrefix = "blob_meta:"
	dataKeyPrefix = "blob_data:"
	urlKeyPrefix  = "blob_url:"
)

// ErrNotFound indicates no record exists for the requested id or URL.
var ErrNotFound = errors.New("blobstore: record not found")

// ErrFetchFailed indicates the network fetch for a payload did not succeed.
// No record is written on this failure.
var ErrFetchFailed = errors.New("blobstore: fetch failed")

// Record is one stored binary artifact.
type Record struct {
	ID          string            `json:"id"`
	SourceURL   string            `json:"sourceUrl"`
	ContentType string            `json:"contentType,omitempty"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"createdAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Payload is the binary content. Stored under its own key so metadata
	// scans never load payload bytes.
	Payload []byte `json:"-"`
}

// Store is a BadgerDB-backed blob store. Safe for concurrent use;
// last-writer-wins per id.
type Store struct {
	db     *badger.DB
	client *http.Client
}

// Open opens or creates the blob database at dir. Initialization is
// open-or-create and safe to repeat.
func Open(dir string, client *http.Client) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob database: %w", err)
	}
	return NewStore(db, client), nil
}

// OpenInMemory creates a store with no durable backing. Used in tests.
func OpenInMemory(client *http.Client) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory blob database: %w", err)
	}
	return NewStore(db, client), nil
}

// NewStore wraps an existing Badger handle.
func NewStore(db *badger.DB, client *http.Client) *Store {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Store{db: db, client: client}
}

func urlKey(sourceURL string) []byte {
	sum := sha256.Sum256([]byte(sourceURL))
	return []byte(urlKeyPrefix + fmt.Sprintf("%x", sum[:16]))
}

// Put stores a record, overwriting any existing record with the same id.
// The metadata, payload, and URL index are written in one transaction so a
// record is never visible half-written.
func (s *Store) Put(id, sourceURL string, payload []byte, metadata map[string]string) error {
	return s.put(&Record{
		ID:        id,
		SourceURL: sourceURL,
		Size:      int64(len(payload)),
		CreatedAt: time.Now(),
		Metadata:  metadata,
		Payload:   payload,
	})
}

func (s *Store) put(rec *Record) error {
	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal blob metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(metaKeyPrefix+rec.ID), meta); err != nil {
			return fmt.Errorf("set blob metadata: %w", err)
		}
		if err := txn.Set([]byte(dataKeyPrefix+rec.ID), rec.Payload); err != nil {
			return fmt.Errorf("set blob payload: %w", err)
		}
		if rec.SourceURL != "" {
			if err := txn.Set(urlKey(rec.SourceURL), []byte(rec.ID)); err != nil {
				return fmt.Errorf("set blob url index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.updateSizeGauge()
	return nil
}

// GetByID retrieves a record and its payload by logical id.
func (s *Store) GetByID(id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getByID(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func getByID(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get([]byte(metaKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob metadata: %w", err)
	}

	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode blob metadata: %w", err)
	}

	dataItem, err := txn.Get([]byte(dataKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob payload: %w", err)
	}
	rec.Payload, err = dataItem.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("copy blob payload: %w", err)
	}
	return &rec, nil
}

// GetBySourceURL retrieves the record stored for sourceURL, if any. Used to
// avoid re-downloading content already fetched under a different logical id.
func (s *Store) GetBySourceURL(sourceURL string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(urlKey(sourceURL))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get blob url index: %w", err)
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy blob url index: %w", err)
		}
		rec, err = getByID(txn, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record by id. Removing a missing id is a no-op.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getByID(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(metaKeyPrefix + id)); err != nil {
			return fmt.Errorf("delete blob metadata: %w", err)
		}
		if err := txn.Delete([]byte(dataKeyPrefix + id)); err != nil {
			return fmt.Errorf("delete blob payload: %w", err)
		}
		if rec.SourceURL != "" {
			if err := txn.Delete(urlKey(rec.SourceURL)); err != nil {
				return fmt.Errorf("delete blob url index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.updateSizeGauge()
	return nil
}

// Clear removes every record.
func (s *Store) Clear() error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("clear blob store: %w", err)
	}
	metrics.BlobBytes.Set(0)
	return nil
}

// Size reports the number of records and the total payload bytes.
func (s *Store) Size() (count int, bytes int64, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode blob metadata: %w", err)
			}
			count++
			bytes += rec.Size
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return count, bytes, nil
}

// FetchAndCache returns the stored record for sourceURL when one exists,
// performing no network access. Otherwise it downloads the payload, stores
// it keyed by id with sourceURL as the uniqueness index, and returns the new
// record. Returns ErrFetchFailed when the download does not succeed; nothing
// is written in that case.
func (s *Store) FetchAndCache(ctx context.Context, id, sourceURL string) (*Record, error) {
	if rec, err := s.GetBySourceURL(sourceURL); err == nil {
		metrics.BlobDedupeHits.Inc()
		return rec, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	payload, contentType, err := s.fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	metrics.BlobFetches.Inc()

	rec := &Record{
		ID:          id,
		SourceURL:   sourceURL,
		ContentType: contentType,
		Size:        int64(len(payload)),
		CreatedAt:   time.Now(),
		Payload:     payload,
	}
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// fetch retrieves the payload for sourceURL. Image producers may hand back
// data URIs; those decode locally without network access.
func (s *Store) fetch(ctx context.Context, sourceURL string) (payload []byte, contentType string, err error) {
	if strings.HasPrefix(sourceURL, "data:") {
		return decodeDataURI(sourceURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}
	payload, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return payload, resp.Header.Get("Content-Type"), nil
}

func decodeDataURI(uri string) (payload []byte, contentType string, err error) {
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("%w: malformed data URI", ErrFetchFailed)
	}
	header, data := rest[:comma], rest[comma+1:]

	if strings.HasSuffix(header, ";base64") {
		contentType = strings.TrimSuffix(header, ";base64")
		payload, err = base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid base64 data URI", ErrFetchFailed)
		}
		return payload, contentType, nil
	}
	return []byte(data), header, nil
}

func (s *Store) updateSizeGauge() {
	if _, bytes, err := s.Size(); err == nil {
		metrics.BlobBytes.Set(float64(bytes))
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
