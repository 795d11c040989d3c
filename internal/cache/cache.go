// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package cache implements the in-memory query cache: the authoritative,
// process-lifetime source of truth for generated-artifact state.
//
// Every artifact is identified by a fingerprint and moves through a small
// state machine: pending -> resolved | errored. Resolved entries are
// write-once and permanent; errored entries stay queryable and may be
// superseded by a retry. Concurrent Resolve calls for the same fingerprint
// coalesce onto a single producer invocation.
//
// There is deliberately no TTL and no background sweep: generated content is
// treated as permanently valid, and the only eviction is the explicit Clear
// operation. A user never silently loses content an expensive model call
// already paid for.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/xpertlabs/xpert/internal/fingerprint"
	"github.com/xpertlabs/xpert/internal/metrics"
)

// Status is the lifecycle state of a cache entry.
type Status string

const (
	// StatusPending means a producer call is in flight for this fingerprint.
	StatusPending Status = "pending"
	// StatusResolved means the artifact is generated and immutable.
	StatusResolved Status = "resolved"
	// StatusErrored means the last producer call failed; a later Resolve may
	// retry and supersede this state.
	StatusErrored Status = "errored"
)

// Producer generates the artifact for one fingerprint. It is invoked at most
// once per in-flight resolution, regardless of how many callers are waiting.
type Producer func(ctx context.Context) (interface{}, error)

// Entry is a point-in-time copy of one cache entry's state.
type Entry struct {
	Fingerprint    fingerprint.Fingerprint
	Status         Status
	Value          interface{}
	Err            error
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// flight is one producer invocation. Its outcome is recorded before done is
// closed, so waiters read a settled result even if the entry is superseded
// by a retry immediately afterwards.
type flight struct {
	done  chan struct{}
	value interface{}
	err   error
}

// entry is the internal mutable record.
type entry struct {
	fp             fingerprint.Fingerprint
	status         Status
	value          interface{}
	err            error
	createdAt      time.Time
	lastAccessedAt time.Time
	inflight       *flight
}

func (e *entry) snapshot() Entry {
	return Entry{
		Fingerprint:    e.fp,
		Status:         e.status,
		Value:          e.value,
		Err:            e.err,
		CreatedAt:      e.createdAt,
		LastAccessedAt: e.lastAccessedAt,
	}
}

// Subscriber receives entry state transitions. Callbacks run off the
// resolution path; each subscriber observes the transitions of a fingerprint
// in the order they happened, with no ordering across fingerprints.
type Subscriber func(Entry)

// subscription carries one subscriber's ordered delivery queue. Transitions
// are enqueued under the cache lock, so the queue order matches the entry's
// state-machine order; a single drain goroutine runs the callback FIFO.
type subscription struct {
	mu      sync.Mutex
	fn      Subscriber
	queue   []Entry
	running bool
}

func (s *subscription) deliver(transition Entry) {
	s.mu.Lock()
	s.queue = append(s.queue, transition)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.fn(next)
	}
}

// Cache is the in-memory query cache. Constructed once at startup and shared
// for the process lifetime; safe for concurrent use.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	subscribers map[string]map[int]*subscription
	globalSubs  map[int]*subscription
	nextSubID   int
}

// New creates an empty query cache.
func New() *Cache {
	return &Cache{
		entries:     make(map[string]*entry),
		subscribers: make(map[string]map[int]*subscription),
		globalSubs:  make(map[int]*subscription),
	}
}

// Get returns a copy of the entry for fp, if one exists. The second return
// distinguishes "never requested" from a resolved entry with an empty value.
func (c *Cache) Get(fp fingerprint.Fingerprint) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[fp.Key()]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Resolve returns the artifact for fp, invoking producer only when no
// resolved entry and no in-flight call exists.
//
// Behavior by current state:
//   - resolved: the stored value is returned immediately; producer is never
//     invoked again for this fingerprint.
//   - pending: the caller joins the in-flight call and receives the same
//     settled outcome as every other waiter.
//   - errored or absent: a new flight starts and producer is invoked exactly
//     once for it.
//
// The producer runs with the initiating caller's context; waiters that
// cancel their own context stop waiting without affecting the flight.
func (c *Cache) Resolve(ctx context.Context, fp fingerprint.Fingerprint, producer Producer) (interface{}, error) {
	key := fp.Key()
	kind := fp.Kind()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		switch e.status {
		case StatusResolved:
			e.lastAccessedAt = time.Now()
			value := e.value
			c.mu.Unlock()
			metrics.CacheHits.WithLabelValues(kind).Inc()
			return value, nil

		case StatusPending:
			fl := e.inflight
			c.mu.Unlock()
			metrics.CacheCoalesced.WithLabelValues(kind).Inc()
			return fl.wait(ctx)
		}
		// errored: fall through and start a retry flight.
	}

	if e == nil {
		now := time.Now()
		e = &entry{fp: fp, createdAt: now, lastAccessedAt: now}
		c.entries[key] = e
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	fl := &flight{done: make(chan struct{})}
	e.status = StatusPending
	e.err = nil
	e.inflight = fl
	c.notifyLocked(key, e.snapshot())
	c.mu.Unlock()

	metrics.CacheMisses.WithLabelValues(kind).Inc()

	value, err := producer(ctx)

	fl.value = value
	fl.err = err

	c.mu.Lock()
	// The entry may have been cleared while the producer ran; waiters still
	// observe the outcome through the flight record.
	e, ok = c.entries[key]
	if !ok || e.inflight != fl {
		c.mu.Unlock()
		close(fl.done)
		return value, err
	}
	if err != nil {
		e.status = StatusErrored
		e.err = err
	} else {
		e.status = StatusResolved
		e.value = value
		e.err = nil
	}
	e.lastAccessedAt = time.Now()
	e.inflight = nil
	c.notifyLocked(key, e.snapshot())
	c.mu.Unlock()

	close(fl.done)
	return value, err
}

// wait blocks until the flight settles or the waiter's context ends.
func (fl *flight) wait(ctx context.Context) (interface{}, error) {
	select {
	case <-fl.done:
		return fl.value, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers fn for every status transition of fp. The returned
// function cancels the subscription.
func (c *Cache) Subscribe(fp fingerprint.Fingerprint, fn Subscriber) func() {
	key := fp.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	subs, ok := c.subscribers[key]
	if !ok {
		subs = make(map[int]*subscription)
		c.subscribers[key] = subs
	}
	id := c.nextSubID
	c.nextSubID++
	subs[id] = &subscription{fn: fn}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if subs, ok := c.subscribers[key]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(c.subscribers, key)
			}
		}
	}
}

// SubscribeAll registers fn for every status transition of every entry. Used
// by the push layer, which fans transitions out to connected clients.
func (c *Cache) SubscribeAll(fn Subscriber) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.globalSubs[id] = &subscription{fn: fn}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.globalSubs, id)
	}
}

// notifyLocked enqueues a transition for every matching subscriber. It only
// appends to delivery queues, so holding c.mu here never runs subscriber
// code under the lock; the enqueue order is the state-machine order.
func (c *Cache) notifyLocked(key string, transition Entry) {
	for _, sub := range c.subscribers[key] {
		sub.deliver(transition)
	}
	for _, sub := range c.globalSubs {
		sub.deliver(transition)
	}
}

// Clear removes every entry. This is the only eviction path; it exists for
// the explicit user-facing "clear everything" action.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	metrics.CacheEntries.Set(0)
}
