// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package orchestrator implements the fetch-and-cache recipe shared by every
// content kind: fingerprint the request, resolve through the write-once
// cache, mirror JSON results into the persistent snapshot, and route binary
// results into the blob store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xpertlabs/xpert/internal/blobstore"
	"github.com/xpertlabs/xpert/internal/cache"
	"github.com/xpertlabs/xpert/internal/fingerprint"
	"github.com/xpertlabs/xpert/internal/logging"
	"github.com/xpertlabs/xpert/internal/metrics"
	"github.com/xpertlabs/xpert/internal/models"
	"github.com/xpertlabs/xpert/internal/persister"
	"github.com/xpertlabs/xpert/internal/producers"
)

// Fingerprint kinds. These are the first tuple element of every cache key;
// changing one orphans previously persisted entries of that kind.
const (
	KindUserLookup    = "user_lookup"
	KindTopics        = "topics"
	KindContentTopics = "content_topics"
	KindReading       = "reading"
	KindQuiz          = "quiz"
	KindSlideshow     = "slideshow"
	KindMindmap       = "mindmap"
	KindPodcastScript = "podcast_script"
	KindTopicImage    = "topic_image"
	KindPodcastAudio  = "podcast_audio"
)

// Persister is the slice of the snapshot store the orchestrator needs.
type Persister interface {
	Save(cache.Snapshot) error
}

// BlobRef is the JSON-tier stand-in for a binary artifact. The bytes live in
// the blob store; the cache and snapshot only carry this reference.
type BlobRef struct {
	BlobID      string `json:"blobId"`
	SourceURL   string `json:"sourceUrl,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

// View is the consumer-facing read of one artifact's state.
type View struct {
	Value     interface{}
	IsLoading bool
	Err       error
}

// Service wires the cache, stores, and producer clients into per-kind
// operations. Identical inputs after a success never re-trigger a producer.
type Service struct {
	cache   *cache.Cache
	blobs   *blobstore.Store
	clients *producers.Client
	log     zerolog.Logger

	mu       sync.Mutex
	persist  Persister
	degraded bool
}

// New builds a Service. persist may be nil for memory-only operation.
func New(c *cache.Cache, persist Persister, blobs *blobstore.Store, clients *producers.Client) *Service {
	return &Service{
		cache:   c,
		blobs:   blobs,
		clients: clients,
		persist: persist,
		log:     logging.With().Str("component", "orchestrator").Logger(),
	}
}

// Peek reports an artifact's state without triggering resolution.
func (s *Service) Peek(fp fingerprint.Fingerprint) View {
	e, ok := s.cache.Get(fp)
	if !ok {
		return View{IsLoading: false}
	}
	switch e.Status {
	case cache.StatusPending:
		return View{IsLoading: true}
	case cache.StatusErrored:
		return View{Err: e.Err}
	default:
		return View{Value: e.Value}
	}
}

// resolve runs the shared recipe and mirrors the snapshot only when the
// producer actually executed, so cache hits stay read-only.
func (s *Service) resolve(ctx context.Context, fp fingerprint.Fingerprint, producer cache.Producer) (interface{}, error) {
	produced := false
	v, err := s.cache.Resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		produced = true
		return producer(ctx)
	})
	if err != nil {
		return nil, err
	}
	if produced {
		s.mirror()
	}
	return v, nil
}

// mirror saves the full resolved snapshot. A quota failure flips the service
// into memory-only mode for the rest of the process; resolution itself is
// never failed by persistence.
func (s *Service) mirror() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist == nil || s.degraded {
		return
	}
	snap := s.cache.Snapshot()
	if err := s.persist.Save(snap); err != nil {
		if errors.Is(err, persister.ErrQuotaExceeded) {
			// The persister already counted the quota failure.
			s.degraded = true
			s.log.Warn().Err(err).Msg("snapshot quota exceeded, continuing memory-only")
			return
		}
		s.log.Debug().Err(err).Msg("snapshot save failed")
		return
	}
	metrics.SnapshotWrites.Inc()
}

// Degraded reports whether snapshot mirroring has been disabled by a quota
// failure.
func (s *Service) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// ResetDegraded re-enables snapshot mirroring. Called after the snapshot
// tier has been cleared, which removes the quota pressure that tripped it.
func (s *Service) ResetDegraded() {
	s.mu.Lock()
	s.degraded = false
	s.mu.Unlock()
}

// LookupUser resolves a handle to its profile and recent posts.
func (s *Service) LookupUser(ctx context.Context, username string) (*models.UserLookup, error) {
	username = normalizeHandle(username)
	fp := fingerprint.FromParams(KindUserLookup, map[string]string{"username": username})
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		return s.clients.LookupUser(ctx, username)
	})
	if err != nil {
		return nil, err
	}
	var out models.UserLookup
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Topics generates the four expertise topics for a handle. Topic ids are
// minted exactly once here, at first resolution; hydrated and cached entries
// keep the ids they were created with.
func (s *Service) Topics(ctx context.Context, username string) (*models.TopicsWithProfile, error) {
	username = normalizeHandle(username)
	fp := fingerprint.FromParams(KindTopics, map[string]string{"username": username})
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		lookup, err := s.LookupUser(ctx, username)
		if err != nil {
			return nil, err
		}
		topics, err := s.clients.GenerateTopics(ctx, lookup)
		if err != nil {
			return nil, err
		}
		for i := range topics.Topics {
			topics.Topics[i].ID = models.NewTopicID(topics.Topics[i].Title)
		}
		return topics, nil
	})
	if err != nil {
		return nil, err
	}
	var out models.TopicsWithProfile
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile assembles the visitor-facing learning profile from the lookup and
// topic artifacts.
func (s *Service) Profile(ctx context.Context, username string) (*models.Profile, error) {
	lookup, err := s.LookupUser(ctx, username)
	if err != nil {
		return nil, err
	}
	topics, err := s.Topics(ctx, username)
	if err != nil {
		return nil, err
	}
	return &models.Profile{
		ID:                 lookup.User.ID,
		Handle:             lookup.User.Username,
		Name:               lookup.User.Name,
		Bio:                lookup.User.Bio,
		AvatarURL:          lookup.User.AvatarURL,
		ProfileDescription: topics.ProfileDescription,
		Topics:             topics.Topics,
	}, nil
}

// ContentTopics expands one expertise topic into reading, audio, and video
// content topics, fingerprinted by the stable topic id.
func (s *Service) ContentTopics(ctx context.Context, topic models.Topic) (*models.ContentTopics, error) {
	fp := fingerprint.FromParams(KindContentTopics, map[string]string{"topicId": topic.ID})
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		ct, err := s.clients.GenerateContentTopics(ctx, topic.Title, topic.Description)
		if err != nil {
			return nil, err
		}
		ct.Reading.ID = models.NewTopicID(ct.Reading.Title)
		ct.Audio.ID = models.NewTopicID(ct.Audio.Title)
		ct.Video.ID = models.NewTopicID(ct.Video.Title)
		return ct, nil
	})
	if err != nil {
		return nil, err
	}
	var out models.ContentTopics
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reading streams a reading article to completion and caches only the full
// text. An abandoned or truncated stream leaves the entry errored and
// retryable, never a partial article.
func (s *Service) Reading(ctx context.Context, req producers.ContentRequest) (*models.Reading, error) {
	fp := contentFingerprint(KindReading, req)
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		body, err := s.clients.StreamReading(ctx, req)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		text, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading: stream interrupted: %v", producers.ErrUpstream, err)
		}
		if len(text) == 0 {
			return nil, fmt.Errorf("%w: reading: empty article", producers.ErrValidation)
		}
		return &models.Reading{Text: string(text)}, nil
	})
	if err != nil {
		return nil, err
	}
	var out models.Reading
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Quiz generates and caches an 8-12 question quiz.
func (s *Service) Quiz(ctx context.Context, req producers.ContentRequest) (*models.Quiz, error) {
	fp := contentFingerprint(KindQuiz, req)
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		return s.clients.GenerateQuiz(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	var out models.Quiz
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Slideshow generates and caches a ten-slide slideshow. Slide ids are minted
// once at first resolution.
func (s *Service) Slideshow(ctx context.Context, req producers.ContentRequest) (*models.Slideshow, error) {
	fp := contentFingerprint(KindSlideshow, req)
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		show, err := s.clients.GenerateSlideshow(ctx, req)
		if err != nil {
			return nil, err
		}
		for i := range show.Slides {
			show.Slides[i].ID = models.NewTopicID(show.Slides[i].Title)
		}
		return show, nil
	})
	if err != nil {
		return nil, err
	}
	var out models.Slideshow
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Mindmap generates and caches a markdown mindmap for one expertise topic.
func (s *Service) Mindmap(ctx context.Context, topic models.Topic) (*models.Mindmap, error) {
	fp := fingerprint.FromParams(KindMindmap, map[string]string{"topicId": topic.ID})
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		return s.clients.GenerateMindmap(ctx, topic.Title, topic.Description)
	})
	if err != nil {
		return nil, err
	}
	var out models.Mindmap
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PodcastScript generates and caches a trimmed two-host script.
func (s *Service) PodcastScript(ctx context.Context, req producers.ContentRequest) (*models.PodcastScript, error) {
	fp := contentFingerprint(KindPodcastScript, req)
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		return s.clients.GeneratePodcastScript(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	var out models.PodcastScript
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TopicImage generates a topic's illustration and stores the bytes in the
// blob store, deduplicated by source URL. The cache carries only a BlobRef.
func (s *Service) TopicImage(ctx context.Context, topic models.Topic) (*BlobRef, error) {
	fp := fingerprint.FromParams(KindTopicImage, map[string]string{"topicId": topic.ID})
	blobID := "img-" + topic.ID
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		url, err := s.clients.GenerateImage(ctx, topic.ImagePrompt)
		if err != nil {
			return nil, err
		}
		rec, err := s.blobs.FetchAndCache(ctx, blobID, url)
		if err != nil {
			return nil, fmt.Errorf("%w: image: %v", producers.ErrUpstream, err)
		}
		return blobRefFor(rec), nil
	})
	if err != nil {
		return nil, err
	}
	var out BlobRef
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PodcastAudio synthesizes the audio for a podcast script, resolving the
// script artifact first so both share the write-once guarantee.
func (s *Service) PodcastAudio(ctx context.Context, req producers.ContentRequest) (*BlobRef, error) {
	fp := contentFingerprint(KindPodcastAudio, req)
	v, err := s.resolve(ctx, fp, func(ctx context.Context) (interface{}, error) {
		script, err := s.PodcastScript(ctx, req)
		if err != nil {
			return nil, err
		}
		data, err := s.clients.SynthesizeAudio(ctx, script)
		if err != nil {
			return nil, err
		}
		blobID := "audio-" + fp.Parts()[1]
		meta := map[string]string{"contentType": "audio/mpeg"}
		if err := s.blobs.Put(blobID, "", data, meta); err != nil {
			return nil, fmt.Errorf("store podcast audio: %w", err)
		}
		return &BlobRef{BlobID: blobID, ContentType: "audio/mpeg", Size: int64(len(data))}, nil
	})
	if err != nil {
		return nil, err
	}
	var out BlobRef
	if err := cache.Decode(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Blob returns the stored bytes for a BlobRef.
func (s *Service) Blob(ref BlobRef) (*blobstore.Record, error) {
	return s.blobs.GetByID(ref.BlobID)
}

// blobRefFor strips data URIs out of the reference so snapshots never carry
// megabytes of base64 back into the JSON tier.
func blobRefFor(rec *blobstore.Record) *BlobRef {
	ref := &BlobRef{
		BlobID:      rec.ID,
		ContentType: rec.ContentType,
		Size:        rec.Size,
	}
	if !strings.HasPrefix(rec.SourceURL, "data:") {
		ref.SourceURL = rec.SourceURL
	}
	return ref
}

// contentFingerprint builds the deterministic fingerprint for the per-medium
// content generators from the request's identifying fields only.
func contentFingerprint(kind string, req producers.ContentRequest) fingerprint.Fingerprint {
	return fingerprint.FromParams(kind, map[string]string{
		"username": normalizeHandle(req.Username),
		"topic":    req.ExpertiseTopic,
		"title":    req.Title,
	})
}

func normalizeHandle(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}
