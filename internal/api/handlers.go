// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xpertlabs/xpert/internal/blobstore"
	"github.com/xpertlabs/xpert/internal/cache"
	"github.com/xpertlabs/xpert/internal/edgecache"
	"github.com/xpertlabs/xpert/internal/models"
	"github.com/xpertlabs/xpert/internal/orchestrator"
	"github.com/xpertlabs/xpert/internal/prefetch"
	"github.com/xpertlabs/xpert/internal/producers"
	"github.com/xpertlabs/xpert/internal/websocket"
)

// SnapshotStore is the slice of the persister the API needs for cache
// maintenance.
type SnapshotStore interface {
	Clear() error
}

// Handler holds the dependencies shared by all HTTP handlers. hub, edge,
// persist, and warm may be nil; the corresponding features degrade to no-ops.
type Handler struct {
	svc     *orchestrator.Service
	cache   *cache.Cache
	blobs   *blobstore.Store
	persist SnapshotStore
	edge    *edgecache.Cache
	hub     *websocket.Hub
	warm    *prefetch.Scheduler
}

// NewHandler wires the handler set.
func NewHandler(svc *orchestrator.Service, c *cache.Cache, blobs *blobstore.Store, persist SnapshotStore, edge *edgecache.Cache, hub *websocket.Hub, warm *prefetch.Scheduler) *Handler {
	return &Handler{
		svc:     svc,
		cache:   c,
		blobs:   blobs,
		persist: persist,
		edge:    edge,
		hub:     hub,
		warm:    warm,
	}
}

// respondProducerError maps the producer error taxonomy onto HTTP statuses.
func respondProducerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, producers.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "not_found", "upstream resource not found", err)
	case errors.Is(err, producers.ErrValidation):
		respondError(w, r, http.StatusBadGateway, "generation_failed", "generated content failed validation", err)
	case errors.Is(err, producers.ErrUpstream):
		respondError(w, r, http.StatusBadGateway, "upstream_unavailable", "content generation upstream unavailable", err)
	case errors.Is(err, blobstore.ErrFetchFailed):
		respondError(w, r, http.StatusBadGateway, "blob_fetch_failed", "binary artifact fetch failed", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, r, http.StatusServiceUnavailable, "timeout", "request cancelled or timed out", err)
	default:
		respondError(w, r, http.StatusInternalServerError, "internal", "internal error", err)
	}
}

type handleRequest struct {
	Username string `json:"username" validate:"required,min=1,max=64"`
}

// LookupUser resolves a social handle to its profile and recent posts.
func (h *Handler) LookupUser(w http.ResponseWriter, r *http.Request) {
	var req handleRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	lookup, err := h.svc.LookupUser(r.Context(), req.Username)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, lookup)
}

// GenerateTopics infers the four expertise topics for a handle and warms the
// per-topic content breakdown for the first topics the user will open.
func (h *Handler) GenerateTopics(w http.ResponseWriter, r *http.Request) {
	var req handleRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	topics, err := h.svc.Topics(r.Context(), req.Username)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	h.warmContentTopics(topics.Topics)
	respondJSON(w, r, http.StatusOK, topics)
}

func (h *Handler) warmContentTopics(topics []models.Topic) {
	if h.warm == nil {
		return
	}
	tasks := make([]prefetch.Task, 0, len(topics))
	for _, topic := range topics {
		topic := topic
		tasks = append(tasks, prefetch.Task{
			Name: "content-topics:" + topic.ID,
			Run: func(ctx context.Context) error {
				_, err := h.svc.ContentTopics(ctx, topic)
				return err
			},
		})
	}
	h.warm.WarmSequence(tasks, -1)
}

// Profile assembles the full cached profile for a handle.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "username query parameter is required", nil)
		return
	}
	profile, err := h.svc.Profile(r.Context(), username)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, profile)
}

type contentTopicsRequest struct {
	Username string       `json:"username" validate:"required,min=1,max=64"`
	Topic    models.Topic `json:"topic"`
}

// GenerateContentTopics breaks one expertise topic into reading, audio, and
// video content topics, then speculatively warms the heavyweight artifacts
// behind them.
func (h *Handler) GenerateContentTopics(w http.ResponseWriter, r *http.Request) {
	var req contentTopicsRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Topic.ID == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "topic.id is required", nil)
		return
	}
	ct, err := h.svc.ContentTopics(r.Context(), req.Topic)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	h.warmArtifacts(req, ct)
	respondJSON(w, r, http.StatusOK, ct)
}

// warmArtifacts queues the reading article, podcast script, and slideshow for
// the freshly generated content topics. The window keeps this to the items
// the user is most likely to open next.
func (h *Handler) warmArtifacts(req contentTopicsRequest, ct *models.ContentTopics) {
	if h.warm == nil {
		return
	}
	base := producers.ContentRequest{
		Username:             req.Username,
		ExpertiseTopic:       req.Topic.Title,
		ExpertiseDescription: req.Topic.Description,
	}
	reading := base
	reading.Title = ct.Reading.Title
	reading.Description = ct.Reading.Description
	audio := base
	audio.Title = ct.Audio.Title
	audio.Description = ct.Audio.Description
	video := base
	video.Title = ct.Video.Title
	video.Description = ct.Video.Description

	tasks := []prefetch.Task{
		{Name: "reading:" + ct.Reading.ID, Run: func(ctx context.Context) error {
			_, err := h.svc.Reading(ctx, reading)
			return err
		}},
		{Name: "podcast-script:" + ct.Audio.ID, Run: func(ctx context.Context) error {
			_, err := h.svc.PodcastScript(ctx, audio)
			return err
		}},
		{Name: "slideshow:" + ct.Video.ID, Run: func(ctx context.Context) error {
			_, err := h.svc.Slideshow(ctx, video)
			return err
		}},
	}
	h.warm.WarmSequence(tasks, -1)
}

// GenerateQuiz produces the multiple-choice quiz for a content topic.
func (h *Handler) GenerateQuiz(w http.ResponseWriter, r *http.Request) {
	var req producers.ContentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	quiz, err := h.svc.Quiz(r.Context(), req)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, quiz)
}

// GenerateSlideshow produces the slide deck for a content topic.
func (h *Handler) GenerateSlideshow(w http.ResponseWriter, r *http.Request) {
	var req producers.ContentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	deck, err := h.svc.Slideshow(r.Context(), req)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, deck)
}

type topicRequest struct {
	Topic models.Topic `json:"topic"`
}

// GenerateMindmap produces the markdown mindmap for an expertise topic.
func (h *Handler) GenerateMindmap(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Topic.ID == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "topic.id is required", nil)
		return
	}
	mm, err := h.svc.Mindmap(r.Context(), req.Topic)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, mm)
}

// PodcastScript produces the two-host dialogue for a content topic. GET takes
// the request as query parameters so the script can be linked directly.
func (h *Handler) PodcastScript(w http.ResponseWriter, r *http.Request) {
	var req producers.ContentRequest
	if r.Method == http.MethodGet {
		ok := contentRequestFromQuery(w, r, &req)
		if !ok {
			return
		}
	} else if !decodeRequest(w, r, &req) {
		return
	}
	script, err := h.svc.PodcastScript(r.Context(), req)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, script)
}

// GeneratePodcastAudio synthesizes the podcast and returns a reference to
// the stored audio blob.
func (h *Handler) GeneratePodcastAudio(w http.ResponseWriter, r *http.Request) {
	var req producers.ContentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ref, err := h.svc.PodcastAudio(r.Context(), req)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, ref)
}

// GenerateImage produces the illustration for an expertise topic and returns
// a reference to the stored image blob.
func (h *Handler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Topic.ID == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "topic.id is required", nil)
		return
	}
	ref, err := h.svc.TopicImage(r.Context(), req.Topic)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, ref)
}

// Reading serves the full article as plain text. The orchestrator only ever
// caches complete streams, so the body is always the whole article.
func (h *Handler) Reading(w http.ResponseWriter, r *http.Request) {
	var req producers.ContentRequest
	if !contentRequestFromQuery(w, r, &req) {
		return
	}
	article, err := h.svc.Reading(r.Context(), req)
	if err != nil {
		respondProducerError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(article.Text)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(article.Text))
}

func contentRequestFromQuery(w http.ResponseWriter, r *http.Request, req *producers.ContentRequest) bool {
	q := r.URL.Query()
	req.Username = q.Get("username")
	req.ExpertiseTopic = q.Get("expertiseTopic")
	req.ExpertiseDescription = q.Get("expertiseDescription")
	req.Title = q.Get("title")
	req.Description = q.Get("description")
	if err := validate.Struct(req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "username, expertiseTopic, and title query parameters are required", err)
		return false
	}
	return true
}

// ServeBlob streams a stored binary artifact. Blobs are write-once, so the
// response is marked immutable.
func (h *Handler) ServeBlob(w http.ResponseWriter, r *http.Request) {
	blobID := chi.URLParam(r, "blobID")
	rec, err := h.blobs.GetByID(blobID)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "not_found", "blob not found", err)
			return
		}
		respondError(w, r, http.StatusInternalServerError, "internal", "blob read failed", err)
		return
	}
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", fmt.Sprintf("%q", rec.ID))
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Payload)
}

// ClearCache drops every tier: memory, snapshot, blobs, and the edge cache.
// Connected clients are told so they can refetch.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.cache.Clear()

	var failed error
	if h.persist != nil {
		if err := h.persist.Clear(); err != nil {
			failed = fmt.Errorf("snapshot clear: %w", err)
		}
	}
	if h.blobs != nil {
		if err := h.blobs.Clear(); err != nil && failed == nil {
			failed = fmt.Errorf("blob clear: %w", err)
		}
	}
	if h.edge != nil {
		if err := h.edge.ClearAll(); err != nil && failed == nil {
			failed = fmt.Errorf("edge cache clear: %w", err)
		}
	}
	if failed != nil {
		respondError(w, r, http.StatusInternalServerError, "clear_failed", "cache clear incomplete", failed)
		return
	}

	// An emptied snapshot tier has room again, so mirroring can resume.
	h.svc.ResetDegraded()

	if h.hub != nil {
		h.hub.BroadcastCacheCleared()
	}
	respondJSON(w, r, http.StatusOK, map[string]bool{"cleared": true})
}

// cacheStats is the GET /cache/stats payload.
type cacheStats struct {
	Entries   int   `json:"entries"`
	BlobCount int   `json:"blobCount"`
	BlobBytes int64 `json:"blobBytes"`
	EdgeCount int   `json:"edgeCount"`
	EdgeBytes int64 `json:"edgeBytes"`
	Degraded  bool  `json:"degraded"`
}

// CacheStats reports per-tier occupancy.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats := cacheStats{
		Entries:  h.cache.Len(),
		Degraded: h.svc.Degraded(),
	}
	if h.blobs != nil {
		count, bytes, err := h.blobs.Size()
		if err != nil {
			respondError(w, r, http.StatusInternalServerError, "internal", "blob stats failed", err)
			return
		}
		stats.BlobCount, stats.BlobBytes = count, bytes
	}
	if h.edge != nil {
		count, bytes, err := h.edge.Stats()
		if err != nil {
			respondError(w, r, http.StatusInternalServerError, "internal", "edge cache stats failed", err)
			return
		}
		stats.EdgeCount, stats.EdgeBytes = count, bytes
	}
	respondJSON(w, r, http.StatusOK, stats)
}

// Health reports liveness and whether snapshot persistence has degraded to
// memory-only mode.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"degraded": h.svc.Degraded(),
	})
}
