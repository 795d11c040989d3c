// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package api exposes the learning-profile pipeline over HTTP. Every
// generation endpoint funnels through the orchestrator, so repeated requests
// for the same artifact are served from the write-once cache.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xpertlabs/xpert/internal/config"
)

// Router builds the chi handler tree for the given Handler and server
// configuration.
func Router(h *Handler, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger())
	r.Use(HTTPMetrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "ETag"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	rateReqs := cfg.RateLimitReqs
	if rateReqs <= 0 {
		rateReqs = 120
	}
	rateWindow := cfg.RateLimitWindow
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rateReqs, rateWindow))

		r.Get("/health", h.Health)

		r.Post("/users/lookup", h.LookupUser)
		r.Post("/topics/generate", h.GenerateTopics)
		r.Get("/profile", h.Profile)
		r.Post("/content/generate", h.GenerateContentTopics)

		r.Post("/quiz/generate", h.GenerateQuiz)
		r.Post("/slideshow/generate", h.GenerateSlideshow)
		r.Post("/mindmap/generate", h.GenerateMindmap)
		r.Get("/podcast/script", h.PodcastScript)
		r.Post("/podcast/script", h.PodcastScript)
		r.Post("/podcast/audio", h.GeneratePodcastAudio)
		r.Post("/image/generate", h.GenerateImage)
		r.Get("/reading", h.Reading)

		r.Get("/blobs/{blobID}", h.ServeBlob)

		// Maintenance endpoints get a tighter limit; Clear is the only
		// way content ever leaves the cache.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(10, time.Minute))
			r.Post("/cache/clear", h.ClearCache)
			r.Get("/cache/stats", h.CacheStats)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	if h.hub != nil {
		r.Get("/ws", h.hub.ServeHTTP)
	}

	return r
}
