// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Command server runs the Xpert API: a write-once content cache in front of
// the generation producers, with snapshot persistence, a blob store for
// binary artifacts, an intercepting edge cache, speculative prefetch, and a
// websocket feed of artifact transitions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/xpertlabs/xpert/internal/api"
	"github.com/xpertlabs/xpert/internal/blobstore"
	"github.com/xpertlabs/xpert/internal/cache"
	"github.com/xpertlabs/xpert/internal/config"
	"github.com/xpertlabs/xpert/internal/edgecache"
	"github.com/xpertlabs/xpert/internal/events"
	"github.com/xpertlabs/xpert/internal/logging"
	"github.com/xpertlabs/xpert/internal/orchestrator"
	"github.com/xpertlabs/xpert/internal/persister"
	"github.com/xpertlabs/xpert/internal/prefetch"
	"github.com/xpertlabs/xpert/internal/producers"
	"github.com/xpertlabs/xpert/internal/supervisor"
	"github.com/xpertlabs/xpert/internal/websocket"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.With().Str("component", "main").Logger()
	log.Info().Str("version", version).Msg("starting xpert")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The edge cache intercepts outbound artifact fetches when enabled;
	// otherwise the blob store talks to the network directly.
	fetchClient := &http.Client{Timeout: cfg.Producers.Timeout}
	var edge *edgecache.Cache
	if cfg.EdgeCache.Enabled {
		edge, err = edgecache.Open(cfg.EdgeCache.Dir, cfg.EdgeCache.Version)
		if err != nil {
			return fmt.Errorf("open edge cache: %w", err)
		}
		defer edge.Close()
		fetchClient.Transport = edge
		log.Info().Int("version", cfg.EdgeCache.Version).Msg("edge cache active")
	}

	blobs, err := blobstore.Open(cfg.Blobstore.Dir, fetchClient)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	c := cache.New()

	var persist orchestrator.Persister
	var snaps api.SnapshotStore
	if cfg.Persister.Enabled {
		store, err := persister.Open(cfg.Persister.Dir, cfg.Persister.MaxBytes)
		if err != nil {
			return fmt.Errorf("open persister: %w", err)
		}
		defer store.Close()

		snap, err := store.Load()
		if err != nil {
			log.Warn().Err(err).Msg("snapshot load failed, starting cold")
		} else if n := c.Hydrate(snap); n > 0 {
			log.Info().Int("entries", n).Msg("cache hydrated from snapshot")
		}
		persist = store
		snaps = store
	}

	clients := producers.NewClient(producers.Options{
		BaseURL:   cfg.Producers.BaseURL,
		Timeout:   cfg.Producers.Timeout,
		RateLimit: cfg.Producers.RateLimit,
		Burst:     cfg.Producers.Burst,
	})
	svc := orchestrator.New(c, persist, blobs, clients)

	bus := events.NewBus()
	detach := bus.AttachCache(c)
	defer func() {
		detach()
		bus.Close()
	}()
	hub := websocket.NewHub(bus)

	var warm *prefetch.Scheduler
	if cfg.Prefetch.Enabled {
		warm = prefetch.New(
			prefetch.WithWindow(cfg.Prefetch.Window),
			prefetch.WithTaskTimeout(cfg.Prefetch.TaskTimeout),
		)
	}

	handler := api.NewHandler(svc, c, blobs, snaps, edge, hub, warm)
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           api.Router(handler, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	if warm != nil {
		tree.AddWorker(warm)
	}
	tree.AddMessagingService(hub)
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))

	if edge != nil && len(cfg.EdgeCache.Precache) > 0 {
		go edge.Precache(ctx, cfg.EdgeCache.Precache)
	}

	log.Info().Str("addr", server.Addr).Msg("listening")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}
