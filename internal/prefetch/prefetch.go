// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package prefetch warms upcoming artifacts ahead of the user's position in
// a sequence. Warming always goes through the orchestrator, so a speculative
// fetch and a real request for the same artifact coalesce into one producer
// call. Failures are swallowed: prefetch may waste work but never surfaces
// an error or blocks the request path.
package prefetch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xpertlabs/xpert/internal/logging"
	"github.com/xpertlabs/xpert/internal/metrics"
)

// DefaultWindow is how many items past the current position are warmed.
const DefaultWindow = 2

// Task resolves one artifact. Tasks are built by the caller as closures over
// orchestrator methods so the scheduler stays ignorant of content kinds.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler queues speculative resolutions and drains them on a single
// worker goroutine hosted by the supervision tree.
type Scheduler struct {
	window      int
	taskTimeout time.Duration
	queue       chan Task
	log         zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWindow sets how many upcoming items WarmSequence schedules.
func WithWindow(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithTaskTimeout bounds each speculative resolution.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

// New builds a Scheduler with the default window of two upcoming items.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		window:      DefaultWindow,
		taskTimeout: 2 * time.Minute,
		queue:       make(chan Task, 64),
		log:         logging.With().Str("component", "prefetch").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the configured look-ahead size.
func (s *Scheduler) Window() int {
	return s.window
}

// WarmSequence schedules the items after current, up to the window, and
// returns how many were enqueued. It never blocks: when the queue is full
// the remaining items are dropped and will be fetched on demand instead.
func (s *Scheduler) WarmSequence(tasks []Task, current int) int {
	enqueued := 0
	for i := current + 1; i <= current+s.window && i < len(tasks); i++ {
		select {
		case s.queue <- tasks[i]:
			metrics.PrefetchScheduled.Inc()
			enqueued++
		default:
			s.log.Debug().Str("task", tasks[i].Name).Msg("prefetch queue full, dropping")
			return enqueued
		}
	}
	return enqueued
}

// Enqueue schedules a single task, subject to the same non-blocking rule.
func (s *Scheduler) Enqueue(task Task) bool {
	select {
	case s.queue <- task:
		metrics.PrefetchScheduled.Inc()
		return true
	default:
		s.log.Debug().Str("task", task.Name).Msg("prefetch queue full, dropping")
		return false
	}
}

// Serve drains the queue until ctx is cancelled. It satisfies
// suture.Service; a panic in a task is contained by the supervisor restart.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.log.Info().Int("window", s.window).Msg("prefetch worker started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("prefetch worker stopping")
			return ctx.Err()
		case task := <-s.queue:
			s.run(ctx, task)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()
	if err := task.Run(taskCtx); err != nil {
		metrics.PrefetchFailures.Inc()
		s.log.Debug().Err(err).Str("task", task.Name).Msg("prefetch failed")
	}
}

func (s *Scheduler) String() string {
	return "prefetch-scheduler"
}
