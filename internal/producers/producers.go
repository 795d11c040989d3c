// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package producers wraps the generation API endpoints behind typed calls.
// Every JSON endpoint goes through one bounded repair pass and structural
// validation before its result is returned, so callers only ever see values
// that satisfy the content contracts.
package producers

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xpertlabs/xpert/internal/metrics"
	"github.com/xpertlabs/xpert/internal/models"
)

// ContentRequest carries the common parameters of the per-medium content
// generators: whose profile, which expertise area, and which content topic
// within it.
type ContentRequest struct {
	Username             string `json:"username" validate:"required"`
	ExpertiseTopic       string `json:"expertiseTopic" validate:"required"`
	ExpertiseDescription string `json:"expertiseDescription"`
	Title                string `json:"title" validate:"required"`
	Description          string `json:"description"`
}

// TTSRequest is a single text-to-speech utterance.
type TTSRequest struct {
	Text         string `json:"text" validate:"required,max=4096"`
	Voice        string `json:"voice" validate:"required"`
	Instructions string `json:"instructions,omitempty"`
	Format       string `json:"format,omitempty"`
}

// LookupUser resolves a handle to a profile plus recent public posts. An
// unknown handle returns ErrNotFound.
func (c *Client) LookupUser(ctx context.Context, username string) (*models.UserLookup, error) {
	var out models.UserLookup
	body := map[string]string{"username": username}
	if err := c.postJSON(ctx, "user_lookup", "/users/lookup", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateTopics derives exactly four expertise topics and a profile
// description from a looked-up user. Topic IDs are not assigned here; the
// orchestrator mints them once at first resolution.
func (c *Client) GenerateTopics(ctx context.Context, lookup *models.UserLookup) (*models.TopicsWithProfile, error) {
	var out models.TopicsWithProfile
	if err := c.postJSON(ctx, "topics", "/topics/generate", lookup, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateContentTopics derives the reading, audio, and video content topics
// for one expertise area.
func (c *Client) GenerateContentTopics(ctx context.Context, topicTitle, topicDescription string) (*models.ContentTopics, error) {
	var out models.ContentTopics
	body := map[string]string{
		"topicTitle":       topicTitle,
		"topicDescription": topicDescription,
	}
	if err := c.postJSON(ctx, "content_topics", "/topics/content", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateQuiz produces an 8-12 question multiple-choice quiz.
func (c *Client) GenerateQuiz(ctx context.Context, req ContentRequest) (*models.Quiz, error) {
	var out models.Quiz
	if err := c.postJSON(ctx, "quiz", "/content/quiz", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateSlideshow produces a ten-slide narrated slideshow.
func (c *Client) GenerateSlideshow(ctx context.Context, req ContentRequest) (*models.Slideshow, error) {
	var out models.Slideshow
	if err := c.postJSON(ctx, "slideshow", "/content/slideshow", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateMindmap produces a markdown mindmap for one expertise topic.
func (c *Client) GenerateMindmap(ctx context.Context, topicTitle, topicDescription string) (*models.Mindmap, error) {
	var out models.Mindmap
	body := map[string]string{
		"topicTitle":       topicTitle,
		"topicDescription": topicDescription,
	}
	if err := c.postJSON(ctx, "mindmap", "/content/mindmap", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GeneratePodcastScript produces a two-host conversation. The model is
// accepted at the relaxed turn ceiling and the script is trimmed to the safe
// synthesis limits before strict validation.
func (c *Client) GeneratePodcastScript(ctx context.Context, req ContentRequest) (*models.PodcastScript, error) {
	var relaxed models.GeneratedPodcastScript
	if err := c.postJSON(ctx, "podcast_script", "/content/podcast/script", req, &relaxed); err != nil {
		return nil, err
	}
	script := relaxed.TrimForSynthesis()
	if err := models.Validate(&script); err != nil {
		metrics.ProducerErrors.WithLabelValues("podcast_script", "validation").Inc()
		return nil, fmt.Errorf("%w: podcast_script: trimmed script: %v", ErrValidation, err)
	}
	return &script, nil
}

// GenerateImage produces an image for a prompt and returns its URL, which
// may be a data: URI carrying the encoded image inline.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	var out struct {
		ImageURL string `json:"imageUrl" validate:"required"`
	}
	body := map[string]string{"prompt": prompt}
	if err := c.postJSON(ctx, "image", "/content/image", body, &out); err != nil {
		return "", err
	}
	return out.ImageURL, nil
}

// StreamReading opens a streaming reading-article generation. The caller
// owns the returned body and must drain it fully before treating the article
// as complete; a partial stream is a failed generation.
func (c *Client) StreamReading(ctx context.Context, req ContentRequest) (io.ReadCloser, error) {
	return c.stream(ctx, "reading", "/content/reading", req)
}

// SynthesizeAudio renders a trimmed podcast script to audio bytes. Transient
// upstream failures are retried exactly once; terminal and validation
// failures are not.
func (c *Client) SynthesizeAudio(ctx context.Context, script *models.PodcastScript) ([]byte, error) {
	data, err := c.postBytes(ctx, "audio", "/content/podcast/audio", script, maxAudioResponseBytes)
	if err != nil && retryable(err) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: audio: %v", ErrUpstream, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
		data, err = c.postBytes(ctx, "audio", "/content/podcast/audio", script, maxAudioResponseBytes)
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: audio: empty synthesis result", ErrValidation)
	}
	return data, nil
}

// Speak renders one utterance to audio bytes.
func (c *Client) Speak(ctx context.Context, req TTSRequest) ([]byte, error) {
	if err := models.Validate(&req); err != nil {
		return nil, fmt.Errorf("%w: tts: %v", ErrValidation, err)
	}
	data, err := c.postBytes(ctx, "tts", "/content/tts", req, maxAudioResponseBytes)
	if err != nil {
		return nil, err
	}
	return data, nil
}
