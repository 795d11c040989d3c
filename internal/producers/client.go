// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package producers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/xpertlabs/xpert/internal/jsonrepair"
	"github.com/xpertlabs/xpert/internal/logging"
	"github.com/xpertlabs/xpert/internal/metrics"
	"github.com/xpertlabs/xpert/internal/models"
)

// maxResponseBytes bounds how much of a JSON producer response we will
// buffer. Binary payloads (audio) use a higher ceiling.
const (
	maxResponseBytes      = 4 << 20
	maxAudioResponseBytes = 64 << 20
)

// Options configures the shared producer client.
type Options struct {
	// BaseURL is the root of the generation API, without trailing slash.
	BaseURL string
	// Timeout applies per request. Streaming requests use it as the
	// time-to-first-byte budget via the underlying transport.
	Timeout time.Duration
	// RateLimit is requests per second across all endpoints. Zero disables
	// limiting.
	RateLimit float64
	// Burst is the limiter burst size. Defaults to 1 when RateLimit is set.
	Burst int
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client calls the generation API. All endpoints share one circuit breaker
// and one rate limiter: the upstream is a single service, so failures on one
// route predict failures on the rest.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
}

// NewClient builds a Client from opts.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "producers",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("producer circuit breaker state change")
		},
	})
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		breaker: breaker,
		limiter: limiter,
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// postBytes executes a POST through the limiter and breaker and returns the
// raw response body. 404 maps to ErrNotFound, other non-2xx to ErrUpstream.
func (c *Client) postBytes(ctx context.Context, producer, path string, body interface{}, limit int64) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, producer, err)
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", producer, err)
		}
	}
	out, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, statusError{code: http.StatusNotFound}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, statusError{code: resp.StatusCode}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		var se statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			metrics.ProducerErrors.WithLabelValues(producer, "not_found").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, producer)
		}
		metrics.ProducerErrors.WithLabelValues(producer, "upstream").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, producer, err)
	}
	return out, nil
}

// postJSON runs postBytes, then decodes through the repair pass and
// validates. Repair failure or validation failure maps to ErrValidation.
func (c *Client) postJSON(ctx context.Context, producer, path string, body, out interface{}) error {
	start := time.Now()
	raw, err := c.postBytes(ctx, producer, path, body, maxResponseBytes)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		metrics.ProducerRepairs.WithLabelValues(producer).Inc()
	}
	if err := jsonrepair.ParseInto(raw, out); err != nil {
		metrics.ProducerErrors.WithLabelValues(producer, "validation").Inc()
		return fmt.Errorf("%w: %s: %v", ErrValidation, producer, err)
	}
	if err := models.Validate(out); err != nil {
		metrics.ProducerErrors.WithLabelValues(producer, "validation").Inc()
		return fmt.Errorf("%w: %s: %v", ErrValidation, producer, err)
	}
	metrics.ObserveProducer(producer, start)
	return nil
}

// stream opens a POST whose body the caller consumes incrementally. The
// breaker is consulted for admission but cannot observe the body read, so
// stream errors surface to the caller only.
func (c *Client) stream(ctx context.Context, producer, path string, body interface{}) (io.ReadCloser, error) {
	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, producer, err)
	}
	if state := c.breaker.State(); state == gobreaker.StateOpen {
		metrics.ProducerErrors.WithLabelValues(producer, "upstream").Inc()
		return nil, fmt.Errorf("%w: %s: circuit open", ErrUpstream, producer)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", producer, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, producer, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ProducerErrors.WithLabelValues(producer, "upstream").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, producer, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			metrics.ProducerErrors.WithLabelValues(producer, "not_found").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, producer)
		}
		metrics.ProducerErrors.WithLabelValues(producer, "upstream").Inc()
		return nil, fmt.Errorf("%w: %s: status %d", ErrUpstream, producer, resp.StatusCode)
	}
	return resp.Body, nil
}

type statusError struct {
	code int
}

func (s statusError) Error() string {
	return fmt.Sprintf("status %d", s.code)
}
