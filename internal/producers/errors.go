// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package producers

import "errors"

// Error taxonomy for producer calls. Callers branch with errors.Is; the
// wrapped message carries producer name and detail.
var (
	// ErrNotFound indicates the subject does not exist (e.g. an unknown
	// handle). Terminal: not retried.
	ErrNotFound = errors.New("producers: subject not found")

	// ErrUpstream indicates a network or HTTP failure from a producer
	// endpoint.
	ErrUpstream = errors.New("producers: upstream failure")

	// ErrValidation indicates the producer's output did not match the
	// expected structure even after the bounded repair pass. Not retried
	// automatically; a user-triggered retry re-enters resolution since the
	// cache entry is errored, not resolved.
	ErrValidation = errors.New("producers: response failed validation")
)

// retryable reports whether a failure is worth one more attempt. Only
// upstream faults qualify; missing subjects and malformed output will not
// improve on retry.
func retryable(err error) bool {
	return errors.Is(err, ErrUpstream)
}
