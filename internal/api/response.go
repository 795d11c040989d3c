// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/xpertlabs/xpert/internal/logging"
)

// APIResponse is the uniform envelope for every JSON endpoint.
type APIResponse struct {
	Status string       `json:"status"`
	Data   interface{}  `json:"data,omitempty"`
	Error  *APIError    `json:"error,omitempty"`
	Meta   ResponseMeta `json:"meta"`
}

// APIError carries a machine-readable code alongside the human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta holds per-response bookkeeping.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

var validate = validator.New()

// respondJSON writes the envelope with an FNV-1a ETag so identical resolved
// artifacts short-circuit on If-None-Match.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	resp := APIResponse{
		Status: "ok",
		Data:   data,
		Meta: ResponseMeta{
			Timestamp: time.Now().UTC(),
			RequestID: logging.RequestIDFromContext(r.Context()),
		},
	}

	body, err := json.Marshal(resp)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("response marshal failed")
		http.Error(w, `{"status":"error","error":{"code":"internal","message":"encoding failed"}}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// The ETag covers the data only; the envelope's timestamp and request ID
	// change per response and must not defeat revalidation.
	if status == http.StatusOK && r.Method == http.MethodGet && data != nil {
		if payload, err := json.Marshal(data); err == nil {
			h := fnv.New64a()
			h.Write(payload)
			etag := fmt.Sprintf(`"%x"`, h.Sum64())
			w.Header().Set("ETag", etag)
			if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	w.WriteHeader(status)
	w.Write(body)
}

// respondError writes the error envelope and logs at warn for client errors,
// error for server errors.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	log := logging.Ctx(r.Context())
	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).Int("status", status).Str("code", code).Str("path", r.URL.Path).Msg(message)

	resp := APIResponse{
		Status: "error",
		Error:  &APIError{Code: code, Message: message},
		Meta: ResponseMeta{
			Timestamp: time.Now().UTC(),
			RequestID: logging.RequestIDFromContext(r.Context()),
		},
	}
	body, mErr := json.Marshal(resp)
	if mErr != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

// decodeRequest parses and validates a JSON request body. The 1 MiB limit
// is generous for every request shape this API accepts.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, r, http.StatusBadRequest, "bad_request", "malformed request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "request failed validation", err)
		return false
	}
	return true
}
