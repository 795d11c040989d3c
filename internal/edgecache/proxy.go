// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package edgecache

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

// ProxyHandler exposes the cache as a reverse proxy in front of target, so
// the interception policy also covers clients that cannot swap their
// transport.
func (c *Cache) ProxyHandler(target *url.URL) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = c
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		c.log.Warn().Err(err).Str("url", r.URL.String()).Msg("edge proxy upstream failure")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	return proxy
}
