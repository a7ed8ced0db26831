package network

import (
	"net/url"
	"strings"
)

// trackingDomains is the built-in list of hostnames (matched as
// case-insensitive substrings) excluded unless includeAll is set.
var trackingDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.net",
	"connect.facebook.net",
	"mixpanel.com",
	"segment.io",
	"segment.com",
	"amplitude.com",
	"heap.io",
	"heapanalytics.com",
	"fullstory.com",
	"hotjar.com",
	"logrocket.com",
	"criteo.com",
	"sentry.io",
	"datadoghq.com",
	"newrelic.com",
	"nr-data.net",
}

// skipMimeTypes are not body-fetched unless an include pattern matches or
// FetchAllBodies is set (see ShouldFetchBody).
var skipMimeTypes = []string{
	"image/", "font/", "text/css", "video/", "audio/",
	"application/font-woff", "application/x-font",
}

// skipExtensions mirrors skipMimeTypes by URL suffix, for responses whose
// MIME type is absent or unreliable.
var skipExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	".css", ".mp4", ".webm", ".mp3", ".wav", ".map",
}

var textLikeMimeTypes = []string{"json", "javascript", "text", "html"}

// Filters holds per-session filtering configuration for the network
// collector, mirroring the spec's domain-exclusion, pattern, and
// body-fetch-decision rules.
type Filters struct {
	IncludeAll      bool
	IncludePatterns []string
	ExcludePatterns []string
	FetchAllBodies  bool
	MaxBodySize     int64
}

// DefaultMaxBodySize is applied when Filters.MaxBodySize is zero.
const DefaultMaxBodySize = 5 * 1024 * 1024

func (f Filters) maxBodySize() int64 {
	if f.MaxBodySize <= 0 {
		return DefaultMaxBodySize
	}
	return f.MaxBodySize
}

// ShouldDrop reports whether a request/response to rawURL should be
// excluded from the output ring entirely.
func (f Filters) ShouldDrop(rawURL string) bool {
	host, hostPath := splitURL(rawURL)

	if matchesAny(f.IncludePatterns, host, hostPath) {
		return false
	}
	if len(f.IncludePatterns) > 0 {
		return true
	}

	if !f.IncludeAll && matchesTrackingDomain(host) {
		return true
	}

	if matchesAny(f.ExcludePatterns, host, hostPath) {
		return true
	}

	return false
}

// ShouldFetchBody implements the body decision tree from the network
// collector's responsibility doc, evaluated in this fixed priority order.
func (f Filters) ShouldFetchBody(rawURL, mimeType string, size int64) bool {
	host, hostPath := splitURL(rawURL)

	if matchesAny(f.IncludePatterns, host, hostPath) {
		return true
	}
	if matchesAny(f.ExcludePatterns, host, hostPath) {
		return false
	}
	if f.FetchAllBodies {
		return true
	}
	if matchesMimePrefix(mimeType, skipMimeTypes) {
		return false
	}
	if matchesSuffix(rawURL, skipExtensions) {
		return false
	}
	if isTextLike(mimeType) && size <= f.maxBodySize() {
		return true
	}
	return false
}

func matchesTrackingDomain(host string) bool {
	host = strings.ToLower(host)
	for _, d := range trackingDomains {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

func matchesMimePrefix(mimeType string, prefixes []string) bool {
	mimeType = strings.ToLower(mimeType)
	for _, p := range prefixes {
		if strings.HasPrefix(mimeType, p) || strings.Contains(mimeType, p) {
			return true
		}
	}
	return false
}

func matchesSuffix(rawURL string, suffixes []string) bool {
	u := strings.ToLower(rawURL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	for _, s := range suffixes {
		if strings.HasSuffix(u, s) {
			return true
		}
	}
	return false
}

func isTextLike(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	for _, t := range textLikeMimeTypes {
		if strings.Contains(mimeType, t) {
			return true
		}
	}
	return false
}

// matchesAny reports whether any pattern (a '*'-wildcard glob, matched
// case-insensitively) matches either the bare host or host+path form.
func matchesAny(patterns []string, host, hostPath string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, host) || wildcardMatch(p, hostPath) {
			return true
		}
	}
	return false
}

// wildcardMatch supports '*' as the only metacharacter, matched
// case-insensitively, anchored to the full string.
func wildcardMatch(pattern, s string) bool {
	pattern = strings.ToLower(pattern)
	s = strings.ToLower(s)
	parts := strings.Split(pattern, "*")

	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}

	last := parts[len(parts)-1]
	return strings.HasSuffix(s, last) && len(s) >= len(last)
}

func splitURL(rawURL string) (host, hostPath string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, rawURL
	}
	host = strings.ToLower(u.Hostname())
	return host, host + u.EscapedPath()
}
