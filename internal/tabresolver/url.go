package tabresolver

import (
	"fmt"
	"net/url"
	"strings"
)

// normalizedURL wraps a parsed URL with the lowercase-scheme, lowercase-host,
// no-fragment normalization the resolver's scoring algorithm depends on.
type normalizedURL struct {
	raw    string
	parsed *url.URL
}

func normalize(raw string) (normalizedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return normalizedURL{}, fmt.Errorf("tabresolver: parse url %q: %w", raw, err)
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return normalizedURL{raw: u.String(), parsed: u}, nil
}

func (n normalizedURL) path() string {
	p := n.parsed.Path
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func (n normalizedURL) host() string {
	return n.parsed.Hostname()
}
