// Package cache is the response cache: it classifies outgoing requests and
// serves them cache-first, network-first, or network-only with queueing.
package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the caching strategy a request falls under.
type Class string

const (
	// ClassStatic is served cache-first.
	ClassStatic Class = "static"
	// ClassAPIRead is served network-first with cache fallback.
	ClassAPIRead Class = "api_read"
	// ClassAPIWrite is sent network-only and queued on connectivity failure.
	ClassAPIWrite Class = "api_write"
	// ClassPassThrough is sent to the network untouched.
	ClassPassThrough Class = "pass_through"
)

// Policy maps requests to classes.
type Policy struct {
	APIPrefix      string
	StaticPatterns []string
	// Origin is the scheme and host of the remote store. Absolute URLs are
	// only accepted when they point at it.
	Origin string
}

// NewPolicy normalizes the API prefix to start and end with a slash.
func NewPolicy(apiPrefix string, staticPatterns []string) Policy {
	if !strings.HasPrefix(apiPrefix, "/") {
		apiPrefix = "/" + apiPrefix
	}
	if !strings.HasSuffix(apiPrefix, "/") {
		apiPrefix += "/"
	}
	return Policy{APIPrefix: apiPrefix, StaticPatterns: staticPatterns}
}

// WithOrigin returns p with Origin taken from the remote store base URL.
func (p Policy) WithOrigin(baseURL string) Policy {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		p.Origin = originOf(u)
	}
	return p
}

// Resolve reduces rawURL to a path and query on the remote store. Relative
// URLs are returned unchanged; absolute URLs for any other host are refused.
func (p Policy) Resolve(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" && u.Host == "" {
		return rawURL, nil
	}
	if p.Origin == "" || originOf(u) != p.Origin {
		return "", fmt.Errorf("host %q is not the remote store", u.Host)
	}
	return u.RequestURI(), nil
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// Classify decides how a request is handled. Non-HTTP(S) URLs and anything
// that is neither a static GET nor under the API prefix pass through.
func (p Policy) Classify(method, rawURL string) Class {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ClassPassThrough
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return ClassPassThrough
	}

	reqPath := u.Path
	if reqPath == "" {
		reqPath = "/"
	}
	method = strings.ToUpper(method)

	if method == http.MethodGet && p.isStatic(reqPath) {
		return ClassStatic
	}

	if p.isAPI(reqPath) {
		switch method {
		case http.MethodGet:
			return ClassAPIRead
		case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
			return ClassAPIWrite
		}
	}

	return ClassPassThrough
}

func (p Policy) isAPI(reqPath string) bool {
	return strings.HasPrefix(reqPath, p.APIPrefix) || reqPath == strings.TrimSuffix(p.APIPrefix, "/")
}

func (p Policy) isStatic(reqPath string) bool {
	if p.isAPI(reqPath) {
		return false
	}
	for _, pattern := range p.StaticPatterns {
		if matchStatic(pattern, reqPath) {
			return true
		}
	}
	return false
}

// matchStatic matches one pattern:
//
//	"/index.html"  exact path
//	"/icons/*"     any path below /icons/
//	"/*.webmanifest", "*.js"  glob on the file name
func matchStatic(pattern, reqPath string) bool {
	switch {
	case !strings.Contains(pattern, "*"):
		return pattern == reqPath
	case strings.HasSuffix(pattern, "/*"):
		return strings.HasPrefix(reqPath, strings.TrimSuffix(pattern, "*"))
	case !strings.Contains(strings.TrimPrefix(pattern, "/"), "/"):
		ok, _ := path.Match(strings.TrimPrefix(pattern, "/"), path.Base(reqPath))
		return ok
	default:
		ok, _ := path.Match(pattern, reqPath)
		return ok
	}
}

// Key returns the cache key for a request: the method and the canonical URL
// with query parameters sorted.
func Key(method, rawURL string) string {
	method = strings.ToUpper(method)
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + " " + rawURL
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	if u.Host != "" {
		b.WriteString(strings.ToLower(u.Host))
	}
	if u.Path == "" {
		b.WriteByte('/')
	} else {
		b.WriteString(u.Path)
	}
	if q := u.Query(); len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}
	return b.String()
}
