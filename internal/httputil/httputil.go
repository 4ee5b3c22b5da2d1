// Package httputil provides the HTTP client hygiene shared by the EVM RPC
// transport and the Feed Fetcher: base URL normalization, bounded body
// reads, and hardened transport/client construction.
package httputil

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BodyTooLargeError is returned by ReadAllStrict when the body exceeds the
// configured limit.
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("body exceeds limit of %d bytes", e.Limit)
}

// ReadAllWithLimit reads up to limit bytes from r, reporting whether the
// body was truncated. Useful for building bounded error messages without
// risking unbounded memory use on a malicious or broken peer.
func ReadAllWithLimit(r io.Reader, limit int64) (body []byte, truncated bool, err error) {
	if limit <= 0 {
		return nil, false, fmt.Errorf("limit must be positive")
	}
	if r == nil {
		return nil, false, fmt.Errorf("reader is nil")
	}
	limited := io.LimitReader(r, limit+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if int64(len(b)) > limit {
		return b[:limit], true, nil
	}
	return b, false, nil
}

// ReadAllStrict reads the full body up to limit bytes, failing with
// *BodyTooLargeError if it is exceeded.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	b, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, &BodyTooLargeError{Limit: limit}
	}
	return b, nil
}

// BaseURLOptions configures NormalizeBaseURL.
type BaseURLOptions struct {
	// RequireHTTPS rejects plain-http URLs. RPC endpoints and vault/cloud
	// secret backends set this; local development feed URLs may not.
	RequireHTTPS bool
}

// NormalizeBaseURL trims whitespace and a trailing slash, validates the
// scheme and host, and rejects embedded user info and query/fragment
// components that have no place in a base URL.
func NormalizeBaseURL(raw string, opts BaseURLOptions) (string, *url.URL, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", nil, fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("base URL must be a valid absolute URL")
	}
	if parsed.User != nil {
		return "", nil, fmt.Errorf("base URL must not include user info")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", nil, fmt.Errorf("base URL must not include a query or fragment")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL scheme must be http or https")
	}
	if opts.RequireHTTPS && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL must use https")
	}

	return trimmed, parsed, nil
}

// DefaultTransport returns a transport with a TLS 1.2 floor and
// connection-pool limits suited to a handful of long-lived network/feed
// clients rather than a high-fanout server.
func DefaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	t.MaxIdleConns = 32
	t.MaxIdleConnsPerHost = 8
	t.IdleConnTimeout = 90 * time.Second
	return t
}

// NewClient builds an *http.Client with the hardened transport and a
// fixed per-call timeout. Every RPC and feed client in Omikuji is built
// this way rather than reusing http.DefaultClient.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: DefaultTransport(),
	}
}

// CloneWithTimeout returns a shallow copy of client with a different
// per-call timeout, reusing its transport and cookie jar.
func CloneWithTimeout(client *http.Client, timeout time.Duration) *http.Client {
	if client == nil {
		return NewClient(timeout)
	}
	clone := *client
	clone.Timeout = timeout
	return &clone
}
