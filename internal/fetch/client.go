// Package fetch wraps net/http with the download contract the collector
// consumes: fetch a URL with an optional byte range and report the final
// effective URL so relative fragment URIs resolve correctly.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Getter is the download contract consumed by the collector.
type Getter interface {
	GetFile(ctx context.Context, url string, byteRange string) (body []byte, effectiveURL string, status int, err error)
}

// Client implements Getter over net/http.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithUserAgent sets the User-Agent header for all requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient returns a Client with a 30s default timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetFile downloads url. byteRange, when non-empty, is an HTTP range
// expression of the form "start-end". Redirects are followed; the returned
// effectiveURL is the final URL after redirects.
func (c *Client) GetFile(ctx context.Context, url string, byteRange string) ([]byte, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if byteRange != "" {
		req.Header.Set("Range", "bytes="+byteRange)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()

	effectiveURL := resp.Request.URL.String()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, resp.Body)
		return nil, effectiveURL, resp.StatusCode, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, effectiveURL, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, effectiveURL, resp.StatusCode, nil
}

// IsTransient reports whether a download error looks like a temporary
// network condition (timeout, deadline exceeded, refused connection) rather
// than a genuine origin failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED)
}
