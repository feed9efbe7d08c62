// Package remote talks to the platform backend that owns the server-side session.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// LogoutPath is appended to the base URL for session invalidation.
	LogoutPath = "/auth/logout"

	maxDrainBytes = 64 << 10
)

var (
	// ErrRemoteStatus is matched by StatusError for non-2xx responses.
	ErrRemoteStatus = errors.New("remote status")

	// ErrBaseURL is returned for an unusable base URL.
	ErrBaseURL = errors.New("invalid remote base url")
)

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote logout: unexpected status %d", e.Code)
}

// Is lets errors.Is(err, ErrRemoteStatus) match any StatusError.
func (e *StatusError) Is(target error) bool { return target == ErrRemoteStatus }

// Client invalidates the server-side session.
type Client struct {
	logoutURL string
	http      *http.Client
	header    http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithHeader adds a header to every request (e.g. a forwarded session cookie).
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if key != "" {
			c.header.Add(key, value)
		}
	}
}

// New returns a Client for baseURL (scheme and host required).
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrBaseURL
	}

	c := &Client{
		logoutURL: strings.TrimRight(u.String(), "/") + LogoutPath,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
		header: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// LogoutURL is the endpoint InvalidateSession posts to.
func (c *Client) LogoutURL() string { return c.logoutURL }

// InvalidateSession posts to the logout endpoint. Any 2xx is success.
// Deadlines come from ctx; the client sets none of its own.
func (c *Client) InvalidateSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.logoutURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("remote logout: build request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote logout: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
