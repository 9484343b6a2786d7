// Package remote talks to the backend REST API. Every failure it returns is
// classified: transport-level problems wrap common.ErrConnectivity (retryable
// later), structured rejections wrap common.ErrApplication (surfaced, never
// retried).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/session"
)

// API is the surface the sync engine depends on. create returns the full
// canonical record; list returns the full canonical set for the
// authenticated owner.
type API interface {
	List(ctx context.Context, collection models.Collection) ([]json.RawMessage, error)
	Create(ctx context.Context, collection models.Collection, payload any, requestID string) (json.RawMessage, error)
	Update(ctx context.Context, collection models.Collection, serverID string, payload any) (json.RawMessage, error)
	Delete(ctx context.Context, collection models.Collection, serverID string) error
	Ping(ctx context.Context) error
}

// Client implements API over HTTP.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	session   session.Provider
	userAgent string
}

var _ API = (*Client)(nil)

const (
	defaultUserAgent = "stocktide/0.1"
	requestTimeout   = 15 * time.Second
	pingTimeout      = 3 * time.Second
)

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string, sess session.Provider) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: requestTimeout},
		session:   sess,
		userAgent: defaultUserAgent,
	}, nil
}

type listResponse struct {
	Items []json.RawMessage `json:"items"`
}

// List retrieves the canonical record set for a collection.
func (c *Client) List(ctx context.Context, collection models.Collection) ([]json.RawMessage, error) {
	var payload listResponse
	if err := c.do(ctx, http.MethodGet, "/api/"+string(collection), nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// Create posts a new record and returns the server's canonical copy. The
// requestID travels as an idempotency token so a backend that tracks it can
// drop duplicate replays exactly.
func (c *Client) Create(ctx context.Context, collection models.Collection, payload any, requestID string) (json.RawMessage, error) {
	headers := map[string]string{}
	if requestID != "" {
		headers["X-Request-Id"] = requestID
	}
	var created json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/"+string(collection), headers, payload, &created); err != nil {
		return nil, err
	}
	return created, nil
}

// Update replaces a record identified by its server id.
func (c *Client) Update(ctx context.Context, collection models.Collection, serverID string, payload any) (json.RawMessage, error) {
	var updated json.RawMessage
	path := "/api/" + string(collection) + "/" + url.PathEscape(serverID)
	if err := c.do(ctx, http.MethodPut, path, nil, payload, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a record identified by its server id.
func (c *Client) Delete(ctx context.Context, collection models.Collection, serverID string) error {
	path := "/api/" + string(collection) + "/" + url.PathEscape(serverID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Ping probes server reachability. Used by the connectivity watcher.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/api/ping", nil, nil, nil)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/api/login", nil, loginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, dest any) error {
	reqURL := c.baseURL.JoinPath(path)

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != nil {
		if token, err := c.session.Token(); err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The request never produced a server response: a transport failure,
		// safe to retry once connectivity returns.
		return connectivityError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return applicationError(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	// A path prefix survives so deployments behind a reverse proxy, e.g.
	// https://host/tracker, keep routing correctly.
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
