// Package client talks to the dispatch and status endpoints over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/jobrelay/internal/api/dto"
	"github.com/cuongbtq/jobrelay/internal/domain"
)

const defaultPollInterval = time.Second

// APIError is a non-2xx response from the service
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("http %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the domain sentinels
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == domain.ErrJobNotFound
	case http.StatusServiceUnavailable:
		return target == domain.ErrBrokerUnavailable
	case http.StatusBadRequest:
		return target == domain.ErrValidation && e.Field != ""
	}
	return false
}

// Client submits jobs and polls their status
type Client struct {
	baseURL      *url.URL
	basePath     string
	httpClient   *http.Client
	pollInterval time.Duration
}

// Option configures the Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBasePath sets the API prefix views are mounted under, default /api/v1
func WithBasePath(p string) Option {
	return func(c *Client) { c.basePath = "/" + strings.Trim(p, "/") }
}

// WithPollInterval sets how often Wait polls
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// New creates a client for the service at baseURL, e.g. http://localhost:8080
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", baseURL)
	}

	c := &Client{
		baseURL:      u,
		basePath:     "/api/v1",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Submit posts payload to the view at path and returns the job handle
func (c *Client) Submit(ctx context.Context, path string, payload map[string]any) (*dto.DispatchResponse, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	target := c.resolve(strings.TrimRight(c.basePath, "/") + "/" + strings.Trim(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out dto.DispatchResponse
	if err := c.do(req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the polling response at statusURL. Relative URLs are
// resolved against the base URL.
func (c *Client) Status(ctx context.Context, statusURL string) (*dto.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(statusURL), nil)
	if err != nil {
		return nil, err
	}

	var out dto.StatusResponse
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls statusURL until the job is done or failed, or ctx ends
func (c *Client) Wait(ctx context.Context, statusURL string) (*dto.StatusResponse, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, statusURL)
		if err != nil {
			return nil, err
		}
		if st.Status != dto.StatusPending {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.baseURL.ResolveReference(u).String()
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body dto.ErrorResponse
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Message, apiErr.Field = body.Error, body.Field
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
