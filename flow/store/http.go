package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPStore is a remote REST implementation of Store[S].
//
// It persists workflow state against a persistence service exposing:
//
//	PUT    {base}/workflows/{id}   - save state (JSON body)
//	GET    {base}/workflows/{id}   - load state (404 means not found)
//	DELETE {base}/workflows/{id}   - delete state (404 means not found)
//	GET    {base}/workflows        - list IDs (JSON array of strings)
//
// Designed for:
//   - Multi-process deployments sharing one persistence service
//   - Keeping workflow state off the executor host entirely
//
// Requests carry an optional bearer token and custom headers, and every
// request is bounded by the configured timeout in addition to the caller's
// context.
type HTTPStore[S any] struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	token   string
	headers map[string]string
}

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore[any])

// WithTimeout sets the per-request timeout (default 30s).
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPStore[any]) { h.timeout = d }
}

// WithBearerToken sets an Authorization: Bearer header on every request.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTPStore[any]) { h.token = token }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPStore[any]) {
		if h.headers == nil {
			h.headers = make(map[string]string)
		}
		h.headers[key] = value
	}
}

// WithHTTPClient replaces the underlying client. The configured timeout is
// still applied per request via context.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPStore[any]) { h.client = client }
}

// NewHTTPStore creates an HTTPStore targeting the given base URL, e.g.
// "https://persistence.internal:8443/v1".
func NewHTTPStore[S any](baseURL string, opts ...HTTPOption) (*HTTPStore[S], error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	// Options are applied to an HTTPStore[any] so one option type serves
	// every state type.
	cfg := &HTTPStore[any]{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{}
	}

	return &HTTPStore[S]{
		baseURL: baseURL,
		client:  cfg.client,
		timeout: cfg.timeout,
		token:   cfg.token,
		headers: cfg.headers,
	}, nil
}

// do issues the request and returns the status code and fully read body.
// Reading the body here keeps the timeout context alive for the whole
// exchange.
func (h *HTTPStore[S]) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}
	return resp.StatusCode, respBody, nil
}

// Save sends the state to the remote service via PUT.
func (h *HTTPStore[S]) Save(ctx context.Context, id string, state S) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	status, _, err := h.do(ctx, http.MethodPut, "/workflows/"+url.PathEscape(id), data)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("save %s: unexpected status %d", id, status)
	}
	return nil
}

// Load fetches the state from the remote service. A 404 response maps to
// ErrNotFound.
func (h *HTTPStore[S]) Load(ctx context.Context, id string) (S, error) {
	var state S

	status, body, err := h.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id), nil)
	if err != nil {
		return state, err
	}
	if status == http.StatusNotFound {
		return state, ErrNotFound
	}
	if status < 200 || status > 299 {
		return state, fmt.Errorf("load %s: unexpected status %d", id, status)
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return state, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// Delete removes the state on the remote service. A 404 response maps to
// ErrNotFound.
func (h *HTTPStore[S]) Delete(ctx context.Context, id string) error {
	status, _, err := h.do(ctx, http.MethodDelete, "/workflows/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("delete %s: unexpected status %d", id, status)
	}
	return nil
}

// List fetches the IDs of all persisted workflows.
func (h *HTTPStore[S]) List(ctx context.Context) ([]string, error) {
	status, body, err := h.do(ctx, http.MethodGet, "/workflows", nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("list: unexpected status %d", status)
	}

	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ID list: %w", err)
	}
	return ids, nil
}
