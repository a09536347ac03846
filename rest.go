package kite

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
)

// DefaultRESTTimeout bounds every history/backlog request; a timeout
// surfaces as an error at the call site, never as a hang.
const DefaultRESTTimeout = 30 * time.Second

// RESTClient is the authenticated transport used by the history paginator
// and the offline backlog fetcher. It is stateless apart from configuration.
type RESTClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// RESTOption configures a RESTClient.
type RESTOption func(*RESTClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) RESTOption {
	return func(c *RESTClient) { c.httpClient = client }
}

// WithRESTTimeout sets the per-request timeout.
func WithRESTTimeout(timeout time.Duration) RESTOption {
	return func(c *RESTClient) { c.httpClient.Timeout = timeout }
}

// NewRESTClient creates a REST transport rooted at baseURL. Bearer auth is
// applied transparently from the token source on every request.
func NewRESTClient(baseURL string, tokens TokenSource, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultRESTTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET request with optional query parameters.
func (c *RESTClient) Get(ctx context.Context, path string, query map[string]string) (*APIResult, error) {
	return c.do(ctx, http.MethodGet, path, nil, query)
}

// Post issues a POST request with a JSON body.
func (c *RESTClient) Post(ctx context.Context, path string, body interface{}) (*APIResult, error) {
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// Put issues a PUT request with a JSON body.
func (c *RESTClient) Put(ctx context.Context, path string, body interface{}) (*APIResult, error) {
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// Delete issues a DELETE request.
func (c *RESTClient) Delete(ctx context.Context, path string, query map[string]string) (*APIResult, error) {
	return c.do(ctx, http.MethodDelete, path, nil, query)
}

func (c *RESTClient) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK && result.Error == nil && resp.StatusCode >= 400 {
		result.Error = &APIError{
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: http.StatusText(resp.StatusCode),
		}
	}
	return &result, nil
}
