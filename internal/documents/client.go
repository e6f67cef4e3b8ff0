package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/polling"
	"golang.org/x/time/rate"
)

// Client defines the document operations the delivery layer needs.
// This interface allows for easy mocking in tests.
type Client interface {
	// List returns every document visible to the caller.
	List(ctx context.Context) ([]Document, error)

	// Create registers a new document for processing.
	Create(ctx context.Context, filename string) (*Document, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("documents API %s (status %d): %s", e.Path, e.StatusCode, e.Body)
}

// ErrNoBaseURL is returned by NewClient without a base URL.
var ErrNoBaseURL = errors.New("documents: base URL is required")

// HTTPClient talks to the documents REST API. It never retries; retry policy
// belongs to the caller.
type HTTPClient struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	statusFilter string
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets the underlying client. Authentication is expected to be
// attached by its transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithRateLimit throttles outgoing requests.
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *HTTPClient) { c.limiter = l }
}

// WithStatusFilter asks the server for documents in the given status only.
func WithStatusFilter(status string) Option {
	return func(c *HTTPClient) { c.statusFilter = status }
}

// NewClient creates a documents API client.
func NewClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	c := &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// List returns every document, or only those matching the status filter.
func (c *HTTPClient) List(ctx context.Context) ([]Document, error) {
	u := c.baseURL + "/api/documents"
	if c.statusFilter != "" {
		u += "?status=" + url.QueryEscape(c.statusFilter)
	}

	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return resp.Documents, nil
}

// Create registers a new document.
func (c *HTTPClient) Create(ctx context.Context, filename string) (*Document, error) {
	body, err := json.Marshal(CreateRequest{Filename: filename})
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/documents", body, &doc); err != nil {
		return nil, fmt.Errorf("create document %q: %w", filename, err)
	}
	return &doc, nil
}

// FetchStatuses implements polling.Fetcher.
func (c *HTTPClient) FetchStatuses(ctx context.Context) ([]polling.Resource, error) {
	docs, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	resources := make([]polling.Resource, len(docs))
	for i, d := range docs {
		resources[i] = d.Resource()
	}
	return resources, nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Path: req.URL.Path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("parse response from %s: %w", req.URL.Path, err)
		}
	}
	return nil
}

// Ensure HTTPClient implements the interfaces it is used through.
var (
	_ Client          = (*HTTPClient)(nil)
	_ polling.Fetcher = (*HTTPClient)(nil)
)
