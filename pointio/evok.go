package pointio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPClient exchanges point values with an EVOK style REST service.
// Reads are GET <base>/<class>/<address>, writes POST a JSON body
// {"value": v} to the same path.
type HTTPClient struct {
	base   string
	client *http.Client
}

// HTTPOption adjusts an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTransport replaces the underlying http.Client.
func WithTransport(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// NewHTTPClient validates the base address and returns a REST point client.
func NewHTTPClient(base string, opts ...HTTPOption) (*HTTPClient, error) {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return nil, fmt.Errorf("point service address is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse point service address %q: %w", base, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("point service address %q: unsupported scheme %q", base, parsed.Scheme)
	}
	client := &HTTPClient{base: base, client: &http.Client{}}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type pointPayload struct {
	Value *float64 `json:"value"`
}

func (c *HTTPClient) Read(ctx context.Context, p Point) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.TimeoutOrDefault())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pointURL(p), nil)
	if err != nil {
		return 0, readError(p, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, readError(p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, readError(p, fmt.Errorf("unexpected status %s", resp.Status))
	}
	var payload pointPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, readError(p, fmt.Errorf("decode response: %w", err))
	}
	if payload.Value == nil {
		return 0, readError(p, fmt.Errorf("response carries no value"))
	}
	return *payload.Value, nil
}

func (c *HTTPClient) Write(ctx context.Context, p Point, value float64) error {
	ctx, cancel := context.WithTimeout(ctx, p.TimeoutOrDefault())
	defer cancel()
	body, err := json.Marshal(map[string]float64{"value": value})
	if err != nil {
		return writeError(p, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pointURL(p), bytes.NewReader(body))
	if err != nil {
		return writeError(p, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return writeError(p, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return writeError(p, fmt.Errorf("unexpected status %s", resp.Status))
	}
	return nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) pointURL(p Point) string {
	return fmt.Sprintf("%s/%s/%s", c.base, p.Kind.Path(), p.Address)
}
