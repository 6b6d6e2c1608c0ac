package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
)

// Client is a small JSON-over-HTTP client shared by the provider-backed enrichers.
//
// Every error it returns is classified: throttling, server errors and network
// failures are wrapped in enrich.TransientError, other non-2xx responses in
// enrich.PermanentError.
type Client struct {
	name   string
	base   *url.URL
	http   *http.Client
	header http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHeader sets a header on every request. Empty values are skipped.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if strings.TrimSpace(value) != "" {
			c.header.Set(key, strings.TrimSpace(value))
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the overall HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient constructs a client for a provider base URL such as
// "https://api.openfigi.com". name is used in error messages and metrics.
func NewClient(name, baseURL string, opts ...Option) (*Client, error) {
	base, err := ParseBaseURL(baseURL, name)
	if err != nil {
		return nil, err
	}
	c := &Client{
		name: name,
		base: base,
		http: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   30 * time.Second,
		},
		header: make(http.Header),
	}
	c.header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// ParseBaseURL normalizes a provider base URL so relative paths resolve beneath it.
func ParseBaseURL(raw string, name string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s base URL: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base URL must include a host (got %q)", name, raw)
	}
	// Ensure the base path ends with a slash so ResolveReference treats it as a directory.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// GetJSON issues GET base/path?query and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, out)
}

// PostJSON issues POST base/path with a JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, op, path string, body, out any) error {
	return c.do(ctx, op, http.MethodPost, path, nil, body, out)
}

func (c *Client) resolve(path string, query url.Values) *url.URL {
	ref := &url.URL{Path: strings.TrimLeft(path, "/")}
	u := c.base.ResolveReference(ref)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return enrich.Permanent(fmt.Errorf("%s %s: encode request: %w", c.name, op, err))
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path, query).String(), rdr)
	if err != nil {
		return enrich.Permanent(fmt.Errorf("%s %s: build request: %w", c.name, op, err))
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(fmt.Errorf("%s %s: %w", c.name, op, err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Classify(fmt.Errorf("%s %s: read response: %w", c.name, op, err))
	}
	if resp.StatusCode/100 != 2 {
		return Classify(newHTTPError(c.name, op, resp, b))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s %s: parse response: %w", c.name, op, err)
	}
	return nil
}

// Classify marks err as transient or permanent for the retry policy.
//
//   - 429, 408 and 5xx responses are transient; other HTTP errors are permanent.
//   - Network errors and per-attempt deadlines are transient.
//   - Cancellation is returned unchanged so the retry loop stops.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if enrich.IsPermanent(err) || enrich.IsTransient(err) {
		return err
	}
	var he *HTTPError
	if errors.As(err, &he) {
		if he.Retryable() {
			return enrich.Transient(err)
		}
		return enrich.Permanent(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return enrich.Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return enrich.Transient(err)
	}
	return err
}
