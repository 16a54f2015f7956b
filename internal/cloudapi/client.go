// Package cloudapi talks to the multi-tenant management API: regional
// endpoint lookup, direct and scoped authentication, tenant directory
// queries and the agent resource endpoints.
package cloudapi

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

	"github.com/sirupsen/logrus"
)

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 6 * time.Second

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// Config holds the settings shared by every session created from a Client.
type Config struct {
	// BaseURL is the account directory endpoint used to resolve the
	// regional management endpoint for a login.
	BaseURL string

	// Timeout bounds each HTTP call.
	Timeout time.Duration

	// Transport is the base round tripper. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	Logger logrus.FieldLogger
}

// Client creates authenticated sessions against the management API.
type Client struct {
	baseURL   string
	timeout   time.Duration
	transport http.RoundTripper
	log       logrus.FieldLogger
}

// NewClient returns a Client for the given configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("cloudapi: invalid base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL:   baseURL,
		timeout:   timeout,
		transport: transport,
		log:       log,
	}, nil
}

// plainHTTP is used for unauthenticated calls (endpoint lookup, token grants).
func (c *Client) plainHTTP() *http.Client {
	return &http.Client{Timeout: c.timeout, Transport: c.transport}
}

// Resolve maps a login to its regional management endpoint.
func (c *Client) Resolve(ctx context.Context, login string) (string, error) {
	u := c.baseURL + "/api/1/accounts?" + url.Values{"login": {login}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build account lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.plainHTTP().Do(req)
	if err != nil {
		return "", fmt.Errorf("account lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{
			Method:     http.MethodGet,
			Path:       "/api/1/accounts",
			StatusCode: resp.StatusCode,
			Body:       readBody(resp.Body),
		}
	}

	var out struct {
		ServerURL string `json:"server_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode account lookup: %w", err)
	}
	if strings.TrimSpace(out.ServerURL) == "" {
		return "", ErrEmptyServerURL
	}
	serverURL := strings.TrimRight(out.ServerURL, "/")
	c.log.WithField("server_url", serverURL).Debug("resolved tenant endpoint")
	return serverURL, nil
}

// doJSON sends an authenticated request and decodes a JSON response into out.
func doJSON(ctx context.Context, hc *http.Client, baseURL, method, path string, query url.Values, body, out any) error {
	u := baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
