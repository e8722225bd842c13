// Package api is the client for the imagery backend: the multipart upload
// broker under /projects/*-multipart-upload/ and the per-batch
// classification, review and processing endpoints.
//
// Uploaded bytes never pass through the backend. The broker hands out
// short-lived signed URLs and the client PUTs each part straight to object
// storage with PutPart.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// defaultTimeout bounds JSON calls to the backend. Part PUTs use
	// partTimeout since a 100 MB part on a field uplink can be slow.
	defaultTimeout = 30 * time.Second
	partTimeout    = 10 * time.Minute
)

// Client talks to the imagery backend.
type Client struct {
	httpClient *http.Client
	partClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a backend client. baseURL is the API root, for example
// https://dronetm.example.org/api. token may be empty for unauthenticated
// development backends.
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		partClient: &http.Client{Timeout: partTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// WithHTTPClient replaces both underlying HTTP clients. Intended for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	c.partClient = hc
	return c
}

// BaseURL returns the API root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// errorBody covers the error shapes the backend returns.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func (b errorBody) text() string {
	if len(b.Detail) > 0 {
		var s string
		if err := json.Unmarshal(b.Detail, &s); err == nil {
			return s
		}
		return string(b.Detail)
	}
	if b.Message != "" {
		return b.Message
	}
	return b.Error
}

// doJSON sends a JSON request and decodes a JSON response into out (which
// may be nil). Non-2xx responses become *Error.
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Str("op", op).Str("method", method).Str("path", path).Dur("duration", duration).Err(err).Msg("Backend request failed")
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	log.Debug().Str("op", op).Str("method", method).Str("path", path).Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("Backend response")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return &Error{Op: op, StatusCode: resp.StatusCode, Detail: eb.text()}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: parse response: %w (body: %s)", op, err, truncate(string(data), 200))
	}
	return nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
