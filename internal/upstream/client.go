// Package upstream is the client for the Ollama-compatible inference backend.
// It opens one streamed generation per call and owns that call's deadline.
package upstream

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
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"testgen/internal/core"
	"testgen/internal/httpclient"
)

const (
	// maxErrorBody limits how much of a failure response is read.
	maxErrorBody = 4 * 1024

	// DefaultModelsTimeout bounds the /api/tags lookup.
	DefaultModelsTimeout = 5 * time.Second
)

// Config holds the settings for the backend client.
type Config struct {
	// URL is the generate endpoint, e.g. http://127.0.0.1:11434/api/generate
	URL string
	// Model is sent as the "model" field of every request
	Model string
	// SystemPrompt is sent verbatim as the "system" field
	SystemPrompt string
	// Timeout is the absolute deadline for one generation, headers and body included
	Timeout time.Duration
	// ModelsTimeout bounds the /api/tags lookup; zero uses DefaultModelsTimeout
	ModelsTimeout time.Duration
}

// GenerateRequest is the JSON body posted to the backend.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system"`
	Stream bool   `json:"stream"`
}

// Client opens streamed generations against the backend.
// It is safe for concurrent use; every Open is independent.
type Client struct {
	httpClient *http.Client
	config     Config
	tagsURL    string
}

// New creates a new backend client. If httpClient is nil, the shared
// default client from httpclient is used.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpclient.NewDefaultHTTPClient()
	}
	if cfg.ModelsTimeout <= 0 {
		cfg.ModelsTimeout = DefaultModelsTimeout
	}
	return &Client{
		httpClient: httpClient,
		config:     cfg,
		tagsURL:    tagsURL(cfg.URL),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.config.Model
}

// URL returns the configured generate endpoint.
func (c *Client) URL() string {
	return c.config.URL
}

// Timeout returns the absolute deadline applied to each generation.
func (c *Client) Timeout() time.Duration {
	return c.config.Timeout
}

// Open posts prompt to the backend and returns the streamed body.
//
// The deadline starts here and covers connect, headers and every later
// read. The caller must Close the returned Stream; Close releases the timer.
func (c *Client) Open(ctx context.Context, prompt string) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)

	body, err := json.Marshal(GenerateRequest{
		Model:  c.config.Model,
		Prompt: prompt,
		System: c.config.SystemPrompt,
		Stream: true,
	})
	if err != nil {
		cancel()
		return nil, core.NewInternalError("failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, core.NewInternalError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if id := core.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Classify while ctx still reports why the call failed.
		relayErr := c.transportError(ctx, err, c.config.Timeout)
		cancel()
		return nil, relayErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, c.statusError(resp.StatusCode, respBody)
	}

	return &Stream{
		body:    resp.Body,
		ctx:     ctx,
		cancel:  cancel,
		timeout: c.config.Timeout,
	}, nil
}

// Models returns the names of the models installed on the backend.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ModelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tagsURL, nil)
	if err != nil {
		return nil, core.NewInternalError("failed to create request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err, c.config.ModelsTimeout)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, c.statusError(resp.StatusCode, respBody)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, c.transportError(ctx, err, c.config.ModelsTimeout)
	}
	if !gjson.ValidBytes(data) {
		return nil, core.NewUpstreamError(resp.StatusCode, "Ollama API Error", "invalid model list response")
	}

	var names []string
	for _, name := range gjson.GetBytes(data, "models.#.name").Array() {
		names = append(names, name.String())
	}
	return names, nil
}

// HasModel reports whether names contains the configured model. A bare
// name matches its ":latest" tag.
func (c *Client) HasModel(names []string) bool {
	want := c.config.Model
	for _, name := range names {
		if name == want || strings.TrimSuffix(name, ":latest") == want {
			return true
		}
	}
	return false
}

// transportError maps a failed round trip onto the relay taxonomy. timeout
// is the deadline that applied to ctx. It must run before ctx is cancelled.
func (c *Client) transportError(ctx context.Context, err error, timeout time.Duration) *core.RelayError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.NewUpstreamTimeoutError(
			fmt.Sprintf("Ollama did not respond within %s", timeout), err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return core.NewInternalError("request cancelled", err)
	}
	return core.NewUpstreamUnavailableError(
		fmt.Sprintf("cannot reach Ollama at %s: %v. Ensure Ollama is running ('ollama serve') and %s is pulled.",
			c.config.URL, err, c.config.Model), err)
}

func (c *Client) statusError(status int, body []byte) *core.RelayError {
	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = fmt.Sprintf("status %d", status)
	}
	details := "Ollama API Error: " + statusText
	if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String && msg.String() != "" {
		details += ": " + msg.String()
	}

	if status == http.StatusNotFound {
		return core.NewUpstreamError(status,
			fmt.Sprintf("Model '%s' not found. Please run 'ollama pull %s' to install it.", c.config.Model, c.config.Model),
			details)
	}
	return core.NewUpstreamError(status, "Generation Failed", details)
}

// tagsURL derives <root>/api/tags from the generate endpoint.
func tagsURL(generateURL string) string {
	u, err := url.Parse(generateURL)
	if err != nil {
		return generateURL
	}
	root := strings.TrimSuffix(u.Path, "/")
	if i := strings.LastIndex(root, "/api/"); i >= 0 {
		root = root[:i]
	} else {
		root = ""
	}
	u.Path = root + "/api/tags"
	u.RawQuery = ""
	return u.String()
}

// Stream is the body of one streamed generation.
type Stream struct {
	body      io.ReadCloser
	ctx       context.Context
	cancel    context.CancelFunc
	timeout   time.Duration
	closeOnce sync.Once
}

// Read implements io.Reader. Once the deadline has passed, reads fail with
// an upstream_timeout RelayError.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		return n, core.NewUpstreamTimeoutError(
			fmt.Sprintf("generation exceeded %s", s.timeout), err)
	}
	if errors.Is(s.ctx.Err(), context.Canceled) {
		return n, core.NewInternalError("request cancelled", err)
	}
	return n, core.NewUpstreamUnavailableError("connection to Ollama lost: "+err.Error(), err)
}

// Close closes the body and stops the deadline timer. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.cancel()
	})
	return err
}
