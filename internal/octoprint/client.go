// Package octoprint is a client for the local OctoPrint REST API. It
// carries out relay commands on the printer and reads the job, temperature,
// settings and plugin data that go into status and heartbeat messages.
package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oaproject/oa-agent/internal/httpkit"
)

// ErrPrinterNotOperational is returned when OctoPrint reports that no
// printer is connected (HTTP 409).
var ErrPrinterNotOperational = errors.New("octoprint: printer is not operational")

// Client is an OctoPrint REST API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	watcher    readyChecker
}

// readyChecker is satisfied by connwatch.Watcher.
type readyChecker interface {
	IsReady() bool
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	InsecureTLS bool
	Timeout     time.Duration // default 30s
	Logger      *slog.Logger
}

// NewClient creates an OctoPrint client. Transient LAN dial failures
// are retried briefly.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpOpts := []httpkit.ClientOption{
		httpkit.WithTimeout(timeout),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	}
	if opts.APIKey != "" {
		httpOpts = append(httpOpts, httpkit.WithHeader("X-Api-Key", opts.APIKey))
	}
	if opts.InsecureTLS {
		httpOpts = append(httpOpts, httpkit.WithInsecureTLS())
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: httpkit.NewClient(httpOpts...),
		logger:     logger,
	}
}

// SetWatcher sets the connection watcher for health status queries.
func (c *Client) SetWatcher(w readyChecker) {
	c.watcher = w
}

// IsReady reports whether OctoPrint is currently reachable. Returns
// true if no watcher is configured.
func (c *Client) IsReady() bool {
	if c.watcher == nil {
		return true
	}
	return c.watcher.IsReady()
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Version is the response of GET /api/version.
type Version struct {
	API    string `json:"api"`
	Server string `json:"server"`
	Text   string `json:"text"`
}

// Ping checks that the API is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var v Version
	if err := c.get(ctx, "/api/version", &v); err != nil {
		return err
	}
	if v.Server == "" {
		return fmt.Errorf("unexpected version response: %+v", v)
	}
	return nil
}

// ServerVersion returns the OctoPrint version.
func (c *Client) ServerVersion(ctx context.Context) (*Version, error) {
	var v Version
	if err := c.get(ctx, "/api/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, path, result)
}

func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, result)
}

func (c *Client) do(req *http.Request, path string, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusConflict {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("%s: %w: %s", path, ErrPrinterNotOperational, strings.TrimSpace(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d on %s: %s", resp.StatusCode, path, strings.TrimSpace(body))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}
