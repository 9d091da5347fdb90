// Package codehost fetches file content from a code-hosting content API.
//
// The verifier treats this as opaque ground truth: given a repository,
// path and optional ref, it returns the file's current content or reports
// that the path does not exist. The API shape is the GitHub contents
// endpoint (GET /repos/{owner}/{name}/contents/{path}?ref=), which
// GitHub, Gitea and Forgejo all serve.
package codehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/security"
)

// ErrFileNotFound indicates the requested path does not exist in the
// repository at the requested ref.
var ErrFileNotFound = errors.New("file not found")

// maxFileSize caps fetched content. Citations point at source files;
// anything larger than this is not something a citation should target.
const maxFileSize int64 = 2 * 1024 * 1024

const defaultTimeout = 10 * time.Second

// Config holds codehost client settings.
type Config struct {
	// BaseURL is the API root, e.g. https://api.github.com.
	BaseURL string

	// Token is an optional bearer token for private repositories.
	Token string

	// RequestsPerSecond and Burst tune the client-side rate limiter so
	// verification batches do not trip the host's server-side limits.
	RequestsPerSecond float64
	Burst             int

	// AllowPrivateHosts permits base URLs on private networks, for
	// self-hosted code hosts.
	AllowPrivateHosts bool

	// Timeout bounds each fetch. Default 10s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client fetches file content from the code host. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a codehost client. The base URL is validated up front so a
// bad config fails at startup, not on the first verification.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	var opts []security.Option
	if cfg.AllowPrivateHosts {
		opts = append(opts, security.WithPrivateHosts())
	}
	validator := security.NewURL(opts...)
	if err := validator.Validate(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("validating base URL: %w", err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  validator.SafeClient(timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}, nil
}

// FetchFile returns the raw content of path in repo at ref. An empty ref
// means the repository's default branch. Repo is "owner/name".
//
// A missing path (or ref) is ErrFileNotFound; every other failure carries
// enough status context for the caller to surface.
func (c *Client) FetchFile(ctx context.Context, repo, path, ref string) (string, error) {
	if repo == "" || path == "" {
		return "", fmt.Errorf("repo and path are required")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	reqURL := c.contentsURL(repo, path, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	// The raw media type skips the base64-in-JSON envelope.
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s/%s: %w", repo, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrFileNotFound
	case http.StatusForbidden, http.StatusTooManyRequests:
		c.logger.Warn("codehost rate limited", "repo", repo, "status", resp.StatusCode)
		return "", fmt.Errorf("rate limited by code host (status %d)", resp.StatusCode)
	default:
		return "", fmt.Errorf("code host returned status %d for %s/%s", resp.StatusCode, repo, path)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("reading %s/%s: %w", repo, path, err)
	}
	if int64(len(body)) > maxFileSize {
		return "", fmt.Errorf("%s/%s exceeds %d byte limit", repo, path, maxFileSize)
	}

	return string(body), nil
}

// contentsURL builds the contents-API URL with each path segment escaped.
func (c *Client) contentsURL(repo, path, ref string) string {
	var sb strings.Builder
	sb.WriteString(c.baseURL)
	sb.WriteString("/repos/")
	sb.WriteString(escapeSegments(repo))
	sb.WriteString("/contents/")
	sb.WriteString(escapeSegments(path))
	if ref != "" {
		sb.WriteString("?ref=")
		sb.WriteString(url.QueryEscape(ref))
	}
	return sb.String()
}

func escapeSegments(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
