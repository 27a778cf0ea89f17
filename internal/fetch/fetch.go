package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/archivesyncd/internal/manifest"
)

const userAgent = "archivesyncd/1.0"

// Client performs the engine's HTTP operations: manifest fetches and
// verified file downloads. Timeouts are supplied per call so manifest
// requests and downloads stay independently configurable.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a new fetch client
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{},
		logger: logger,
	}
}

// Expect describes the identity a downloaded file must match before it
// becomes visible at its destination.
type Expect struct {
	Size   int64
	SHA256 string // hex digest; empty skips the hash check
}

// Manifest fetches and parses a remote manifest. Any failure here is
// treated the same as unreachable: a malformed remote manifest cannot
// be trusted.
func (c *Client) Manifest(ctx context.Context, rawURL string, timeout time.Duration) (*manifest.Manifest, error) {
	body, err := c.get(ctx, rawURL, timeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest body: %w", err)
	}
	return manifest.Parse(data)
}

// GetJSON fetches a URL and decodes the JSON response into out
func (c *Client) GetJSON(ctx context.Context, rawURL string, timeout time.Duration, out any) error {
	body, err := c.get(ctx, rawURL, timeout)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
	}
	return nil
}

// Download fetches a URL into dst using a temporary file in the
// destination directory. The body is verified against the expected
// length and, when available, hash before the atomic rename; on any
// failure the temporary file is discarded and the pre-existing
// destination is left untouched.
func (c *Client) Download(ctx context.Context, rawURL, dst string, want Expect, timeout time.Duration) error {
	c.logger.Debug("downloading", "url", rawURL, "dest", dst)

	body, err := c.get(ctx, rawURL, timeout)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".archivesyncd-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmpFile, h), body)
	if err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("download interrupted: %w", err)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	// Verify before any visible move.
	if written != want.Size {
		return fmt.Errorf("size mismatch after download: got %d, want %d", written, want.Size)
	}
	if want.SHA256 != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, want.SHA256) {
			return fmt.Errorf("checksum mismatch after download: got %s, want %s", got, want.SHA256)
		}
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// get issues a GET bounded by timeout and returns the response body
// for 200 responses.
func (c *Client) get(ctx context.Context, rawURL string, timeout time.Duration) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelReadCloser ties a request-scoped timeout to the body lifetime
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// AddCacheBuster appends (or replaces) a "v" query parameter so
// CDN-cached stale bodies are bypassed after a new publish. An empty
// token leaves the URL unchanged.
func AddCacheBuster(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("v", token)
	u.RawQuery = q.Encode()
	return u.String()
}
