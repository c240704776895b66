package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MediaMTXClient talks to the media server control API.
type MediaMTXClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewMediaMTXClient(baseURL string) *MediaMTXClient {
	return &MediaMTXClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type pathConfig struct {
	Source string `json:"source"`
}

// AddPath creates or replaces the path configuration so that the media
// server pulls from source.
func (c *MediaMTXClient) AddPath(ctx context.Context, path, source string) error {
	payload, err := json.Marshal(pathConfig{Source: source})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v3/config/paths/replace/%s", c.baseURL, escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("media server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	log.Printf("[mediamtx] Path %q added, sourcing from %s", path, source)
	return nil
}

// DeletePath removes the path configuration. A path the server does not
// know about counts as deleted.
func (c *MediaMTXClient) DeletePath(ctx context.Context, path string) error {
	endpoint := fmt.Sprintf("%s/v3/config/paths/delete/%s", c.baseURL, escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		log.Printf("[mediamtx] Path %q removed", path)
		return nil
	case http.StatusNotFound:
		log.Printf("[mediamtx] Path %q not present on media server", path)
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("media server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// escapePath escapes each segment but keeps the "/" separators.
func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
