package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

const maxPlaylistSize = 1 << 20

// HLSProber checks that the media server serves a playlist for a path.
type HLSProber struct {
	baseURL    string
	httpClient *http.Client
}

func NewHLSProber(baseURL string, timeout time.Duration) *HLSProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HLSProber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PlaylistURL is the HLS entry point of path.
func (p *HLSProber) PlaylistURL(path string) string {
	return fmt.Sprintf("%s/%s/index.m3u8", p.baseURL, escapePath(path))
}

// Probe reports whether the playlist answers with a 2xx/3xx status.
// A 200 body must also decode as an m3u8 playlist.
func (p *HLSProber) Probe(ctx context.Context, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.PlaylistURL(path), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return true, nil
	}

	if _, _, err := m3u8.DecodeFrom(io.LimitReader(resp.Body, maxPlaylistSize), false); err != nil {
		return false, fmt.Errorf("invalid playlist: %w", err)
	}
	return true, nil
}
