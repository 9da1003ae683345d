// Package firmware looks up the newest MicroPython build for a board from
// a JSON catalog.
package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound means the catalog has no release for the board
	ErrNotFound = errors.New("firmware: no release for board")
	// ErrUnavailable means the catalog could not be fetched
	ErrUnavailable = errors.New("firmware: catalog unavailable")
)

// Release is one firmware build
type Release struct {
	Board     string    `json:"board"`
	Version   string    `json:"version"`
	URL       string    `json:"url"`
	SHA256    string    `json:"sha256,omitempty"`
	Published time.Time `json:"published"`
	// Stale is set when the release came from cache because the catalog
	// was unreachable
	Stale bool `json:"stale,omitempty"`
}

// Lookup finds the latest release for a board
type Lookup interface {
	Latest(ctx context.Context, board string) (Release, error)
}

type catalog struct {
	Releases []Release `json:"releases"`
}

// HTTPLookup reads a catalog document over HTTP
type HTTPLookup struct {
	url    string
	client *http.Client
}

// NewHTTPLookup creates a lookup against catalogURL. A nil client gets one
// with timeout.
func NewHTTPLookup(catalogURL string, client *http.Client, timeout time.Duration) *HTTPLookup {
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPLookup{url: catalogURL, client: client}
}

// Latest fetches the catalog and returns the most recently published
// release for board. Board names compare case-insensitively.
func (h *HTTPLookup) Latest(ctx context.Context, board string) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return Release{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Release{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var c catalog
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&c); err != nil {
		return Release{}, fmt.Errorf("%w: decode catalog: %v", ErrUnavailable, err)
	}

	var best *Release
	for i := range c.Releases {
		r := &c.Releases[i]
		if !strings.EqualFold(r.Board, board) {
			continue
		}
		if best == nil || !r.Published.Before(best.Published) {
			best = r
		}
	}
	if best == nil {
		return Release{}, fmt.Errorf("%w %q", ErrNotFound, board)
	}
	return *best, nil
}
