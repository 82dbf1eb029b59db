package telemetry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Fetcher retrieves telemetry for one node address.
type Fetcher interface {
	Fetch(ctx context.Context, addr string) (*Document, error)
}

// HTTPFetcher fetches telemetry over HTTP from the node itself.
type HTTPFetcher struct {
	client  *http.Client
	path    string
	maxBody int64
	now     func() time.Time
}

// NewHTTPFetcher creates a fetcher for http://<addr><path>.
func NewHTTPFetcher(path string, timeout time.Duration) *HTTPFetcher {
	if path == "" {
		path = "/cgi-bin/nodewatcher"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: timeout},
		path:    path,
		maxBody: 1 << 20,
		now:     time.Now,
	}
}

// Fetch downloads and parses the node's telemetry.
func (f *HTTPFetcher) Fetch(ctx context.Context, addr string) (*Document, error) {
	return f.fetchURL(ctx, "http://"+net.JoinHostPort(addr, "80")+f.path, addr)
}

func (f *HTTPFetcher) fetchURL(ctx context.Context, url, addr string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create telemetry request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch telemetry from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch telemetry from %s: status %d", addr, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read telemetry from %s: %w", addr, err)
	}
	return Parse(body, f.now())
}
