package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const maxFetchBytes = 8 << 20

// HTTPFetcher re-crawls audited urls over plain HTTP. It only returns the raw body, so audits
// it performs are decided by the raw content hash.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher using the default http client
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: http.DefaultClient,
	}
}

// Fetch retrieves the raw body of url
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request for %s; %w", url, err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s; %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("failed to fetch %s; status %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s; %w", url, err)
	}
	return raw, "", nil
}
