package media

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Fetcher downloads remote media.
type Fetcher struct {
	client *resty.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: resty.New().SetTimeout(timeout)}
}

// Get downloads url and returns the body with its declared content type.
func (f *Fetcher) Get(ctx context.Context, url string, headers map[string]string) ([]byte, string, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}
