package hds

import (
	"context"
	"errors"

	"github.com/wiseplay-app/hdsdemux/internal/httpclient"
)

// Fetcher retrieves manifests, bootstraps and media fragments. Errors
// wrapping httpclient.ErrTransient are surfaced by the demuxer as "no
// data yet" rather than failing the session.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is the production Fetcher backed by the resilient HTTP
// client.
type HTTPFetcher struct {
	Client *httpclient.Client
}

// NewHTTPFetcher creates a Fetcher over client; a nil client gets the
// default configuration.
func NewHTTPFetcher(client *httpclient.Client) *HTTPFetcher {
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	return &HTTPFetcher{Client: client}
}

// Fetch downloads url in full.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.Client.Fetch(ctx, url)
}

// isTransient reports whether a fetch failure should surface as "no
// data this call" instead of ending the session.
func isTransient(err error) bool {
	return errors.Is(err, httpclient.ErrTransient)
}

// isInterrupted reports whether a failure is a host-requested
// cancellation that must propagate immediately.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
