// Package fetcher retrieves remote policy documents. The HTTP client here
// must never route through a proxy: it runs while the transparent proxy is
// being reconfigured, so any proxy setting would point at a listener that is
// about to change underneath it.
package fetcher

import (
	"context"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Fetcher retrieves a remote document.
type Fetcher interface {
	// Fetch downloads the document at url. The context bounds the whole
	// attempt including connection setup.
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type httpFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a Fetcher with an explicit direct transport.
func NewHTTPFetcher(timeout time.Duration) Fetcher {

	transport := &http.Transport{
		// Proxy deliberately nil: this fetch must bypass the very proxy
		// being configured.
		Proxy:               nil,
		TLSHandshakeTimeout: timeout,
	}

	return &httpFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build request for %s", url)
	}

	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to fetch %s", url)
	}
	defer resp.Body.Close() // nolint

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read body of %s", url)
	}

	return data, nil
}
