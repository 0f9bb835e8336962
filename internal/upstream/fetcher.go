// Package upstream abstracts the external dashboard the collector scrapes.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/distboard/distboard/pkg/types"
)

// Sentinel classifications the executor keys its retry policy off.
var (
	// ErrRateLimited means the upstream returned 429; back off and retry.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrNotAvailable means the upstream has no data for that date and
	// entity; the unit fails permanently but the job continues.
	ErrNotAvailable = errors.New("upstream data not available")
	// ErrTransient covers 5xx and network errors; retry with backoff.
	ErrTransient = errors.New("upstream transient error")
)

// Fetcher retrieves one entity's dashboard record for one date.
type Fetcher interface {
	Fetch(ctx context.Context, date, entityID string) (*types.EntityRecord, error)
}

// HTTPFetcher scrapes a dashboard export endpoint of the form
// {base}/export?date=YYYY-MM-DD&entity={id} returning a JSON record.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher builds a fetcher against baseURL with the given timeout.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, date, entityID string) (*types.EntityRecord, error) {
	url := fmt.Sprintf("%s/export?date=%s&entity=%s", f.baseURL, date, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrTransient, "fetch %s/%s: %v", date, entityID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.Wrapf(ErrRateLimited, "fetch %s/%s", date, entityID)
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(ErrNotAvailable, "fetch %s/%s", date, entityID)
	case resp.StatusCode >= 500:
		return nil, errors.Wrapf(ErrTransient, "fetch %s/%s: status %d", date, entityID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("fetch %s/%s: unexpected status %d", date, entityID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrTransient, "read body: %v", err)
	}
	var rec types.EntityRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode record for %s/%s", date, entityID)
	}
	rec.EntityID = entityID
	return &rec, nil
}

// Retryable reports whether the executor should retry err with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
