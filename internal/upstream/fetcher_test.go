package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distboard/distboard/pkg/types"
)

func TestHTTPFetcherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/export", r.URL.Path)
		assert.Equal(t, "2024-07-01", r.URL.Query().Get("date"))
		assert.Equal(t, "D01", r.URL.Query().Get("entity"))
		json.NewEncoder(w).Encode(types.EntityRecord{Membership: 150, PaidClubs: 12})
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, time.Second)
	rec, err := f.Fetch(context.Background(), "2024-07-01", "D01")
	require.NoError(t, err)
	assert.Equal(t, "D01", rec.EntityID)
	assert.Equal(t, 150, rec.Membership)
}

func TestHTTPFetcherStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusNotFound, ErrNotAvailable},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		f := NewHTTPFetcher(srv.URL, time.Second)
		_, err := f.Fetch(context.Background(), "2024-07-01", "D01")
		assert.True(t, errors.Is(err, tc.want), "status %d: got %v", tc.status, err)
		srv.Close()
	}
}

func TestHTTPFetcherNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	f := NewHTTPFetcher(srv.URL, time.Second)
	_, err := f.Fetch(context.Background(), "2024-07-01", "D01")
	assert.True(t, errors.Is(err, ErrTransient))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.Wrap(ErrRateLimited, "x")))
	assert.True(t, Retryable(errors.Wrap(ErrTransient, "x")))
	assert.False(t, Retryable(ErrNotAvailable))
	assert.False(t, Retryable(errors.New("other")))
}

func TestStubFetcherErrorQueue(t *testing.T) {
	stub := NewStubFetcher()
	stub.Set("2024-07-01", "D01", types.EntityRecord{Membership: 100})
	stub.FailNext("2024-07-01", "D01", ErrRateLimited, ErrTransient)
	ctx := context.Background()

	_, err := stub.Fetch(ctx, "2024-07-01", "D01")
	assert.ErrorIs(t, err, ErrRateLimited)
	_, err = stub.Fetch(ctx, "2024-07-01", "D01")
	assert.ErrorIs(t, err, ErrTransient)
	rec, err := stub.Fetch(ctx, "2024-07-01", "D01")
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Membership)

	_, err = stub.Fetch(ctx, "2024-07-01", "D99")
	assert.ErrorIs(t, err, ErrNotAvailable)

	assert.Len(t, stub.Calls(), 4)
}
