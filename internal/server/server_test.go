package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/distboard/distboard/internal/analytics"
	"github.com/distboard/distboard/internal/backfill"
	"github.com/distboard/distboard/internal/jobstore"
	"github.com/distboard/distboard/internal/ratelimit"
	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/internal/timeseries"
	"github.com/distboard/distboard/internal/upstream"
	"github.com/distboard/distboard/pkg/apperr"
	"github.com/distboard/distboard/pkg/types"
)

type apiHarness struct {
	srv      *httptest.Server
	svc      *backfill.Service
	provider storage.Provider
	index    *timeseries.Maintainer
	fetcher  *upstream.StubFetcher
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	ctx := context.Background()
	bucket, err := storage.NewLocalBucket(t.TempDir())
	require.NoError(t, err)
	provider := storage.NewProvider(bucket)
	store, err := jobstore.NewStore(ctx, provider, zap.NewNop())
	require.NoError(t, err)

	rl := types.RateLimitConfig{
		MaxRequestsPerMinute: 600,
		MaxConcurrent:        4,
		MinDelayMs:           0,
		MaxDelayMs:           1000,
		BackoffMultiplier:    2.0,
	}
	limiter := ratelimit.New(ratelimit.FromTypes(rl))
	index := timeseries.NewMaintainer(provider, zap.NewNop())
	fetcher := upstream.NewStubFetcher()

	svc, err := backfill.New(ctx, backfill.Options{
		Provider:           provider,
		Store:              store,
		Limiter:            limiter,
		Fetcher:            fetcher,
		Computer:           analytics.NewComputer(1, nil),
		Index:              index,
		Log:                zap.NewNop(),
		SchemaVersion:      1,
		CalculationVersion: 1,
		MaxAttempts:        3,
		RetryInterval:      time.Millisecond,
	}, rl)
	require.NoError(t, err)

	h := &apiHarness{
		srv:      httptest.NewServer(New(svc, provider, index, zap.NewNop())),
		svc:      svc,
		provider: provider,
		index:    index,
		fetcher:  fetcher,
	}
	t.Cleanup(h.srv.Close)
	return h
}

type apiResponse struct {
	Data     json.RawMessage `json:"data"`
	Error    *apperr.Error   `json:"error"`
	Metadata struct {
		OperationID string `json:"operationId"`
		Timestamp   string `json:"timestamp"`
	} `json:"metadata"`
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) (int, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func validCreateBody() map[string]interface{} {
	return map[string]interface{}{
		"jobType":   "data-collection",
		"startDate": "2024-07-01",
		"endDate":   "2024-07-02",
		"entityIds": []string{"D01"},
	}
}

func TestCreateJobAccepted(t *testing.T) {
	h := newAPIHarness(t)
	h.fetcher.Set("2024-07-01", "D01", types.EntityRecord{Membership: 100})
	h.fetcher.Set("2024-07-02", "D01", types.EntityRecord{Membership: 101})

	status, resp := h.do(t, http.MethodPost, "/api/admin/backfill", validCreateBody())
	require.Equal(t, http.StatusAccepted, status)
	assert.NotEmpty(t, resp.Metadata.OperationID)
	assert.NotEmpty(t, resp.Metadata.Timestamp)

	var job types.Job
	require.NoError(t, json.Unmarshal(resp.Data, &job))
	assert.NotEmpty(t, job.JobID)

	h.svc.Wait()
	status, resp = h.do(t, http.MethodGet, "/api/admin/backfill/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(resp.Data, &job))
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestCreateJobValidationErrors(t *testing.T) {
	h := newAPIHarness(t)

	cases := []struct {
		name       string
		mutate     func(map[string]interface{})
		wantStatus int
		wantCode   apperr.Code
	}{
		{
			"bad date format",
			func(b map[string]interface{}) { b["startDate"] = "07/01/2024" },
			http.StatusBadRequest, apperr.CodeValidation,
		},
		{
			"inverted range",
			func(b map[string]interface{}) { b["startDate"], b["endDate"] = "2024-07-05", "2024-07-01" },
			http.StatusBadRequest, apperr.CodeInvalidDateRange,
		},
		{
			"unknown job type",
			func(b map[string]interface{}) { b["jobType"] = "mystery" },
			http.StatusBadRequest, apperr.CodeInvalidJobType,
		},
		{
			"end date today or later",
			func(b map[string]interface{}) { b["endDate"] = "2999-01-01" },
			http.StatusBadRequest, apperr.CodeInvalidDateRange,
		},
		{
			"missing entities",
			func(b map[string]interface{}) { delete(b, "entityIds") },
			http.StatusBadRequest, apperr.CodeValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validCreateBody()
			tc.mutate(body)
			status, resp := h.do(t, http.MethodPost, "/api/admin/backfill", body)
			assert.Equal(t, tc.wantStatus, status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.wantCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Metadata.OperationID)
		})
	}
}

func TestCreateJobRejectsUnknownFields(t *testing.T) {
	h := newAPIHarness(t)
	body := validCreateBody()
	body["surprise"] = true

	status, resp := h.do(t, http.MethodPost, "/api/admin/backfill", body)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeValidation, resp.Error.Code)
}

func TestCreateJobConflictsWithActiveJob(t *testing.T) {
	h := newAPIHarness(t)
	h.fetcher.Set("2024-07-01", "D01", types.EntityRecord{Membership: 100})
	h.fetcher.Set("2024-07-02", "D01", types.EntityRecord{Membership: 101})

	// Seed an active job directly, then hit the API with a second one.
	_, err := h.svc.Create(context.Background(), backfill.CreateRequest{
		JobType:   types.JobDataCollection,
		StartDate: "2024-07-01",
		EndDate:   "2024-07-02",
		EntityIDs: []string{"D01"},
	})
	require.NoError(t, err)

	status, resp := h.do(t, http.MethodPost, "/api/admin/backfill", validCreateBody())
	h.svc.Wait()
	if status == http.StatusAccepted {
		// The first job can finish before the API call lands; only a
		// still-active first job must conflict.
		t.Skip("first job already terminal")
	}
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeJobAlreadyRunning, resp.Error.Code)
}

func TestGetJobNotFound(t *testing.T) {
	h := newAPIHarness(t)
	status, resp := h.do(t, http.MethodGet, "/api/admin/backfill/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeJobNotFound, resp.Error.Code)
}

func TestListJobs(t *testing.T) {
	h := newAPIHarness(t)
	h.fetcher.Set("2024-07-01", "D01", types.EntityRecord{Membership: 100})
	h.fetcher.Set("2024-07-02", "D01", types.EntityRecord{Membership: 101})

	status, _ := h.do(t, http.MethodPost, "/api/admin/backfill", validCreateBody())
	require.Equal(t, http.StatusAccepted, status)
	h.svc.Wait()

	status, resp := h.do(t, http.MethodGet, "/api/admin/backfill/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, status)
	var listing struct {
		Jobs  []types.Job `json:"jobs"`
		Count int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &listing))
	assert.Equal(t, 1, listing.Count)

	status, resp = h.do(t, http.MethodGet, "/api/admin/backfill/jobs?limit=banana", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeValidation, resp.Error.Code)
}

func TestForceCancelRequiresForceParam(t *testing.T) {
	h := newAPIHarness(t)

	status, resp := h.do(t, http.MethodPost, "/api/admin/backfill/any/force-cancel", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeForceRequired, resp.Error.Code)

	// With force=true the unknown job surfaces as 404 instead.
	status, resp = h.do(t, http.MethodPost, "/api/admin/backfill/any/force-cancel?force=true", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeJobNotFound, resp.Error.Code)
}

func TestPreviewEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	status, resp := h.do(t, http.MethodPost, "/api/admin/backfill/preview", validCreateBody())
	require.Equal(t, http.StatusOK, status)

	var preview backfill.Preview
	require.NoError(t, json.Unmarshal(resp.Data, &preview))
	assert.Equal(t, 2, preview.TotalUnits)
}

func TestRateLimitConfigEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	status, resp := h.do(t, http.MethodGet, "/api/admin/backfill/config/rate-limit", nil)
	require.Equal(t, http.StatusOK, status)
	var cfg types.RateLimitConfig
	require.NoError(t, json.Unmarshal(resp.Data, &cfg))
	assert.Equal(t, 600, cfg.MaxRequestsPerMinute)

	status, resp = h.do(t, http.MethodPut, "/api/admin/backfill/config/rate-limit",
		map[string]interface{}{"maxRequestsPerMinute": 30})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(resp.Data, &cfg))
	assert.Equal(t, 30, cfg.MaxRequestsPerMinute)

	status, resp = h.do(t, http.MethodPut, "/api/admin/backfill/config/rate-limit",
		map[string]interface{}{"maxRequestsPerMinute": 0})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeValidation, resp.Error.Code)
}

func seedSnapshot(t *testing.T, h *apiHarness, date string) {
	t.Helper()
	ctx := context.Background()
	snap := &types.Snapshot{
		Metadata: types.SnapshotMetadata{
			SnapshotID: date,
			CreatedAt:  time.Now().UTC(),
			Status:     types.SnapshotSuccess,
		},
		Manifest: []string{"D01"},
		Records:  map[string]types.EntityRecord{"D01": {EntityID: "D01", Membership: 100}},
	}
	require.NoError(t, h.provider.PutSnapshot(ctx, snap))
	require.NoError(t, h.index.ApplySnapshot(ctx, snap))
}

func TestSnapshotEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	seedSnapshot(t, h, "2024-07-01")

	status, resp := h.do(t, http.MethodGet, "/api/admin/snapshots", nil)
	require.Equal(t, http.StatusOK, status)
	var listing struct {
		Snapshots []types.SnapshotMetadata `json:"snapshots"`
		Count     int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &listing))
	assert.Equal(t, 1, listing.Count)

	status, resp = h.do(t, http.MethodGet, "/api/admin/snapshots/2024-07-01", nil)
	require.Equal(t, http.StatusOK, status)
	var meta types.SnapshotMetadata
	require.NoError(t, json.Unmarshal(resp.Data, &meta))
	assert.Equal(t, "2024-07-01", meta.SnapshotID)

	status, resp = h.do(t, http.MethodGet, "/api/admin/snapshots/2024-07-01/payload", nil)
	require.Equal(t, http.StatusOK, status)
	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Contains(t, snap.Records, "D01")

	status, resp = h.do(t, http.MethodGet, "/api/admin/snapshots/1999-01-01", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeSnapshotNotFound, resp.Error.Code)

	status, resp = h.do(t, http.MethodGet, "/api/admin/snapshots?startDate=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeValidation, resp.Error.Code)
}

func TestSnapshotAnalyticsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.provider.PutAnalytics(context.Background(), "2024-07-01", []byte(`{"snapshotId":"2024-07-01"}`)))

	status, resp := h.do(t, http.MethodGet, "/api/admin/snapshots/2024-07-01/analytics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"snapshotId":"2024-07-01"}`, string(resp.Data))

	status, resp = h.do(t, http.MethodGet, "/api/admin/snapshots/1999-01-01/analytics", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeAnalyticsNotFound, resp.Error.Code)
}

func TestDeleteSnapshots(t *testing.T) {
	h := newAPIHarness(t)
	seedSnapshot(t, h, "2024-07-01")

	status, resp := h.do(t, http.MethodDelete, "/api/admin/snapshots",
		map[string]interface{}{"snapshotIds": []string{"2024-07-01"}})
	require.Equal(t, http.StatusOK, status)
	var out struct {
		Results []backfill.DeleteResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Deleted)

	status, resp = h.do(t, http.MethodDelete, "/api/admin/snapshots",
		map[string]interface{}{"snapshotIds": []string{}})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeValidation, resp.Error.Code)
}

func TestEntityFilteredDeletionIsUnsupported(t *testing.T) {
	h := newAPIHarness(t)

	status, resp := h.do(t, http.MethodDelete, "/api/admin/snapshots",
		map[string]interface{}{"snapshotIds": []string{"2024-07-01"}, "entityId": "D01"})
	assert.Equal(t, http.StatusNotImplemented, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeUnsupportedFilter, resp.Error.Code)

	status, resp = h.do(t, http.MethodDelete, "/api/admin/snapshots/range",
		map[string]interface{}{"startDate": "2024-07-01", "endDate": "2024-07-02", "entityId": "D01"})
	assert.Equal(t, http.StatusNotImplemented, status)

	status, resp = h.do(t, http.MethodDelete, "/api/admin/snapshots/all?confirm=true&entityId=D01", nil)
	assert.Equal(t, http.StatusNotImplemented, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeUnsupportedFilter, resp.Error.Code)
}

func TestDeleteSnapshotRangeEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	seedSnapshot(t, h, "2024-07-01")
	seedSnapshot(t, h, "2024-07-02")
	seedSnapshot(t, h, "2024-07-03")

	status, resp := h.do(t, http.MethodDelete, "/api/admin/snapshots/range",
		map[string]interface{}{"startDate": "2024-07-01", "endDate": "2024-07-02"})
	require.Equal(t, http.StatusOK, status)
	var out struct {
		Results []backfill.DeleteResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Len(t, out.Results, 2)

	status, resp = h.do(t, http.MethodDelete, "/api/admin/snapshots/range",
		map[string]interface{}{"startDate": "2024-07-05", "endDate": "2024-07-01"})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeInvalidDateRange, resp.Error.Code)
}

func TestDeleteAllRequiresConfirmation(t *testing.T) {
	h := newAPIHarness(t)
	seedSnapshot(t, h, "2024-07-01")

	status, resp := h.do(t, http.MethodDelete, "/api/admin/snapshots/all", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeValidation, resp.Error.Code)

	status, _ = h.do(t, http.MethodDelete, "/api/admin/snapshots/all?confirm=true", nil)
	require.Equal(t, http.StatusOK, status)

	metas, err := h.provider.ListSnapshotMetadata(context.Background(), storage.SnapshotFilter{})
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestTimeSeriesEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	seedSnapshot(t, h, "2024-07-01")

	status, resp := h.do(t, http.MethodGet, "/api/admin/time-series/D01/2024-2025", nil)
	require.Equal(t, http.StatusOK, status)
	var entry types.TimeSeriesEntry
	require.NoError(t, json.Unmarshal(resp.Data, &entry))
	require.Len(t, entry.DataPoints, 1)
	assert.Equal(t, 100, entry.Summary.Start)

	status, resp = h.do(t, http.MethodGet, "/api/admin/time-series/D99/2024-2025", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
}
