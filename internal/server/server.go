// Package server exposes the admin HTTP API under /api/admin. Handlers
// validate input, delegate to the backfill service and storage provider,
// and translate error codes to HTTP statuses. Every response carries an
// operation ID and timestamp in its metadata envelope.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/distboard/distboard/internal/backfill"
	"github.com/distboard/distboard/internal/config"
	"github.com/distboard/distboard/internal/jobstore"
	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/internal/timeseries"
	"github.com/distboard/distboard/pkg/apperr"
	"github.com/distboard/distboard/pkg/types"
)

// Server wires the chi router over the service layer.
type Server struct {
	svc      *backfill.Service
	provider storage.Provider
	index    *timeseries.Maintainer
	log      *zap.Logger
	router   chi.Router
}

// New builds the admin API server.
func New(svc *backfill.Service, provider storage.Provider, index *timeseries.Maintainer, log *zap.Logger) *Server {
	s := &Server{
		svc:      svc,
		provider: provider,
		index:    index,
		log:      log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/admin", func(r chi.Router) {
		r.Route("/backfill", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Post("/preview", s.previewJob)
			r.Get("/jobs", s.listJobs)
			r.Get("/config/rate-limit", s.getRateLimit)
			r.Put("/config/rate-limit", s.putRateLimit)
			r.Get("/{jobId}", s.getJob)
			r.Delete("/{jobId}", s.cancelJob)
			r.Post("/{jobId}/force-cancel", s.forceCancelJob)
		})
		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", s.listSnapshots)
			r.Delete("/", s.deleteSnapshots)
			r.Delete("/range", s.deleteSnapshotRange)
			r.Delete("/all", s.deleteAllSnapshots)
			r.Get("/{snapshotId}", s.getSnapshotMetadata)
			r.Get("/{snapshotId}/payload", s.getSnapshotPayload)
			r.Get("/{snapshotId}/analytics", s.getSnapshotAnalytics)
		})
		r.Get("/time-series/{entityId}/{programYear}", s.getTimeSeries)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// ============================================================================
// Response envelope
// ============================================================================

type responseMeta struct {
	OperationID string `json:"operationId"`
	Timestamp   string `json:"timestamp"`
}

type envelope struct {
	Data     interface{}   `json:"data,omitempty"`
	Error    *apperr.Error `json:"error,omitempty"`
	Metadata responseMeta  `json:"metadata"`
}

func newMeta() responseMeta {
	return responseMeta{
		OperationID: uuid.NewString(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data, Metadata: newMeta()})
}

func writeErr(w http.ResponseWriter, err error) {
	ae := apperr.FromError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus())
	json.NewEncoder(w).Encode(envelope{Error: ae, Metadata: newMeta()})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Newf(apperr.CodeValidation, "invalid request body: %v", err)
	}
	return nil
}

// ============================================================================
// Backfill jobs
// ============================================================================

type createJobRequest struct {
	JobType      string   `json:"jobType"`
	StartDate    string   `json:"startDate"`
	EndDate      string   `json:"endDate"`
	EntityIDs    []string `json:"entityIds,omitempty"`
	SkipExisting bool     `json:"skipExisting,omitempty"`
}

func (req createJobRequest) toService() backfill.CreateRequest {
	return backfill.CreateRequest{
		JobType:      types.JobType(req.JobType),
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		EntityIDs:    req.EntityIDs,
		SkipExisting: req.SkipExisting,
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.svc.Create(r.Context(), req.toService())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) previewJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	preview, err := s.svc.Preview(r.Context(), req.toService())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobstore.Filter{
		Status: types.JobStatus(q.Get("status")),
		Type:   types.JobType(q.Get("jobType")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		writeErr(w, apperr.Newf(apperr.CodeValidation, "limit must be an integer, got %q", q.Get("limit")))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeErr(w, apperr.Newf(apperr.CodeValidation, "offset must be an integer, got %q", q.Get("offset")))
		return
	}
	jobs := s.svc.List(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job := s.svc.Get(chi.URLParam(r, "jobId"))
	if job == nil {
		writeErr(w, apperr.Newf(apperr.CodeJobNotFound, "job %s not found", chi.URLParam(r, "jobId")))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := s.svc.Cancel(r.Context(), jobID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Get(jobID))
}

func (s *Server) forceCancelJob(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("force") != "true" {
		writeErr(w, apperr.New(apperr.CodeForceRequired, "force-cancel requires force=true"))
		return
	}
	jobID := chi.URLParam(r, "jobId")
	operator := r.Header.Get("X-Operator")
	if err := s.svc.ForceCancel(r.Context(), jobID, operator); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Get(jobID))
}

// ============================================================================
// Rate-limit config
// ============================================================================

func (s *Server) getRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RateLimitConfig())
}

func (s *Server) putRateLimit(w http.ResponseWriter, r *http.Request) {
	var patch backfill.RateLimitPatch
	if err := decodeBody(r, &patch); err != nil {
		writeErr(w, err)
		return
	}
	updated, err := s.svc.UpdateRateLimit(r.Context(), patch, config.ValidateRateLimit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ============================================================================
// Snapshots
// ============================================================================

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, p := range []string{"startDate", "endDate"} {
		if v := q.Get(p); v != "" {
			if _, err := types.ParseDate(v); err != nil {
				writeErr(w, apperr.Newf(apperr.CodeValidation, "%s must be YYYY-MM-DD, got %q", p, v))
				return
			}
		}
	}
	filter := storage.SnapshotFilter{
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
		Status:    types.SnapshotStatus(q.Get("status")),
	}
	var err error
	if filter.SchemaVersion, err = intParam(q.Get("schemaVersion"), 0); err != nil {
		writeErr(w, apperr.New(apperr.CodeValidation, "schemaVersion must be an integer"))
		return
	}
	if filter.CalculationVersion, err = intParam(q.Get("calculationVersion"), 0); err != nil {
		writeErr(w, apperr.New(apperr.CodeValidation, "calculationVersion must be an integer"))
		return
	}
	if filter.MinEntityCount, err = intParam(q.Get("minEntityCount"), 0); err != nil {
		writeErr(w, apperr.New(apperr.CodeValidation, "minEntityCount must be an integer"))
		return
	}
	if filter.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeErr(w, apperr.New(apperr.CodeValidation, "limit must be an integer"))
		return
	}
	metas, err := s.provider.ListSnapshotMetadata(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": metas,
		"count":     len(metas),
	})
}

func (s *Server) getSnapshotMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotId")
	meta, err := s.provider.GetSnapshotMetadata(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if meta == nil {
		writeErr(w, apperr.Newf(apperr.CodeSnapshotNotFound, "snapshot %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) getSnapshotPayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotId")
	snap, err := s.provider.GetSnapshot(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if snap == nil {
		writeErr(w, apperr.Newf(apperr.CodeSnapshotNotFound, "snapshot %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getSnapshotAnalytics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotId")
	payload, err := s.provider.GetAnalytics(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if payload == nil {
		writeErr(w, apperr.Newf(apperr.CodeAnalyticsNotFound, "analytics for snapshot %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(payload))
}

type deleteSnapshotsRequest struct {
	SnapshotIDs []string `json:"snapshotIds"`
	EntityID    string   `json:"entityId,omitempty"`
}

func (s *Server) deleteSnapshots(w http.ResponseWriter, r *http.Request) {
	var req deleteSnapshotsRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.EntityID != "" {
		writeErr(w, apperr.New(apperr.CodeUnsupportedFilter,
			"entity-filtered deletion is not supported: snapshots are deleted whole"))
		return
	}
	if len(req.SnapshotIDs) == 0 {
		writeErr(w, apperr.New(apperr.CodeValidation, "snapshotIds must not be empty"))
		return
	}
	for _, id := range req.SnapshotIDs {
		if _, err := types.ParseDate(id); err != nil {
			writeErr(w, apperr.Newf(apperr.CodeValidation, "snapshot id must be YYYY-MM-DD, got %q", id))
			return
		}
	}
	results, err := s.svc.DeleteSnapshots(r.Context(), req.SnapshotIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

type deleteRangeRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	EntityID  string `json:"entityId,omitempty"`
}

func (s *Server) deleteSnapshotRange(w http.ResponseWriter, r *http.Request) {
	var req deleteRangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.EntityID != "" {
		writeErr(w, apperr.New(apperr.CodeUnsupportedFilter,
			"entity-filtered deletion is not supported: snapshots are deleted whole"))
		return
	}
	start, err := types.ParseDate(req.StartDate)
	if err != nil {
		writeErr(w, apperr.Newf(apperr.CodeValidation, "startDate must be YYYY-MM-DD, got %q", req.StartDate))
		return
	}
	end, err := types.ParseDate(req.EndDate)
	if err != nil {
		writeErr(w, apperr.Newf(apperr.CodeValidation, "endDate must be YYYY-MM-DD, got %q", req.EndDate))
		return
	}
	if end.Before(start) {
		writeErr(w, apperr.Newf(apperr.CodeInvalidDateRange, "endDate %s before startDate %s", req.EndDate, req.StartDate))
		return
	}
	results, err := s.svc.DeleteSnapshotRange(r.Context(), req.StartDate, req.EndDate)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) deleteAllSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("entityId") != "" {
		writeErr(w, apperr.New(apperr.CodeUnsupportedFilter,
			"entity-filtered deletion is not supported: snapshots are deleted whole"))
		return
	}
	if r.URL.Query().Get("confirm") != "true" {
		writeErr(w, apperr.New(apperr.CodeValidation, "deleting all snapshots requires confirm=true"))
		return
	}
	metas, err := s.provider.ListSnapshotMetadata(r.Context(), storage.SnapshotFilter{})
	if err != nil {
		writeErr(w, err)
		return
	}
	ids := make([]string, 0, len(metas))
	for _, m := range metas {
		ids = append(ids, m.SnapshotID)
	}
	results, err := s.svc.DeleteSnapshots(r.Context(), ids)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// ============================================================================
// Time series
// ============================================================================

func (s *Server) getTimeSeries(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityId")
	programYear := chi.URLParam(r, "programYear")
	entry, err := s.index.Read(r.Context(), entityID, programYear)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entry == nil {
		writeErr(w, apperr.Newf(apperr.CodeSnapshotNotFound,
			"no time series for entity %s in %s", entityID, programYear))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
