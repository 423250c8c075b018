/*
handlers.go - HTTP API handlers for the fact engine

PURPOSE:
  Exposes the fact store, the processing manifest and the run log over
  REST, and lets an operator trigger a run or a recovery pass.

ENDPOINTS:
  Health:
    GET    /api/health                 Storage reachability

  Facts:
    GET    /api/facts                  List facts (from, to, customer, product, limit)
    GET    /api/facts/changes          Change log (batch)
    GET    /api/facts/revenue          Facts priced by gross price (year)

  Manifest:
    GET    /api/manifest               List entries (status, repeatable)
    GET    /api/manifest/{id}          One file's status

  Runs:
    GET    /api/runs                   Run history (limit)
    POST   /api/runs                   Trigger a run now
    POST   /api/recover                Finish interrupted relocations

ERROR HANDLING:
  Errors are returned as JSON with the status of their category:
  - 400: Invalid query parameters
  - 404: Unknown entry
  - 409: Run in progress, manifest or merge conflict
  - 412: Dimension tables stale
  - 503: Storage unavailable
  - 500: Everything else

SEE ALSO:
  - dto.go: Response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/fact-engine/core"
	"github.com/warp/fact-engine/dimension"
	"github.com/warp/fact-engine/merge"
	"github.com/warp/fact-engine/pipeline"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// RunTrigger starts a pipeline run.
type RunTrigger interface {
	Run(ctx context.Context) (*pipeline.Report, error)
}

// Recoverer finishes interrupted file lifecycles.
type Recoverer interface {
	Recover(ctx context.Context) (merge.RecoveryReport, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Facts      core.FactStore
	Dimensions core.DimensionStore
	Manifest   core.Manifest
	Runs       core.RunLog
	Runner     RunTrigger
	Recovery   Recoverer

	// Ping reports storage health; nil means always healthy.
	Ping func(ctx context.Context) error

	// Metrics serves /metrics when set.
	Metrics http.Handler

	log *zap.Logger
}

// NewHandler creates a handler. Dependencies are set on the returned value.
func NewHandler(log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{log: log}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether storage answers.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthDTO{Status: "degraded", Storage: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthDTO{Status: "ok", Storage: "ok"})
}

// =============================================================================
// FACT ENDPOINTS
// =============================================================================

// ListFacts returns facts ordered by key.
// GET /api/facts?from=2024-01-01&to=2024-12-31&customer=C1&product=P1&limit=100
func (h *Handler) ListFacts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFactFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	facts, err := h.Facts.ListFacts(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list facts", err)
		return
	}

	dtos := make([]FactDTO, len(facts))
	for i, f := range facts {
		dtos[i] = toFactDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListChanges returns the change log, optionally for one batch.
// GET /api/facts/changes?batch=...
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := h.Facts.Changes(r.Context(), core.BatchID(r.URL.Query().Get("batch")))
	if err != nil {
		h.fail(w, "Failed to list changes", err)
		return
	}

	dtos := make([]ChangeDTO, len(changes))
	for i, c := range changes {
		dtos[i] = toChangeDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Revenue prices facts with the gross price of their product for the
// fiscal year of their period.
// GET /api/facts/revenue?year=2024
func (h *Handler) Revenue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := core.FactFilter{}

	if y := r.URL.Query().Get("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		filter.From = core.Date(year, time.January, 1)
		filter.To = core.Date(year, time.December, 31)
	}

	facts, err := h.Facts.ListFacts(ctx, filter)
	if err != nil {
		h.fail(w, "Failed to list facts", err)
		return
	}
	prices, err := h.Dimensions.GrossPrices(ctx)
	if err != nil {
		h.fail(w, "Failed to read gross prices", err)
		return
	}
	dates, err := h.Dimensions.Dates(ctx, filter.From, filter.To)
	if err != nil {
		h.fail(w, "Failed to read dates", err)
		return
	}

	rows := dimension.Revenue(facts, prices, dates)
	dtos := make([]RevenueDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toRevenueDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MANIFEST ENDPOINTS
// =============================================================================

// ListManifest returns manifest entries.
// GET /api/manifest?status=merged&status=archived
func (h *Handler) ListManifest(w http.ResponseWriter, r *http.Request) {
	var statuses []core.FileStatus
	for _, s := range r.URL.Query()["status"] {
		status := core.FileStatus(s)
		switch status {
		case core.StatusPending, core.StatusMerged, core.StatusArchived:
			statuses = append(statuses, status)
		default:
			writeError(w, http.StatusBadRequest, "Invalid status", errors.New(s))
			return
		}
	}

	entries, err := h.Manifest.List(r.Context(), statuses...)
	if err != nil {
		h.fail(w, "Failed to list manifest", err)
		return
	}

	dtos := make([]ManifestEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toManifestDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetManifestEntry returns one file's status. Unknown files are pending.
// GET /api/manifest/{id}
func (h *Handler) GetManifestEntry(w http.ResponseWriter, r *http.Request) {
	id := core.FileID(chi.URLParam(r, "id"))

	entry, err := h.Manifest.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get manifest entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toManifestDTO(entry))
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// ListRuns returns the newest runs first.
// GET /api/runs?limit=20
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerRun executes a run and returns its report. The run is detached
// from the request so a disconnecting client cannot abort a merge.
// POST /api/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	report, err := h.Runner.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		status, code := classify(err)
		resp := ErrorResponse{Error: "Run failed", Code: code}
		if report != nil {
			resp.Details = report
		} else {
			resp.Details = err.Error()
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TriggerRecover relocates files left merged by an interrupted run.
// POST /api/recover
func (h *Handler) TriggerRecover(w http.ResponseWriter, r *http.Request) {
	report, err := h.Recovery.Recover(r.Context())
	if err != nil {
		h.fail(w, "Recovery failed", err)
		return
	}
	if report.Archived == nil {
		report.Archived = []core.FileID{}
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseFactFilter(r *http.Request) (core.FactFilter, error) {
	q := r.URL.Query()
	filter := core.FactFilter{
		CustomerCode: q.Get("customer"),
		ProductCode:  q.Get("product"),
	}

	var err error
	if v := q.Get("from"); v != "" {
		if filter.From, err = core.ParseDate(v); err != nil {
			return filter, err
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.To, err = core.ParseDate(v); err != nil {
			return filter, err
		}
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			return filter, err
		}
	}
	return filter, nil
}

// classify maps an error to its HTTP status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, core.ErrMergeConflict):
		return http.StatusConflict, "merge_conflict"
	case errors.Is(err, core.ErrStatusConflict):
		return http.StatusConflict, "status_conflict"
	case errors.Is(err, core.ErrDimensionsStale):
		return http.StatusPreconditionFailed, "dimensions_stale"
	case errors.Is(err, core.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(message, zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
