// Package status serves the read-side job facade: progress snapshots with
// paginated item states, plus the cancellation endpoint. Job-state conflicts
// are reported in the response body, never as a 409, so pollers keep a single
// happy path.
package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/store"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 50

	tenantHeader = "X-Tenant-ID"
)

// API exposes job status over HTTP.
type API struct {
	store store.Store
}

// NewAPI creates the status facade over the given store.
func NewAPI(st store.Store) *API {
	return &API{store: st}
}

// Router builds the HTTP routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", a.handleHealth)
	r.Get("/jobs/{jobID}", a.handleGetJob)
	r.Post("/jobs/{jobID}/cancel", a.handleCancelJob)
	return r
}

// pagination describes one page of item states.
type pagination struct {
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	HasMore    bool `json:"hasMore"`
	NextOffset int  `json:"nextOffset,omitempty"`
}

// jobView is the status response. The full grouping result is stripped from
// the default view; pass include=result to get it.
type jobView struct {
	ID                string            `json:"id"`
	SessionID         string            `json:"sessionId"`
	Type              string            `json:"type"`
	Status            string            `json:"status"`
	Progress          store.Progress    `json:"progress"`
	FallbackMode      bool              `json:"fallbackMode,omitempty"`
	CanResume         bool              `json:"canResume,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	ResultManifestKey string            `json:"resultManifestKey,omitempty"`
	Result            *store.JobResult  `json:"result,omitempty"`
	Items             []store.ItemState `json:"items"`
	Pagination        pagination        `json:"pagination"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		httpError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
		return
	}
	jobID := chi.URLParam(r, "jobID")

	job, err := a.store.GetJob(r.Context(), tenantID, jobID)
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("Failed to load job")
		httpError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		httpError(w, http.StatusNotFound, "job not found")
		return
	}

	offset, limit := pageParams(r)

	states, err := a.store.GetItemStates(r.Context(), tenantID, jobID)
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("Failed to load item states")
		httpError(w, http.StatusInternalServerError, "failed to load item states")
		return
	}

	page, pg := paginate(states, offset, limit)

	view := jobView{
		ID:                job.ID,
		SessionID:         job.SessionID,
		Type:              job.Type,
		Status:            job.Status,
		Progress:          job.Progress(),
		FallbackMode:      job.FallbackMode,
		CanResume:         job.CanResume,
		Reason:            job.Reason,
		ResultManifestKey: job.ResultManifestKey,
		Items:             page,
		Pagination:        pg,
	}
	if r.URL.Query().Get("include") == "result" {
		view.Result = job.Result
	}
	respondJSON(w, http.StatusOK, view)
}

// cancelResponse reports the outcome of a cancel request. A job that already
// settled is not an error: the caller learns the terminal status it lost to.
type cancelResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Conflict string `json:"conflict,omitempty"`
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		httpError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
		return
	}
	jobID := chi.URLParam(r, "jobID")

	cancelled := store.JobCancelled
	err := a.store.UpdateJob(r.Context(), tenantID, jobID, store.JobPatch{
		Status:   &cancelled,
		StatusIf: []string{store.JobPending, store.JobProcessing},
	})
	if err == nil {
		log.Info().Str("jobId", jobID).Msg("Job cancelled")
		respondJSON(w, http.StatusOK, cancelResponse{ID: jobID, Status: store.JobCancelled})
		return
	}
	if !errors.Is(err, store.ErrConditionFailed) {
		log.Error().Err(err).Str("jobId", jobID).Msg("Failed to cancel job")
		httpError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	job, err := a.store.GetJob(r.Context(), tenantID, jobID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		httpError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, cancelResponse{
		ID:       jobID,
		Status:   job.Status,
		Conflict: "job already " + job.Status,
	})
}

// pageParams reads offset/limit, clamping limit to [1, maxPageLimit].
func pageParams(r *http.Request) (offset, limit int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return offset, limit
}

func paginate(states []store.ItemState, offset, limit int) ([]store.ItemState, pagination) {
	total := len(states)
	pg := pagination{Offset: offset, Limit: limit, Total: total}

	if offset >= total {
		return []store.ItemState{}, pg
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := states[offset:end]
	if end < total {
		pg.HasMore = true
		pg.NextOffset = end
	}
	return page, pg
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
