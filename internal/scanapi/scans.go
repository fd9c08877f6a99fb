package scanapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sift/internal/artifact"
	"github.com/linnemanlabs/sift/internal/scan"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (a *API) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var req scan.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid payload")
		return
	}

	job, err := a.scans.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrInvalidRequest):
			errorJSON(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, scan.ErrQuotaExceeded):
			errorJSON(w, http.StatusTooManyRequests, err.Error())
		default:
			a.logger.Error(r.Context(), err, "scan submit failed", "org_id", req.OrgID, "repo", req.RepoURL)
			errorJSON(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.scan.id", job.ID))

	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) handleListScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("org_id") == "" {
		errorJSON(w, http.StatusBadRequest, "org_id is required")
		return
	}
	status := scan.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		errorJSON(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}

	filter := scan.ListFilter{
		OrgID:  q.Get("org_id"),
		RepoID: q.Get("repo_id"),
		Status: status,
		Limit:  listLimit(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	}

	jobs, err := a.scans.List(r.Context(), filter)
	if err != nil {
		a.logger.Error(r.Context(), err, "list scans failed", "org_id", filter.OrgID)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if jobs == nil {
		jobs = []*scan.ScanJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": jobs})
}

func (a *API) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.scan.id", id))

	job, ok, err := a.scans.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get scan", "scan_id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		errorJSON(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("sift.scan.status", string(job.Status)))
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := a.scans.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrNotFound):
			errorJSON(w, http.StatusNotFound, "not found")
		case errors.Is(err, scan.ErrInvalidTransition):
			errorJSON(w, http.StatusConflict, err.Error())
		default:
			a.logger.Error(r.Context(), err, "cancel scan failed", "scan_id", id)
			errorJSON(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleGetScanSARIF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, ok, err := a.scans.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get scan", "scan_id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		errorJSON(w, http.StatusNotFound, "not found")
		return
	}
	if job.SARIFKey == "" {
		errorJSON(w, http.StatusNotFound, "scan has no sarif artifact")
		return
	}

	u, err := a.artifacts.PresignGet(r.Context(), job.SARIFKey, 0, job.ID+".sarif")
	if err != nil {
		a.logger.Error(r.Context(), err, "presign sarif failed", "scan_id", id, "key", job.SARIFKey)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":             u,
		"expires_seconds": int(artifact.DefaultPresignExpiry.Seconds()),
	})
}

// listLimit parses a limit query value with the default page size and
// the hard cap applied.
func listLimit(s string) int {
	n := queryInt(s)
	if n == 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// queryInt parses a non-negative integer query value, treating absent
// or malformed values as zero.
func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
