package scanapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sift/internal/finding"
)

func (a *API) handleListFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("org_id") == "" {
		errorJSON(w, http.StatusBadRequest, "org_id is required")
		return
	}
	status := finding.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		errorJSON(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	severity := finding.Severity(q.Get("severity"))
	if severity != "" && !severity.Valid() {
		errorJSON(w, http.StatusBadRequest, "unknown severity "+strconv.Quote(string(severity)))
		return
	}

	filter := finding.ListFilter{
		OrgID:       q.Get("org_id"),
		RepoID:      q.Get("repo_id"),
		ScanID:      q.Get("scan_id"),
		Status:      status,
		Severity:    severity,
		Tool:        q.Get("tool"),
		Unverdicted: q.Get("unverdicted") == "true",
		Limit:       listLimit(q.Get("limit")),
		Offset:      queryInt(q.Get("offset")),
	}

	findings, err := a.findings.ListFindings(r.Context(), filter)
	if err != nil {
		a.logger.Error(r.Context(), err, "list findings failed", "org_id", filter.OrgID)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if findings == nil {
		findings = []*finding.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

func (a *API) handleGetFinding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.finding.id", id))

	f, ok, err := a.findings.GetFinding(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get finding", "finding_id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		errorJSON(w, http.StatusNotFound, "not found")
		return
	}

	verdicts, err := a.findings.ListVerdicts(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list verdicts", "finding_id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if verdicts == nil {
		verdicts = []*finding.Verdict{}
	}

	writeJSON(w, http.StatusOK, struct {
		*finding.Finding
		Verdicts []*finding.Verdict `json:"verdicts"`
	}{f, verdicts})
}

func (a *API) handleSetFindingStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Status finding.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !req.Status.Valid() {
		errorJSON(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(req.Status)))
		return
	}

	if err := a.findings.SetStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, finding.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "not found")
			return
		}
		a.logger.Error(r.Context(), err, "set finding status failed", "finding_id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	f, ok, err := a.findings.GetFinding(r.Context(), id)
	if err != nil || !ok {
		// The status change landed; report success even if the re-read
		// hit a transient fault.
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
		return
	}
	writeJSON(w, http.StatusOK, f)
}
