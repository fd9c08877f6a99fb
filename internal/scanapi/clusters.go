package scanapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sift/internal/adjudicate"
	"github.com/linnemanlabs/sift/internal/cluster"
)

func (a *API) handleRunAdjudication(w http.ResponseWriter, r *http.Request) {
	if a.adjudicator == nil {
		errorJSON(w, http.StatusServiceUnavailable, "adjudication is not configured")
		return
	}

	var req adjudicate.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.OrgID == "" {
		errorJSON(w, http.StatusBadRequest, "org_id is required")
		return
	}
	if req.Pattern != "" && !req.Pattern.Valid() {
		errorJSON(w, http.StatusBadRequest, "unknown pattern "+strconv.Quote(string(req.Pattern)))
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sift.adjudicate.org_id", req.OrgID),
		attribute.String("sift.adjudicate.pattern", string(req.Pattern)),
	)

	summary, err := a.adjudicator.Run(r.Context(), req)
	if err != nil {
		a.logger.Error(r.Context(), err, "adjudication run failed", "org_id", req.OrgID, "pattern", string(req.Pattern))
		errorJSON(w, http.StatusInternalServerError, "adjudication run failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleRunClustering(w http.ResponseWriter, r *http.Request) {
	if a.clusterer == nil {
		errorJSON(w, http.StatusServiceUnavailable, "clustering is not configured")
		return
	}

	var req struct {
		OrgID     string  `json:"org_id"`
		Algorithm string  `json:"algorithm,omitempty"`
		Threshold float64 `json:"similarity_threshold,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.OrgID == "" {
		errorJSON(w, http.StatusBadRequest, "org_id is required")
		return
	}
	switch req.Algorithm {
	case "", cluster.AlgorithmDBSCAN, cluster.AlgorithmAgglomerative:
	default:
		errorJSON(w, http.StatusBadRequest, "unknown algorithm "+strconv.Quote(req.Algorithm))
		return
	}
	if req.Threshold != 0 && (req.Threshold <= 0 || req.Threshold >= 1) {
		errorJSON(w, http.StatusBadRequest, "similarity_threshold must be in (0, 1)")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.cluster.org_id", req.OrgID))

	summary, err := a.clusterer.Run(r.Context(), req.OrgID, cluster.RunOptions{
		Algorithm: req.Algorithm,
		Threshold: req.Threshold,
	})
	if err != nil {
		a.logger.Error(r.Context(), err, "clustering run failed", "org_id", req.OrgID)
		errorJSON(w, http.StatusInternalServerError, "clustering run failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleListClusters(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		errorJSON(w, http.StatusBadRequest, "org_id is required")
		return
	}

	clusters, err := a.clusters.ListClusters(r.Context(), orgID)
	if err != nil {
		a.logger.Error(r.Context(), err, "list clusters failed", "org_id", orgID)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if clusters == nil {
		clusters = []*cluster.Cluster{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters})
}

func (a *API) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.cluster.id", id))

	c, ok, err := a.clusters.GetCluster(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get cluster", "cluster_id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		errorJSON(w, http.StatusNotFound, "not found")
		return
	}

	members, err := a.clusters.ListMembers(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list cluster members", "cluster_id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if members == nil {
		members = []*cluster.Membership{}
	}

	writeJSON(w, http.StatusOK, struct {
		*cluster.Cluster
		Members []*cluster.Membership `json:"members"`
	}{c, members})
}
