// Package scanapi exposes scans, findings and clusters over HTTP.
package scanapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/adjudicate"
	"github.com/linnemanlabs/sift/internal/artifact"
	"github.com/linnemanlabs/sift/internal/cluster"
	"github.com/linnemanlabs/sift/internal/finding"
	"github.com/linnemanlabs/sift/internal/scan"
)

// ScanService defines the scan operations the API needs.
type ScanService interface {
	Submit(ctx context.Context, req scan.SubmitRequest) (*scan.ScanJob, error)
	Get(ctx context.Context, id string) (*scan.ScanJob, bool, error)
	List(ctx context.Context, filter scan.ListFilter) ([]*scan.ScanJob, error)
	Cancel(ctx context.Context, id string) (*scan.ScanJob, error)
}

// Adjudicator runs LLM adjudication over findings.
type Adjudicator interface {
	Run(ctx context.Context, req adjudicate.RunRequest) (*adjudicate.RunSummary, error)
}

// Clusterer re-clusters an organization's findings.
type Clusterer interface {
	Run(ctx context.Context, orgID string, opts cluster.RunOptions) (*cluster.RunSummary, error)
}

// Deps collects the API collaborators. Adjudicator and Clusterer are
// optional; their routes answer 503 while the matching provider key is
// not configured.
type Deps struct {
	Scans       ScanService
	Findings    finding.Store
	Clusters    cluster.Store
	Artifacts   artifact.Store
	Adjudicator Adjudicator
	Clusterer   Clusterer
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger      log.Logger
	scans       ScanService
	findings    finding.Store
	clusters    cluster.Store
	artifacts   artifact.Store
	adjudicator Adjudicator
	clusterer   Clusterer
}

// New creates a new API handler.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if deps.Scans == nil {
		panic(xerrors.New("scan service is required"))
	}
	if deps.Findings == nil {
		panic(xerrors.New("finding store is required"))
	}
	if deps.Clusters == nil {
		panic(xerrors.New("cluster store is required"))
	}
	if deps.Artifacts == nil {
		panic(xerrors.New("artifact store is required"))
	}
	return &API{
		logger:      logger,
		scans:       deps.Scans,
		findings:    deps.Findings,
		clusters:    deps.Clusters,
		artifacts:   deps.Artifacts,
		adjudicator: deps.Adjudicator,
		clusterer:   deps.Clusterer,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scans", a.handleSubmitScan)
		r.Get("/scans", a.handleListScans)
		r.Get("/scans/{id}", a.handleGetScan)
		r.Post("/scans/{id}/cancel", a.handleCancelScan)
		r.Get("/scans/{id}/sarif", a.handleGetScanSARIF)

		r.Get("/findings", a.handleListFindings)
		r.Get("/findings/{id}", a.handleGetFinding)
		r.Post("/findings/{id}/status", a.handleSetFindingStatus)

		r.Post("/adjudications", a.handleRunAdjudication)
		r.Post("/clusterings", a.handleRunClustering)
		r.Get("/clusters", a.handleListClusters)
		r.Get("/clusters/{id}", a.handleGetCluster)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errorJSON(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
