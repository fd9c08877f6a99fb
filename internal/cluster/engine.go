// internal/cluster/engine.go
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sift/internal/finding"
)

// maxFindings caps how many findings one run pulls into clustering.
const maxFindings = 1000

// Engine runs the embed-then-cluster pipeline for one org at a time.
type Engine struct {
	findings finding.Store
	embedder Embedder
	store    Store
	logger   log.Logger
}

// NewEngine wires the clustering pipeline. A nil logger is replaced
// with a no-op logger.
func NewEngine(findings finding.Store, embedder Embedder, store Store, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		findings: findings,
		embedder: embedder,
		store:    store,
		logger:   logger,
	}
}

// Run clusters the org's findings and atomically replaces its previous
// cluster set. A run that produces no clusters still replaces, leaving
// the scope empty rather than stale.
func (e *Engine) Run(ctx context.Context, orgID string, opts RunOptions) (*RunSummary, error) {
	start := time.Now()

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmDBSCAN
	}
	if algorithm != AlgorithmDBSCAN && algorithm != AlgorithmAgglomerative {
		return nil, fmt.Errorf("unknown algorithm %q", opts.Algorithm)
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("similarity threshold must be in (0, 1), got %v", opts.Threshold)
	}

	e.logger.Info(ctx, "clustering run started",
		"org_id", orgID,
		"algorithm", algorithm,
		"threshold", threshold,
	)

	all, err := e.findings.ListFindings(ctx, finding.ListFilter{OrgID: orgID, Limit: maxFindings})
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}

	inputs := make([]string, len(all))
	for i, f := range all {
		inputs[i] = BuildEmbeddingInput(f)
	}
	vectors, cacheHits, err := e.embed(ctx, inputs)
	if err != nil {
		return nil, err
	}

	// drop rows whose embedding failed
	var candidates []*finding.Finding
	var candVecs [][]float32
	for i, v := range vectors {
		if isZeroVector(v) {
			continue
		}
		candidates = append(candidates, all[i])
		candVecs = append(candVecs, v)
	}

	var clusters []*Cluster
	var memberships []*Membership
	if len(candVecs) >= 2 {
		var labels []int
		switch algorithm {
		case AlgorithmDBSCAN:
			labels = dbscan(candVecs, 1-threshold, 2)
		case AlgorithmAgglomerative:
			labels = agglomerative(candVecs, 1-threshold)
		}
		clusters, memberships = e.buildClusters(orgID, algorithm, threshold, candidates, candVecs, labels)
	}

	if err := e.store.ReplaceClusters(ctx, orgID, clusters, memberships); err != nil {
		return nil, fmt.Errorf("replace clusters: %w", err)
	}

	summary := &RunSummary{
		Findings:  len(all),
		Embedded:  len(candVecs),
		CacheHits: cacheHits,
		Clusters:  len(clusters),
		Noise:     len(candVecs) - len(memberships),
		Duration:  time.Since(start).Seconds(),
	}
	e.logger.Info(ctx, "clustering run complete",
		"org_id", orgID,
		"algorithm", algorithm,
		"findings", summary.Findings,
		"embedded", summary.Embedded,
		"cache_hits", summary.CacheHits,
		"clusters", summary.Clusters,
		"noise", summary.Noise,
		"duration_s", summary.Duration,
	)
	return summary, nil
}

// buildClusters turns labeled vectors into persisted cluster records.
// Groups smaller than two members are discarded, which covers both
// dbscan noise and agglomerative singletons.
func (e *Engine) buildClusters(
	orgID, algorithm string,
	threshold float64,
	candidates []*finding.Finding,
	vectors [][]float32,
	labels []int,
) ([]*Cluster, []*Membership) {
	groups := make(map[int][]int)
	maxLabel := -1
	for i, l := range labels {
		if l == noiseLabel {
			continue
		}
		groups[l] = append(groups[l], i)
		if l > maxLabel {
			maxLabel = l
		}
	}

	now := time.Now().UTC()
	var clusters []*Cluster
	var memberships []*Membership
	for label := 0; label <= maxLabel; label++ {
		members := groups[label]
		if len(members) < 2 {
			continue
		}

		vecs := make([][]float32, len(members))
		for i, at := range members {
			vecs[i] = vectors[at]
		}

		cent := centroid(vecs)
		dists := make([]float64, len(vecs))
		repIdx := 0
		for i, v := range vecs {
			dists[i] = euclideanDistance(v, cent)
			if dists[i] < dists[repIdx] {
				repIdx = i
			}
		}
		stats := clusterStats(vecs, dists)
		rep := candidates[members[repIdx]]

		cl := &Cluster{
			ID:                      ulid.Make().String(),
			OrgID:                   orgID,
			Algorithm:               algorithm,
			Threshold:               threshold,
			Size:                    len(members),
			AvgSimilarity:           stats.AvgPairwiseSimilarity,
			CohesionScore:           1 - stats.AvgDistanceToCentroid,
			PrimaryRuleID:           rep.RuleID,
			PrimarySeverity:         rep.Severity,
			PrimaryTool:             rep.Tool,
			RepresentativeFindingID: rep.ID,
			Stats:                   stats,
			CreatedAt:               now,
		}
		clusters = append(clusters, cl)

		for i, at := range members {
			memberships = append(memberships, &Membership{
				ClusterID:          cl.ID,
				FindingID:          candidates[at].ID,
				DistanceToCentroid: dists[i],
			})
		}
	}
	return clusters, memberships
}
