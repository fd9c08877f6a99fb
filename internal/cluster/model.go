// Package cluster groups findings by semantic similarity. It embeds each
// finding's salient fields into a vector, groups the vectors with a
// density-based or agglomerative algorithm, and persists the resulting
// clusters with per-cluster quality signals. Runs replace the scope's
// previous clusters wholesale rather than patching them incrementally.
package cluster

import (
	"time"

	"github.com/linnemanlabs/sift/internal/finding"
)

// Clustering algorithms.
const (
	AlgorithmDBSCAN        = "dbscan"
	AlgorithmAgglomerative = "agglomerative"
)

// DefaultThreshold is the cosine similarity two members must reach to
// land in the same cluster when the caller does not choose one.
const DefaultThreshold = 0.85

// Cluster is one group of semantically similar findings produced by a
// clustering run.
type Cluster struct {
	ID        string  `json:"id"`
	OrgID     string  `json:"org_id"`
	Algorithm string  `json:"algorithm"`
	Threshold float64 `json:"similarity_threshold"`

	Size          int     `json:"size"`
	AvgSimilarity float64 `json:"avg_similarity"`
	CohesionScore float64 `json:"cohesion_score"`

	// Primary* mirror the representative finding for cheap list views.
	PrimaryRuleID   string           `json:"primary_rule_id"`
	PrimarySeverity finding.Severity `json:"primary_severity"`
	PrimaryTool     string           `json:"primary_tool"`

	// RepresentativeFindingID is the member closest to the centroid.
	RepresentativeFindingID string `json:"representative_finding_id"`

	Stats     Stats     `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links one finding into one cluster.
type Membership struct {
	ClusterID          string  `json:"cluster_id"`
	FindingID          string  `json:"finding_id"`
	DistanceToCentroid float64 `json:"distance_to_centroid"`
}

// Stats are the quality signals computed per cluster. Distances are
// euclidean to the centroid; similarities are raw cosine over member
// pairs.
type Stats struct {
	AvgDistanceToCentroid float64 `json:"avg_distance_to_centroid"`
	StdDistanceToCentroid float64 `json:"std_distance_to_centroid"`
	AvgPairwiseSimilarity float64 `json:"avg_pairwise_similarity"`
	MinPairwiseSimilarity float64 `json:"min_pairwise_similarity"`
	MaxPairwiseSimilarity float64 `json:"max_pairwise_similarity"`
}

// RunOptions tune one clustering run. Zero values select the defaults.
type RunOptions struct {
	Algorithm string  `json:"algorithm,omitempty"`
	Threshold float64 `json:"similarity_threshold,omitempty"`
}

// RunSummary reports one clustering run. Findings counts the candidates
// listed for the scope; Embedded counts those with a usable vector;
// Noise counts embedded candidates that joined no cluster.
type RunSummary struct {
	Findings  int     `json:"findings"`
	Embedded  int     `json:"embedded"`
	CacheHits int     `json:"cache_hits"`
	Clusters  int     `json:"clusters"`
	Noise     int     `json:"noise"`
	Duration  float64 `json:"duration_seconds"`
}
