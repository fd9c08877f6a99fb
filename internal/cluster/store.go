package cluster

import "context"

// Store is the persistence interface for clusters, memberships, and the
// embedding cache.
type Store interface {
	// ReplaceClusters swaps the org's entire cluster set for the given
	// one atomically. Readers never observe clusters from two runs at
	// once, and no membership may outlive its cluster.
	ReplaceClusters(ctx context.Context, orgID string, clusters []*Cluster, memberships []*Membership) error

	GetCluster(ctx context.Context, id string) (*Cluster, bool, error)

	// ListClusters returns the org's clusters, largest first.
	ListClusters(ctx context.Context, orgID string) ([]*Cluster, error)

	// ListMembers returns a cluster's memberships, closest to the
	// centroid first.
	ListMembers(ctx context.Context, clusterID string) ([]*Membership, error)

	// GetCachedEmbeddings resolves content hashes to cached vectors.
	// Missing keys are simply absent from the result.
	GetCachedEmbeddings(ctx context.Context, keys []string) (map[string][]float32, error)

	// PutCachedEmbeddings stores vectors by content hash. Writes are
	// idempotent; an existing entry for a hash is left untouched.
	PutCachedEmbeddings(ctx context.Context, entries map[string][]float32) error
}
