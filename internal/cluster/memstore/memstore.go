// Package memstore provides an in-memory implementation of cluster.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/sift/internal/cluster"
)

// Store holds clusters, memberships, and the embedding cache in memory.
// Suitable for dev/testing.
type Store struct {
	mu         sync.RWMutex
	clusters   map[string]*cluster.Cluster      // cluster ID -> cluster
	byOrg      map[string][]string              // org ID -> cluster IDs
	members    map[string][]*cluster.Membership // cluster ID -> memberships
	embeddings map[string][]float32             // content hash -> vector
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		clusters:   make(map[string]*cluster.Cluster),
		byOrg:      make(map[string][]string),
		members:    make(map[string][]*cluster.Membership),
		embeddings: make(map[string][]float32),
	}
}

// ReplaceClusters swaps the org's cluster set under a single lock, so
// readers see either the old run or the new one, never a mix.
func (s *Store) ReplaceClusters(_ context.Context, orgID string, clusters []*cluster.Cluster, memberships []*cluster.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byOrg[orgID] {
		delete(s.clusters, id)
		delete(s.members, id)
	}
	delete(s.byOrg, orgID)

	for _, c := range clusters {
		cp := *c
		s.clusters[c.ID] = &cp
		s.byOrg[orgID] = append(s.byOrg[orgID], c.ID)
	}
	for _, m := range memberships {
		cp := *m
		s.members[m.ClusterID] = append(s.members[m.ClusterID], &cp)
	}
	return nil
}

// GetCluster retrieves a cluster by ID. Returns a copy.
func (s *Store) GetCluster(_ context.Context, id string) (*cluster.Cluster, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

// ListClusters returns copies of the org's clusters, largest first.
func (s *Store) ListClusters(_ context.Context, orgID string) ([]*cluster.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*cluster.Cluster, 0, len(s.byOrg[orgID]))
	for _, id := range s.byOrg[orgID] {
		cp := *s.clusters[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListMembers returns copies of a cluster's memberships, closest to the
// centroid first.
func (s *Store) ListMembers(_ context.Context, clusterID string) ([]*cluster.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms := s.members[clusterID]
	out := make([]*cluster.Membership, 0, len(ms))
	for _, m := range ms {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceToCentroid != out[j].DistanceToCentroid {
			return out[i].DistanceToCentroid < out[j].DistanceToCentroid
		}
		return out[i].FindingID < out[j].FindingID
	})
	return out, nil
}

// GetCachedEmbeddings resolves content hashes to cached vectors.
func (s *Store) GetCachedEmbeddings(_ context.Context, keys []string) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]float32)
	for _, k := range keys {
		if v, ok := s.embeddings[k]; ok {
			out[k] = append([]float32(nil), v...)
		}
	}
	return out, nil
}

// PutCachedEmbeddings stores copies of the vectors. Existing entries are
// left untouched.
func (s *Store) PutCachedEmbeddings(_ context.Context, entries map[string][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range entries {
		if _, ok := s.embeddings[k]; ok {
			continue
		}
		s.embeddings[k] = append([]float32(nil), v...)
	}
	return nil
}
