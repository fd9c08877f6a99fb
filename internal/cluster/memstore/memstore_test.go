package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/linnemanlabs/sift/internal/cluster"
)

func sampleRun(orgID, suffix string) ([]*cluster.Cluster, []*cluster.Membership) {
	c1 := &cluster.Cluster{ID: "c1-" + suffix, OrgID: orgID, Algorithm: cluster.AlgorithmDBSCAN, Threshold: 0.85, Size: 2}
	c2 := &cluster.Cluster{ID: "c2-" + suffix, OrgID: orgID, Algorithm: cluster.AlgorithmDBSCAN, Threshold: 0.85, Size: 3}
	ms := []*cluster.Membership{
		{ClusterID: c1.ID, FindingID: "f-1", DistanceToCentroid: 0.2},
		{ClusterID: c1.ID, FindingID: "f-2", DistanceToCentroid: 0.1},
		{ClusterID: c2.ID, FindingID: "f-3", DistanceToCentroid: 0},
		{ClusterID: c2.ID, FindingID: "f-4", DistanceToCentroid: 0.3},
		{ClusterID: c2.ID, FindingID: "f-5", DistanceToCentroid: 0.1},
	}
	return []*cluster.Cluster{c1, c2}, ms
}

func TestStore_ReplaceAndList(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	cs, ms := sampleRun("org-1", "a")
	if err := s.ReplaceClusters(ctx, "org-1", cs, ms); err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}

	got, err := s.ListClusters(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(clusters) = %d, want 2", len(got))
	}
	// largest first
	if got[0].ID != "c2-a" || got[1].ID != "c1-a" {
		t.Errorf("order = [%s %s], want [c2-a c1-a]", got[0].ID, got[1].ID)
	}
}

func TestStore_ReplaceDropsPreviousRun(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	cs1, ms1 := sampleRun("org-1", "a")
	if err := s.ReplaceClusters(ctx, "org-1", cs1, ms1); err != nil {
		t.Fatalf("first ReplaceClusters: %v", err)
	}
	cs2, ms2 := sampleRun("org-1", "b")
	if err := s.ReplaceClusters(ctx, "org-1", cs2, ms2); err != nil {
		t.Fatalf("second ReplaceClusters: %v", err)
	}

	got, err := s.ListClusters(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	for _, c := range got {
		if c.ID == "c1-a" || c.ID == "c2-a" {
			t.Errorf("first-run cluster %s survived replace", c.ID)
		}
	}

	if _, ok, _ := s.GetCluster(ctx, "c1-a"); ok {
		t.Error("first-run cluster still retrievable by ID")
	}
	if members, _ := s.ListMembers(ctx, "c1-a"); len(members) != 0 {
		t.Errorf("first-run memberships = %d, want 0", len(members))
	}
	if members, _ := s.ListMembers(ctx, "c2-b"); len(members) != 3 {
		t.Errorf("second-run memberships = %d, want 3", len(members))
	}
}

func TestStore_ReplaceIsOrgScoped(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	cs1, ms1 := sampleRun("org-1", "a")
	if err := s.ReplaceClusters(ctx, "org-1", cs1, ms1); err != nil {
		t.Fatalf("ReplaceClusters org-1: %v", err)
	}
	cs2, ms2 := sampleRun("org-2", "b")
	// adjust ownership for the second org
	for _, c := range cs2 {
		c.OrgID = "org-2"
	}
	if err := s.ReplaceClusters(ctx, "org-2", cs2, ms2); err != nil {
		t.Fatalf("ReplaceClusters org-2: %v", err)
	}

	got, err := s.ListClusters(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("org-1 clusters = %d, want 2 (unaffected by org-2 run)", len(got))
	}
}

func TestStore_GetCluster(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	cs, ms := sampleRun("org-1", "a")
	if err := s.ReplaceClusters(ctx, "org-1", cs, ms); err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}

	got, ok, err := s.GetCluster(ctx, "c2-a")
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	if !ok {
		t.Fatal("expected cluster to be found")
	}
	if got.Size != 3 {
		t.Errorf("Size = %d, want 3", got.Size)
	}

	if _, ok, _ := s.GetCluster(ctx, "nonexistent"); ok {
		t.Error("expected ok=false for missing ID")
	}
}

func TestStore_ListMembersOrderedByDistance(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	cs, ms := sampleRun("org-1", "a")
	if err := s.ReplaceClusters(ctx, "org-1", cs, ms); err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}

	got, err := s.ListMembers(ctx, "c2-a")
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(members) = %d, want 3", len(got))
	}
	want := []string{"f-3", "f-5", "f-4"}
	for i, m := range got {
		if m.FindingID != want[i] {
			t.Errorf("members[%d] = %s, want %s", i, m.FindingID, want[i])
		}
	}
}

func TestStore_EmbeddingCache(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	put := map[string][]float32{
		"hash-a": {1, 0},
		"hash-b": {0, 1},
	}
	if err := s.PutCachedEmbeddings(ctx, put); err != nil {
		t.Fatalf("PutCachedEmbeddings: %v", err)
	}

	got, err := s.GetCachedEmbeddings(ctx, []string{"hash-a", "hash-b", "hash-missing"})
	if err != nil {
		t.Fatalf("GetCachedEmbeddings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(cached) = %d, want 2", len(got))
	}
	if got["hash-a"][0] != 1 {
		t.Errorf("hash-a = %v, want [1 0]", got["hash-a"])
	}
	if _, ok := got["hash-missing"]; ok {
		t.Error("missing hash should be absent from the result")
	}

	// mutating the returned vector must not corrupt the cache
	got["hash-a"][0] = 42
	again, _ := s.GetCachedEmbeddings(ctx, []string{"hash-a"})
	if again["hash-a"][0] != 1 {
		t.Error("returned vector aliases cache storage")
	}
}

func TestStore_PutCachedEmbeddingsKeepsExisting(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if err := s.PutCachedEmbeddings(ctx, map[string][]float32{"h": {1, 2}}); err != nil {
		t.Fatalf("PutCachedEmbeddings: %v", err)
	}
	if err := s.PutCachedEmbeddings(ctx, map[string][]float32{"h": {9, 9}}); err != nil {
		t.Fatalf("PutCachedEmbeddings: %v", err)
	}

	got, _ := s.GetCachedEmbeddings(ctx, []string{"h"})
	if got["h"][0] != 1 {
		t.Errorf("cache entry = %v, want original [1 2]", got["h"])
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			suffix := fmt.Sprintf("run-%d", i)
			cs, ms := sampleRun("org-1", suffix)
			_ = s.ReplaceClusters(ctx, "org-1", cs, ms)
			_, _ = s.ListClusters(ctx, "org-1")
			_ = s.PutCachedEmbeddings(ctx, map[string][]float32{suffix: {float32(i)}})
			_, _ = s.GetCachedEmbeddings(ctx, []string{suffix})
		}()
	}
	wg.Wait()

	// exactly one run's clusters remain
	got, err := s.ListClusters(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("clusters after concurrent replaces = %d, want 2", len(got))
	}
	suffix := got[0].ID[3:]
	for _, c := range got {
		if c.ID[3:] != suffix {
			t.Errorf("clusters from mixed runs: %s vs %s", got[0].ID, c.ID)
		}
	}
}
