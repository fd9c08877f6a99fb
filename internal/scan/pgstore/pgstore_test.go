package pgstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/scan"
	"github.com/linnemanlabs/sift/internal/scan/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SIFT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SIFT_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// newID produces IDs unique across test runs; rows persist in the
// integration database.
func newID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	job := &scan.ScanJob{
		ID:        newID("test-create"),
		OrgID:     "org-pg-1",
		RepoID:    "repo-1",
		RepoURL:   "https://github.com/acme/api",
		Branch:    "main",
		Status:    scan.StatusQueued,
		Stage:     scan.StageFetch,
		Tools:     []string{"semgrep", "bandit"},
		QueuedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateScan(ctx, job); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	got, ok, err := s.GetScan(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if !ok {
		t.Fatal("GetScan returned ok=false, want true")
	}

	assertEqual(t, "OrgID", job.OrgID, got.OrgID)
	assertEqual(t, "RepoURL", job.RepoURL, got.RepoURL)
	assertEqual(t, "Branch", job.Branch, got.Branch)
	assertEqual(t, "Status", string(job.Status), string(got.Status))
	assertEqual(t, "Stage", string(job.Stage), string(got.Stage))
	if len(got.Tools) != 2 || got.Tools[0] != "semgrep" || got.Tools[1] != "bandit" {
		t.Errorf("Tools mismatch: got %v", got.Tools)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil before MarkRunning", got.StartedAt)
	}
}

func TestGetScanMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.GetScan(ctx, "nonexistent-id")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if ok {
		t.Error("GetScan returned ok=true for nonexistent ID")
	}
}

func TestListScansByOrg(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	org := newID("org-list")
	now := time.Now().Truncate(time.Microsecond).UTC()
	var ids []string
	for i := range 3 {
		job := &scan.ScanJob{
			ID:        newID(fmt.Sprintf("test-list-%d", i)),
			OrgID:     org,
			RepoURL:   "https://github.com/acme/api",
			Status:    scan.StatusQueued,
			Stage:     scan.StageFetch,
			QueuedAt:  now,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now,
		}
		if err := s.CreateScan(ctx, job); err != nil {
			t.Fatalf("CreateScan %d: %v", i, err)
		}
		ids = append(ids, job.ID)
	}

	got, err := s.ListScans(ctx, scan.ListFilter{OrgID: org})
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != ids[2] {
		t.Errorf("first = %s, want newest %s", got[0].ID, ids[2])
	}

	page, err := s.ListScans(ctx, scan.ListFilter{OrgID: org, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListScans page: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Errorf("page = %v, want [%s]", page, ids[1])
	}
}

func TestUpdateScanPreservesLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	job := &scan.ScanJob{
		ID:        newID("test-update"),
		OrgID:     "org-pg-1",
		RepoURL:   "https://github.com/acme/api",
		Status:    scan.StatusQueued,
		Stage:     scan.StageFetch,
		QueuedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateScan(ctx, job); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}
	if err := s.MarkRunning(ctx, job.ID, "worker-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	job.CommitSHA = "abc123"
	job.Stage = scan.StageNormalize
	job.SARIFKey = "org-pg-1/repo/scans/x.sarif"
	job.SARIFSize = 2048
	job.FindingsCreated = 7
	job.ToolFailures = []scan.ToolFailure{{Tool: "ruff", ExitCode: 2, Error: "crashed"}}
	if err := s.UpdateScan(ctx, job); err != nil {
		t.Fatalf("UpdateScan: %v", err)
	}

	got, ok, err := s.GetScan(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if !ok {
		t.Fatal("GetScan returned ok=false")
	}
	assertEqual(t, "Status", string(scan.StatusRunning), string(got.Status))
	if got.StartedAt == nil {
		t.Error("StartedAt erased by UpdateScan")
	}
	assertEqual(t, "Stage", string(scan.StageNormalize), string(got.Stage))
	assertEqual(t, "CommitSHA", "abc123", got.CommitSHA)
	assertEqual(t, "SARIFSize", int64(2048), got.SARIFSize)
	assertEqual(t, "FindingsCreated", 7, got.FindingsCreated)
	if len(got.ToolFailures) != 1 || got.ToolFailures[0].Tool != "ruff" {
		t.Errorf("ToolFailures mismatch: got %v", got.ToolFailures)
	}
}

func TestUpdateScanMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.UpdateScan(ctx, &scan.ScanJob{ID: "nonexistent-id"})
	if !errors.Is(err, scan.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkRunningAndTerminal(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	job := &scan.ScanJob{
		ID:        newID("test-lifecycle"),
		OrgID:     "org-pg-1",
		RepoURL:   "https://github.com/acme/api",
		Status:    scan.StatusQueued,
		Stage:     scan.StageFetch,
		QueuedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateScan(ctx, job); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	if err := s.MarkRunning(ctx, job.ID, "worker-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	running, _, _ := s.GetScan(ctx, job.ID)
	if running.StartedAt == nil {
		t.Fatal("StartedAt not stamped")
	}

	// Re-marking keeps the original start stamp.
	if err := s.MarkRunning(ctx, job.ID, "worker-2"); err != nil {
		t.Fatalf("MarkRunning again: %v", err)
	}
	resumed, _, _ := s.GetScan(ctx, job.ID)
	if !resumed.StartedAt.Equal(*running.StartedAt) {
		t.Errorf("StartedAt = %v, want original %v", resumed.StartedAt, running.StartedAt)
	}
	assertEqual(t, "WorkerID", "worker-2", resumed.WorkerID)

	if err := s.MarkTerminal(ctx, job.ID, scan.StatusFailed, "execute tools: boom", scan.ErrKindTransient); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	done, _, _ := s.GetScan(ctx, job.ID)
	assertEqual(t, "Status", string(scan.StatusFailed), string(done.Status))
	assertEqual(t, "Error", "execute tools: boom", done.Error)
	assertEqual(t, "ErrorKind", string(scan.ErrKindTransient), string(done.ErrorKind))
	if done.FinishedAt == nil {
		t.Fatal("FinishedAt not stamped")
	}
	if done.Duration < 0 {
		t.Errorf("Duration = %f, want >= 0", done.Duration)
	}

	// Same terminal status again is a no-op.
	if err := s.MarkTerminal(ctx, job.ID, scan.StatusFailed, "other", scan.ErrKindFatal); err != nil {
		t.Fatalf("MarkTerminal repeat: %v", err)
	}
	again, _, _ := s.GetScan(ctx, job.ID)
	assertEqual(t, "Error after repeat", "execute tools: boom", again.Error)

	// A conflicting terminal status is rejected.
	err := s.MarkTerminal(ctx, job.ID, scan.StatusCompleted, "", "")
	if !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	// And so is running a finished job.
	err = s.MarkRunning(ctx, job.ID, "worker-3")
	if !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestTryConsumeScanBoundary(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	org := newID("org-quota")
	const limit = 3
	for i := range limit {
		usage, err := s.TryConsumeScan(ctx, org, limit)
		if err != nil {
			t.Fatalf("TryConsumeScan %d: %v", i, err)
		}
		assertEqual(t, "ScansUsed", i+1, usage.ScansUsed)
	}

	_, err := s.TryConsumeScan(ctx, org, limit)
	if !errors.Is(err, scan.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	now := time.Now().UTC()
	usage, ok, err := s.GetQuota(ctx, org, now.Year(), int(now.Month()))
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if !ok {
		t.Fatal("expected quota row")
	}
	assertEqual(t, "ScansUsed", limit, usage.ScansUsed)
}

func TestAddStorageAccumulates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	org := newID("org-storage")
	usage, err := s.AddStorage(ctx, org, 1024)
	if err != nil {
		t.Fatalf("AddStorage: %v", err)
	}
	assertEqual(t, "StorageBytes", int64(1024), usage.StorageBytes)

	usage, err = s.AddStorage(ctx, org, 4096)
	if err != nil {
		t.Fatalf("AddStorage: %v", err)
	}
	assertEqual(t, "StorageBytes", int64(5120), usage.StorageBytes)
}

func TestGetQuotaMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.GetQuota(ctx, "nonexistent-org", 2020, 1)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if ok {
		t.Error("GetQuota returned ok=true for nonexistent row")
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
