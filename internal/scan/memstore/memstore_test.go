package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/scan"
)

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	job := &scan.ScanJob{
		ID:     "s-1",
		OrgID:  "org-1",
		RepoID: "repo-1",
		Status: scan.StatusQueued,
		Stage:  scan.StageFetch,
		Tools:  []string{"semgrep"},
	}
	if err := s.CreateScan(ctx, job); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	got, ok, err := s.GetScan(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if !ok {
		t.Fatal("expected scan to be found")
	}
	if got.OrgID != "org-1" {
		t.Errorf("OrgID = %q, want %q", got.OrgID, "org-1")
	}
	if got.Status != scan.StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, scan.StatusQueued)
	}
	if got.Stage != scan.StageFetch {
		t.Errorf("Stage = %q, want %q", got.Stage, scan.StageFetch)
	}
}

func TestStore_CreateDuplicateRejected(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-dup", Status: scan.StatusQueued})
	if err := s.CreateScan(ctx, &scan.ScanJob{ID: "s-dup", Status: scan.StatusQueued}); err == nil {
		t.Fatal("expected error for duplicate ID")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.GetScan(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	for i := range 5 {
		org := "org-a"
		if i >= 3 {
			org = "org-b"
		}
		_ = s.CreateScan(ctx, &scan.ScanJob{
			ID:        fmt.Sprintf("s-%d", i),
			OrgID:     org,
			RepoID:    "repo-1",
			Status:    scan.StatusQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := s.ListScans(ctx, scan.ListFilter{OrgID: "org-a"})
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].ID != "s-2" || got[2].ID != "s-0" {
		t.Errorf("order = [%s %s %s], want [s-2 s-1 s-0]", got[0].ID, got[1].ID, got[2].ID)
	}

	got, err = s.ListScans(ctx, scan.ListFilter{OrgID: "org-a", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s-1" {
		t.Fatalf("page = %v, want [s-1]", got)
	}

	got, err = s.ListScans(ctx, scan.ListFilter{OrgID: "org-a", Offset: 10})
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0 for offset past end", len(got))
	}
}

func TestStore_ListByStatus(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-q", OrgID: "org-1", Status: scan.StatusQueued})
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-r", OrgID: "org-1", Status: scan.StatusRunning})

	got, err := s.ListScans(ctx, scan.ListFilter{Status: scan.StatusRunning})
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s-r" {
		t.Fatalf("got %v, want [s-r]", got)
	}
}

func TestStore_UpdateScanPipelineFieldsOnly(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-u", OrgID: "org-1", Status: scan.StatusQueued, Stage: scan.StageFetch})
	if err := s.MarkRunning(ctx, "s-u", "w-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	// The pipeline's copy predates MarkRunning and carries no lifecycle
	// stamps; updating it must not erase them.
	upd := &scan.ScanJob{
		ID:              "s-u",
		CommitSHA:       "abc123",
		Stage:           scan.StageNormalize,
		SARIFKey:        "org-1/repo-1/scans/s-u.sarif",
		SARIFSize:       512,
		FindingsCreated: 4,
	}
	if err := s.UpdateScan(ctx, upd); err != nil {
		t.Fatalf("UpdateScan: %v", err)
	}

	got, _, _ := s.GetScan(ctx, "s-u")
	if got.Status != scan.StatusRunning {
		t.Errorf("Status = %q, want running to survive UpdateScan", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt erased by UpdateScan")
	}
	if got.Stage != scan.StageNormalize {
		t.Errorf("Stage = %q, want %q", got.Stage, scan.StageNormalize)
	}
	if got.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q, want %q", got.CommitSHA, "abc123")
	}
	if got.SARIFSize != 512 {
		t.Errorf("SARIFSize = %d, want 512", got.SARIFSize)
	}
}

func TestStore_UpdateScanMissing(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.UpdateScan(context.Background(), &scan.ScanJob{ID: "nonexistent"})
	if !errors.Is(err, scan.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_SetStage(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-st", Status: scan.StatusRunning, Stage: scan.StageExecute})

	if err := s.SetStage(ctx, "s-st", scan.StageFetch); err != nil {
		t.Fatalf("SetStage: %v", err)
	}
	got, _, _ := s.GetScan(ctx, "s-st")
	if got.Stage != scan.StageFetch {
		t.Errorf("Stage = %q, want %q", got.Stage, scan.StageFetch)
	}

	if err := s.SetStage(ctx, "nonexistent", scan.StageFetch); !errors.Is(err, scan.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_MarkRunningStampsStartOnce(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-mr", Status: scan.StatusQueued})

	if err := s.MarkRunning(ctx, "s-mr", "w-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	first, _, _ := s.GetScan(ctx, "s-mr")
	if first.StartedAt == nil {
		t.Fatal("expected StartedAt to be stamped")
	}
	if first.WorkerID != "w-1" {
		t.Errorf("WorkerID = %q, want %q", first.WorkerID, "w-1")
	}

	// A second mark (resume on another worker) keeps the original stamp.
	if err := s.MarkRunning(ctx, "s-mr", "w-2"); err != nil {
		t.Fatalf("MarkRunning again: %v", err)
	}
	second, _, _ := s.GetScan(ctx, "s-mr")
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Errorf("StartedAt = %v, want original %v", second.StartedAt, first.StartedAt)
	}
	if second.WorkerID != "w-2" {
		t.Errorf("WorkerID = %q, want %q", second.WorkerID, "w-2")
	}
}

func TestStore_MarkRunningTerminalRejected(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-t", Status: scan.StatusQueued})
	_ = s.MarkTerminal(ctx, "s-t", scan.StatusCancelled, "cancelled by request", "")

	err := s.MarkRunning(ctx, "s-t", "w-1")
	if !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	if err := s.MarkRunning(ctx, "nonexistent", "w-1"); !errors.Is(err, scan.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_MarkTerminalStamps(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-done", Status: scan.StatusQueued})
	_ = s.MarkRunning(ctx, "s-done", "w-1")

	if err := s.MarkTerminal(ctx, "s-done", scan.StatusFailed, "fetch source: boom", scan.ErrKindFatal); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	got, _, _ := s.GetScan(ctx, "s-done")
	if got.Status != scan.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, scan.StatusFailed)
	}
	if got.Error != "fetch source: boom" {
		t.Errorf("Error = %q, want the failure message", got.Error)
	}
	if got.ErrorKind != scan.ErrKindFatal {
		t.Errorf("ErrorKind = %q, want %q", got.ErrorKind, scan.ErrKindFatal)
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be stamped")
	}
	if got.Duration < 0 {
		t.Errorf("Duration = %f, want >= 0", got.Duration)
	}
}

func TestStore_MarkTerminalIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-i", Status: scan.StatusQueued})
	_ = s.MarkTerminal(ctx, "s-i", scan.StatusCompleted, "", "")

	first, _, _ := s.GetScan(ctx, "s-i")
	if err := s.MarkTerminal(ctx, "s-i", scan.StatusCompleted, "", ""); err != nil {
		t.Fatalf("MarkTerminal repeat: %v", err)
	}
	second, _, _ := s.GetScan(ctx, "s-i")
	if !second.FinishedAt.Equal(*first.FinishedAt) {
		t.Errorf("FinishedAt = %v, want original %v", second.FinishedAt, first.FinishedAt)
	}
}

func TestStore_MarkTerminalConflictRejected(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-c", Status: scan.StatusQueued})
	_ = s.MarkTerminal(ctx, "s-c", scan.StatusCompleted, "", "")

	err := s.MarkTerminal(ctx, "s-c", scan.StatusFailed, "late failure", scan.ErrKindTransient)
	if !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	got, _, _ := s.GetScan(ctx, "s-c")
	if got.Status != scan.StatusCompleted {
		t.Errorf("Status = %q, want completed to stick", got.Status)
	}
}

func TestStore_MarkTerminalNonTerminalStatus(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateScan(ctx, &scan.ScanJob{ID: "s-n", Status: scan.StatusQueued})

	err := s.MarkTerminal(ctx, "s-n", scan.StatusRunning, "", "")
	if !errors.Is(err, scan.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_TryConsumeScanBoundary(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const limit = 3

	for i := range limit {
		usage, err := s.TryConsumeScan(ctx, "org-q", limit)
		if err != nil {
			t.Fatalf("TryConsumeScan %d: %v", i, err)
		}
		if usage.ScansUsed != i+1 {
			t.Errorf("ScansUsed = %d, want %d", usage.ScansUsed, i+1)
		}
	}

	_, err := s.TryConsumeScan(ctx, "org-q", limit)
	if !errors.Is(err, scan.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	// Another org is unaffected.
	if _, err := s.TryConsumeScan(ctx, "org-other", limit); err != nil {
		t.Fatalf("TryConsumeScan other org: %v", err)
	}
}

func TestStore_TryConsumeScanConcurrent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const limit = 5
	const callers = 20

	var wg sync.WaitGroup
	wg.Add(callers)
	var mu sync.Mutex
	admitted := 0

	for range callers {
		go func() {
			defer wg.Done()
			if _, err := s.TryConsumeScan(ctx, "org-c", limit); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted = %d, want exactly %d", admitted, limit)
	}

	year, month := currentPeriod()
	usage, ok, err := s.GetQuota(ctx, "org-c", year, month)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if !ok {
		t.Fatal("expected quota row")
	}
	if usage.ScansUsed != limit {
		t.Errorf("ScansUsed = %d, want %d", usage.ScansUsed, limit)
	}
}

func TestStore_AddStorageAccumulates(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	usage, err := s.AddStorage(ctx, "org-s", 100)
	if err != nil {
		t.Fatalf("AddStorage: %v", err)
	}
	if usage.StorageBytes != 100 {
		t.Errorf("StorageBytes = %d, want 100", usage.StorageBytes)
	}

	usage, err = s.AddStorage(ctx, "org-s", 250)
	if err != nil {
		t.Fatalf("AddStorage: %v", err)
	}
	if usage.StorageBytes != 350 {
		t.Errorf("StorageBytes = %d, want 350", usage.StorageBytes)
	}
}

func TestStore_GetQuotaMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.GetQuota(context.Background(), "org-none", 2024, 1)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing quota row")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("id-%d", i)

		go func() {
			defer wg.Done()
			_ = s.CreateScan(ctx, &scan.ScanJob{ID: id, OrgID: "org-x", Status: scan.StatusQueued})
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.GetScan(ctx, id)
			_, _ = s.ListScans(ctx, scan.ListFilter{OrgID: "org-x", Limit: 5})
		}()
	}
	wg.Wait()
}
