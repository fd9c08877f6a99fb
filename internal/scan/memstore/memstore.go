// Package memstore provides an in-memory implementation of scan.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sift/internal/scan"
)

type quotaKey struct {
	org   string
	year  int
	month int
}

// Store holds scan jobs and quota counters in memory. Suitable for
// dev/testing.
type Store struct {
	mu     sync.RWMutex
	scans  map[string]*scan.ScanJob
	quotas map[quotaKey]*scan.QuotaUsage
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		scans:  make(map[string]*scan.ScanJob),
		quotas: make(map[quotaKey]*scan.QuotaUsage),
	}
}

func currentPeriod() (int, int) {
	now := time.Now().UTC()
	return now.Year(), int(now.Month())
}

// CreateScan inserts a copy of the job. The ID must be unused.
func (s *Store) CreateScan(_ context.Context, job *scan.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[job.ID]; ok {
		return fmt.Errorf("scan %s already exists", job.ID)
	}
	cp := *job
	s.scans[job.ID] = &cp
	return nil
}

// GetScan retrieves a job by ID. Returns a copy.
func (s *Store) GetScan(_ context.Context, id string) (*scan.ScanJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.scans[id]
	if !ok {
		return nil, false, nil
	}
	cp := *job
	return &cp, true, nil
}

// ListScans returns copies of jobs matching the filter, newest first.
func (s *Store) ListScans(_ context.Context, filter scan.ListFilter) ([]*scan.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*scan.ScanJob
	for _, job := range s.scans {
		if !matches(job, filter) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(job *scan.ScanJob, filter scan.ListFilter) bool {
	if filter.OrgID != "" && job.OrgID != filter.OrgID {
		return false
	}
	if filter.RepoID != "" && job.RepoID != filter.RepoID {
		return false
	}
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	return true
}

// UpdateScan replaces the pipeline-owned fields of an existing job.
// Status and lifecycle stamps are untouched; they belong to MarkRunning
// and MarkTerminal.
func (s *Store) UpdateScan(_ context.Context, job *scan.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.scans[job.ID]
	if !ok {
		return scan.ErrNotFound
	}
	cur.CommitSHA = job.CommitSHA
	cur.Stage = job.Stage
	cur.Tools = job.Tools
	cur.SARIFKey = job.SARIFKey
	cur.SARIFSize = job.SARIFSize
	cur.FindingsCreated = job.FindingsCreated
	cur.FindingsUpdated = job.FindingsUpdated
	cur.NormalizeErrors = job.NormalizeErrors
	cur.SeverityCounts = job.SeverityCounts
	cur.ToolFailures = job.ToolFailures
	cur.WorkerID = job.WorkerID
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStage moves the persisted stage pointer.
func (s *Store) SetStage(_ context.Context, id string, stage scan.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	cur.Stage = stage
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRunning transitions to running, stamping StartedAt exactly once.
func (s *Store) MarkRunning(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("scan %s is %s: %w", id, cur.Status, scan.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	cur.Status = scan.StatusRunning
	if cur.StartedAt == nil {
		cur.StartedAt = &now
	}
	cur.WorkerID = workerID
	cur.UpdatedAt = now
	return nil
}

// MarkTerminal moves the job into a terminal status. Re-marking the
// same status is a no-op and keeps the original stamps.
func (s *Store) MarkTerminal(_ context.Context, id string, status scan.Status, errMsg string, kind scan.ErrKind) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, scan.ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	if cur.Status == status {
		return nil
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("scan %s is %s, cannot become %s: %w", id, cur.Status, status, scan.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	cur.Status = status
	cur.Error = errMsg
	cur.ErrorKind = kind
	cur.FinishedAt = &now
	if cur.StartedAt != nil {
		cur.Duration = now.Sub(*cur.StartedAt).Seconds()
	}
	cur.UpdatedAt = now
	return nil
}

// TryConsumeScan atomically admits one scan against the monthly limit.
// The mutex makes check-and-increment a single step, so two concurrent
// calls at limit-1 admit exactly one.
func (s *Store) TryConsumeScan(_ context.Context, orgID string, limit int) (*scan.QuotaUsage, error) {
	if limit <= 0 {
		return nil, scan.ErrQuotaExceeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usage := s.quota(orgID)
	if usage.ScansUsed >= limit {
		return nil, scan.ErrQuotaExceeded
	}
	usage.ScansUsed++
	usage.UpdatedAt = time.Now().UTC()
	cp := *usage
	return &cp, nil
}

// AddStorage adds bytes to the soft storage counter.
func (s *Store) AddStorage(_ context.Context, orgID string, bytes int64) (*scan.QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := s.quota(orgID)
	usage.StorageBytes += bytes
	usage.UpdatedAt = time.Now().UTC()
	cp := *usage
	return &cp, nil
}

// GetQuota returns a copy of the usage row for the given month.
func (s *Store) GetQuota(_ context.Context, orgID string, year, month int) (*scan.QuotaUsage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage, ok := s.quotas[quotaKey{org: orgID, year: year, month: month}]
	if !ok {
		return nil, false, nil
	}
	cp := *usage
	return &cp, true, nil
}

// quota returns the current-month usage row, creating it when absent.
// Callers must hold the write lock.
func (s *Store) quota(orgID string) *scan.QuotaUsage {
	year, month := currentPeriod()
	key := quotaKey{org: orgID, year: year, month: month}
	usage, ok := s.quotas[key]
	if !ok {
		usage = &scan.QuotaUsage{OrgID: orgID, Year: year, Month: month}
		s.quotas[key] = usage
	}
	return usage
}
