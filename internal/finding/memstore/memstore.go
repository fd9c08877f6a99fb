// Package memstore provides an in-memory implementation of finding.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sift/internal/finding"
)

// Store holds findings and verdicts in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	findings map[string]*finding.Finding  // finding ID -> finding
	byFP     map[string]string            // org|fingerprint -> finding ID
	verdicts map[string][]*finding.Verdict // finding ID -> verdicts
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		findings: make(map[string]*finding.Finding),
		byFP:     make(map[string]string),
		verdicts: make(map[string][]*finding.Verdict),
	}
}

func fpKey(orgID, fp string) string { return orgID + "|" + fp }

// CreateFinding inserts a copy of f, or returns the existing holder of
// (org, fingerprint) with created=false.
func (s *Store) CreateFinding(_ context.Context, f *finding.Finding) (*finding.Finding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fpKey(f.OrgID, f.Fingerprint)
	if id, ok := s.byFP[key]; ok {
		cp := *s.findings[id]
		return &cp, false, nil
	}

	cp := *f
	s.findings[f.ID] = &cp
	s.byFP[key] = f.ID

	out := cp
	return &out, true, nil
}

// GetFinding retrieves a finding by ID. Returns a copy.
func (s *Store) GetFinding(_ context.Context, id string) (*finding.Finding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.findings[id]
	if !ok {
		return nil, false, nil
	}
	cp := *f
	return &cp, true, nil
}

// ListFindings returns copies of findings matching the filter, newest first.
func (s *Store) ListFindings(_ context.Context, filter finding.ListFilter) ([]*finding.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*finding.Finding
	for _, f := range s.findings {
		if !matches(f, filter) {
			continue
		}
		if filter.Unverdicted && len(s.verdicts[f.ID]) > 0 {
			continue
		}
		cp := *f
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

func matches(f *finding.Finding, filter finding.ListFilter) bool {
	if filter.OrgID != "" && f.OrgID != filter.OrgID {
		return false
	}
	if filter.RepoID != "" && f.RepoID != filter.RepoID {
		return false
	}
	if filter.ScanID != "" && f.FirstSeenScanID != filter.ScanID && f.LastSeenScanID != filter.ScanID {
		return false
	}
	if filter.Status != "" && f.Status != filter.Status {
		return false
	}
	if filter.Severity != "" && f.Severity != filter.Severity {
		return false
	}
	if filter.Tool != "" && f.Tool != filter.Tool {
		return false
	}
	return true
}

// FindActiveByFingerprint retrieves the open/in_review holder of a
// fingerprint, if any. Returns a copy.
func (s *Store) FindActiveByFingerprint(_ context.Context, orgID, fp string) (*finding.Finding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byFP[fpKey(orgID, fp)]
	if !ok {
		return nil, false, nil
	}
	f := s.findings[id]
	if !f.Status.Active() {
		return nil, false, nil
	}
	cp := *f
	return &cp, true, nil
}

// FingerprintExists reports whether any finding of any status holds the
// fingerprint.
func (s *Store) FingerprintExists(_ context.Context, orgID, fp string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byFP[fpKey(orgID, fp)]
	return ok, nil
}

// RecordOccurrence bumps occurrence_count and advances the last-seen scan.
func (s *Store) RecordOccurrence(_ context.Context, id, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.findings[id]
	if !ok {
		return finding.ErrNotFound
	}
	f.OccurrenceCount++
	f.LastSeenScanID = scanID
	f.UpdatedAt = time.Now()
	return nil
}

// SetStatus updates a finding's review status.
func (s *Store) SetStatus(_ context.Context, id string, status finding.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.findings[id]
	if !ok {
		return finding.ErrNotFound
	}
	f.Status = status
	f.UpdatedAt = time.Now()
	return nil
}

// AppendVerdict stores a copy of the verdict.
func (s *Store) AppendVerdict(_ context.Context, v *finding.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findings[v.FindingID]; !ok {
		return finding.ErrNotFound
	}
	cp := *v
	s.verdicts[v.FindingID] = append(s.verdicts[v.FindingID], &cp)
	return nil
}

// ListVerdicts returns copies of a finding's verdicts, oldest first.
func (s *Store) ListVerdicts(_ context.Context, findingID string) ([]*finding.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := s.verdicts[findingID]
	out := make([]*finding.Verdict, 0, len(vs))
	for _, v := range vs {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}
