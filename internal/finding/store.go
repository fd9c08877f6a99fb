package finding

import (
	"context"
	"errors"
)

// ErrNotFound is returned by mutations that target a missing finding.
var ErrNotFound = errors.New("finding not found")

// Store is the persistence interface for findings and verdicts.
type Store interface {
	// CreateFinding inserts f. When another finding already holds
	// (org_id, fingerprint), the insert is dropped and the holder is
	// returned with created=false.
	CreateFinding(ctx context.Context, f *Finding) (stored *Finding, created bool, err error)

	GetFinding(ctx context.Context, id string) (*Finding, bool, error)
	ListFindings(ctx context.Context, filter ListFilter) ([]*Finding, error)

	// FindActiveByFingerprint matches only open/in_review rows; closed
	// findings never dedup.
	FindActiveByFingerprint(ctx context.Context, orgID, fingerprint string) (*Finding, bool, error)

	// FingerprintExists probes rows of any status, for collision suffixing.
	FingerprintExists(ctx context.Context, orgID, fingerprint string) (bool, error)

	// RecordOccurrence bumps occurrence_count and advances last_seen_scan_id.
	RecordOccurrence(ctx context.Context, id, scanID string) error

	SetStatus(ctx context.Context, id string, status Status) error

	AppendVerdict(ctx context.Context, v *Verdict) error
	ListVerdicts(ctx context.Context, findingID string) ([]*Verdict, error)
}
