package scan

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no scan matches the requested ID.
var ErrNotFound = errors.New("scan not found")

// ErrInvalidRequest wraps submissions rejected before admission, such
// as missing fields or unknown tool names.
var ErrInvalidRequest = errors.New("invalid scan request")

// ErrQuotaExceeded is returned when an organization has used its monthly
// scan allowance. It is a policy rejection, never retried.
var ErrQuotaExceeded = errors.New("monthly scan quota exceeded")

// ErrInvalidTransition is returned when a status change conflicts with
// the job state machine, for example failing an already completed job.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store persists scan jobs and per-organization quota counters.
type Store interface {
	// CreateScan inserts a new job. The caller assigns the ID.
	CreateScan(ctx context.Context, job *ScanJob) error

	// GetScan returns the job, or ok=false when it does not exist.
	GetScan(ctx context.Context, id string) (*ScanJob, bool, error)

	// ListScans returns jobs matching the filter, newest first.
	ListScans(ctx context.Context, filter ListFilter) ([]*ScanJob, error)

	// UpdateScan replaces the pipeline-owned fields of an existing job
	// (stage, commit, artifact key, counters, tool failures) and
	// refreshes UpdatedAt. Status and lifecycle stamps change only
	// through MarkRunning and MarkTerminal. Returns ErrNotFound for
	// unknown IDs.
	UpdateScan(ctx context.Context, job *ScanJob) error

	// SetStage moves the persisted stage pointer.
	SetStage(ctx context.Context, id string, stage Stage) error

	// MarkRunning transitions the job to running and stamps StartedAt
	// exactly once; re-marking a running job keeps the original stamp.
	// Terminal jobs return ErrInvalidTransition.
	MarkRunning(ctx context.Context, id, workerID string) error

	// MarkTerminal moves the job into a terminal status, stamping
	// FinishedAt and Duration from the recorded start time. Re-marking
	// the same terminal status is a no-op; a conflicting terminal
	// status returns ErrInvalidTransition.
	MarkTerminal(ctx context.Context, id string, status Status, errMsg string, kind ErrKind) error

	// TryConsumeScan atomically increments the organization's scan
	// counter for the current month if it is below limit, returning
	// the updated usage. At or above the limit it returns
	// ErrQuotaExceeded without incrementing. Two concurrent calls at
	// limit-1 admit exactly one.
	TryConsumeScan(ctx context.Context, orgID string, limit int) (*QuotaUsage, error)

	// AddStorage adds bytes to the organization's storage counter for
	// the current month. Storage is a soft limit; AddStorage never
	// rejects.
	AddStorage(ctx context.Context, orgID string, bytes int64) (*QuotaUsage, error)

	// GetQuota returns the usage row for a specific month, or ok=false
	// when the organization has no usage recorded for it.
	GetQuota(ctx context.Context, orgID string, year, month int) (*QuotaUsage, bool, error)
}
