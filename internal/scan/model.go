package scan

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a scan job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage is the pipeline stage pointer persisted on a job. A restarted
// worker continues from the stored stage instead of redoing committed
// work.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageExecute   Stage = "execute"
	StageNormalize Stage = "normalize"
	StageFinalize  Stage = "finalize"
	StageDone      Stage = "done"
)

// ErrKind classifies a job failure for retry and reporting decisions.
type ErrKind string

const (
	// ErrKindTransient covers timeouts, rate limits and network errors.
	ErrKindTransient ErrKind = "transient"

	// ErrKindMalformed covers unparseable input recorded per item.
	ErrKindMalformed ErrKind = "malformed"

	// ErrKindPolicy covers quota rejections at admission.
	ErrKindPolicy ErrKind = "policy"

	// ErrKindFatal covers configuration and environment errors that fail
	// the whole job.
	ErrKindFatal ErrKind = "fatal"
)

// ToolFailure records one tool that did not contribute results. Tool
// failures are partial outcomes: the scan still completes on whatever
// the remaining tools produced.
type ToolFailure struct {
	Tool     string `json:"tool"`
	ExitCode int    `json:"exit_code,omitempty"`
	Error    string `json:"error"`
}

// ScanJob is one scan of a repository through the pipeline.
type ScanJob struct {
	ID        string   `json:"id"`
	OrgID     string   `json:"org_id"`
	RepoID    string   `json:"repo_id"`
	RepoURL   string   `json:"repo_url"`
	Branch    string   `json:"branch,omitempty"`
	CommitSHA string   `json:"commit_sha,omitempty"`
	Status    Status   `json:"status"`
	Stage     Stage    `json:"stage"`
	Tools     []string `json:"tools"`

	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   float64    `json:"duration_seconds,omitempty"`

	Error     string  `json:"error,omitempty"`
	ErrorKind ErrKind `json:"error_kind,omitempty"`

	SARIFKey  string `json:"sarif_key,omitempty"`
	SARIFSize int64  `json:"sarif_size,omitempty"`

	FindingsCreated int            `json:"findings_created"`
	FindingsUpdated int            `json:"findings_updated"`
	NormalizeErrors int            `json:"normalize_errors,omitempty"`
	SeverityCounts  map[string]int `json:"severity_counts,omitempty"`
	ToolFailures    []ToolFailure  `json:"tool_failures,omitempty"`

	WorkerID  string    `json:"worker_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaUsage is one organization's consumption for a calendar month.
type QuotaUsage struct {
	OrgID        string    `json:"org_id"`
	Year         int       `json:"year"`
	Month        int       `json:"month"`
	ScansUsed    int       `json:"scans_used"`
	StorageBytes int64     `json:"storage_bytes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SubmitRequest asks for a new scan of a repository.
type SubmitRequest struct {
	OrgID   string   `json:"org_id"`
	RepoID  string   `json:"repo_id"`
	RepoURL string   `json:"repo_url"`
	Branch  string   `json:"branch,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// Validate checks the request fields that no default can supply.
func (r *SubmitRequest) Validate() error {
	var errs []error
	if r.OrgID == "" {
		errs = append(errs, errors.New("org_id is required"))
	}
	if r.RepoID == "" {
		errs = append(errs, errors.New("repo_id is required"))
	}
	if r.RepoURL == "" {
		errs = append(errs, errors.New("repo_url is required"))
	}
	return errors.Join(errs...)
}

// ListFilter narrows ListScans. Zero values mean no constraint.
type ListFilter struct {
	OrgID  string
	RepoID string
	Status Status
	Limit  int
	Offset int
}
