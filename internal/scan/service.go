package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sift/internal/adjudicate"
	"github.com/linnemanlabs/sift/internal/artifact"
	"github.com/linnemanlabs/sift/internal/cluster"
	"github.com/linnemanlabs/sift/internal/sarif"
	"github.com/linnemanlabs/sift/internal/scanner"
)

const (
	// DefaultScanQuotaMonthly caps scans per organization per month.
	DefaultScanQuotaMonthly = 100

	// DefaultStorageQuotaBytes is the soft per-organization SARIF
	// storage limit (10 GiB).
	DefaultStorageQuotaBytes = 10 << 30
)

// DefaultTools run when a submission names none.
var DefaultTools = []string{"semgrep", "bandit", "ruff"}

// Cloner fetches a repository into dest and returns the checked-out
// commit sha.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch, dest string) (string, error)
}

// Executor fans one scan out across its tools.
type Executor interface {
	Run(ctx context.Context, spec scanner.Spec) ([]*scanner.ToolResult, error)
}

// Normalizer turns a SARIF document into deduplicated findings.
type Normalizer interface {
	Apply(ctx context.Context, doc *sarif.Log, target sarif.Target) *sarif.Summary
}

// Adjudicator triggers an adjudication run over a scan's findings.
type Adjudicator interface {
	Run(ctx context.Context, req adjudicate.RunRequest) (*adjudicate.RunSummary, error)
}

// Clusterer triggers a clustering run over an organization's findings.
type Clusterer interface {
	Run(ctx context.Context, orgID string, opts cluster.RunOptions) (*cluster.RunSummary, error)
}

// Notifier receives terminal scan outcomes and storage quota warnings.
// Both are best-effort; errors are logged and never affect the job.
type Notifier interface {
	ScanFinished(ctx context.Context, job *ScanJob, summary string) error
	StorageWarning(ctx context.Context, orgID string, usedBytes, limitBytes int64) error
}

// Deps are the collaborators the pipeline drives. Adjudicator, Clusterer,
// Notifier and Metrics are optional.
type Deps struct {
	Cloner      Cloner
	Executor    Executor
	Normalizer  Normalizer
	Artifacts   artifact.Store
	Adjudicator Adjudicator
	Clusterer   Clusterer
	Notifier    Notifier
	Logger      log.Logger
	Metrics     *Metrics
}

// Options tune the service. Zero values take the documented defaults.
type Options struct {
	DefaultTools      []string
	ToolTimeout       time.Duration
	WorkDir           string
	ScanQuotaMonthly  int
	StorageQuotaBytes int64
	AutoAdjudicate    bool
	AutoCluster       bool
	WorkerID          string
}

// Service is the business boundary for scan operations. Submitted jobs
// run asynchronously; callers poll Get until the job is terminal.
type Service struct {
	store Store
	deps  Deps
	opts  Options

	logger log.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewService wires the pipeline collaborators to the job store.
func NewService(store Store, deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if len(opts.DefaultTools) == 0 {
		opts.DefaultTools = DefaultTools
	}
	if opts.ScanQuotaMonthly <= 0 {
		opts.ScanQuotaMonthly = DefaultScanQuotaMonthly
	}
	if opts.StorageQuotaBytes <= 0 {
		opts.StorageQuotaBytes = DefaultStorageQuotaBytes
	}
	if opts.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		opts.WorkerID = host
	}
	return &Service{
		store:   store,
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit validates and admits a scan, persists it as queued, and starts
// the pipeline in the background. Quota rejection surfaces as
// ErrQuotaExceeded before any job row exists.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*ScanJob, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	tools := req.Tools
	if len(tools) == 0 {
		tools = s.opts.DefaultTools
	}
	if _, err := scanner.ByName(tools); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	usage, err := s.store.TryConsumeScan(ctx, req.OrgID, s.opts.ScanQuotaMonthly)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.QuotaRejections.Inc()
			}
			s.logger.Warn(ctx, "scan rejected by quota",
				"org_id", req.OrgID, "limit", s.opts.ScanQuotaMonthly)
			return nil, fmt.Errorf("org %s: %w", req.OrgID, err)
		}
		return nil, fmt.Errorf("consume quota: %w", err)
	}

	now := time.Now().UTC()
	job := &ScanJob{
		ID:        ulid.Make().String(),
		OrgID:     req.OrgID,
		RepoID:    req.RepoID,
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		Status:    StatusQueued,
		Stage:     StageFetch,
		Tools:     tools,
		QueuedAt:  now,
		WorkerID:  s.opts.WorkerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateScan(ctx, job); err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}

	s.logger.Info(ctx, "scan queued",
		"scan_id", job.ID,
		"org_id", job.OrgID,
		"repo", job.RepoURL,
		"tools", tools,
		"quota_used", usage.ScansUsed,
	)

	s.dispatch(context.WithoutCancel(ctx), job.ID)
	return job, nil
}

// Get retrieves a scan job by ID.
func (s *Service) Get(ctx context.Context, id string) (*ScanJob, bool, error) {
	return s.store.GetScan(ctx, id)
}

// List returns scan jobs matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*ScanJob, error) {
	return s.store.ListScans(ctx, filter)
}

// Cancel stops a non-terminal scan. A running job is cancelled
// cooperatively: its in-flight stage finishes or times out, then the
// pipeline marks the job cancelled at the next checkpoint. Cancelling
// an already cancelled job is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (*ScanJob, error) {
	job, ok, err := s.store.GetScan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() {
		if job.Status == StatusCancelled {
			return job, nil
		}
		return nil, fmt.Errorf("scan %s is %s: %w", id, job.Status, ErrInvalidTransition)
	}

	s.mu.Lock()
	cancel, inFlight := s.cancels[id]
	s.mu.Unlock()
	if inFlight {
		cancel()
		s.logger.Info(ctx, "scan cancellation requested", "scan_id", id)
		return job, nil
	}

	// No pipeline goroutine owns the job here (queued after a restart,
	// or orphaned); mark it directly.
	if err := s.store.MarkTerminal(ctx, id, StatusCancelled, "cancelled by request", ""); err != nil {
		return nil, err
	}
	final, _, err := s.store.GetScan(ctx, id)
	if err != nil {
		return nil, err
	}
	s.observeTerminal(ctx, final)
	return final, nil
}

// Resume restarts the pipeline for every job left queued or running by
// a previous process. Jobs continue from their persisted stage; a job
// interrupted mid-execute redoes the fetch because its checkout is gone.
func (s *Service) Resume(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []Status{StatusQueued, StatusRunning} {
		jobs, err := s.store.ListScans(ctx, ListFilter{Status: status})
		if err != nil {
			return resumed, fmt.Errorf("list %s scans: %w", status, err)
		}
		for _, job := range jobs {
			s.logger.Info(ctx, "resuming scan",
				"scan_id", job.ID, "status", string(job.Status), "stage", string(job.Stage))
			s.dispatch(context.WithoutCancel(ctx), job.ID)
			resumed++
		}
	}
	return resumed, nil
}

// dispatch starts the pipeline goroutine and registers its cancel func
// so Cancel can reach it.
func (s *Service) dispatch(ctx context.Context, id string) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel()
		}()
		s.run(ctx, id)
	}()
}

// observeTerminal records metrics and sends the notification for a job
// that just reached a terminal status.
func (s *Service) observeTerminal(ctx context.Context, job *ScanJob) {
	if job == nil {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ScansTotal.WithLabelValues(string(job.Status)).Inc()
		if job.Status == StatusCompleted {
			s.deps.Metrics.ScanDuration.Observe(job.Duration)
			s.deps.Metrics.FindingsCreated.Add(float64(job.FindingsCreated))
			s.deps.Metrics.FindingsUpdated.Add(float64(job.FindingsUpdated))
		}
	}
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.ScanFinished(ctx, job, summaryLine(job)); err != nil {
			s.logger.Warn(ctx, "scan notification failed",
				"scan_id", job.ID, "error", err.Error())
		}
	}
}

func summaryLine(job *ScanJob) string {
	switch job.Status {
	case StatusCompleted:
		line := fmt.Sprintf("%d findings created, %d updated", job.FindingsCreated, job.FindingsUpdated)
		if n := len(job.ToolFailures); n > 0 {
			line += fmt.Sprintf(", %d of %d tools failed", n, len(job.Tools))
		}
		return line
	case StatusFailed:
		return job.Error
	case StatusCancelled:
		return "cancelled before completion"
	}
	return string(job.Status)
}
