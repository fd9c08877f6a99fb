// internal/scan/pipeline.go

package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/linnemanlabs/sift/internal/adjudicate"
	"github.com/linnemanlabs/sift/internal/artifact"
	"github.com/linnemanlabs/sift/internal/cluster"
	"github.com/linnemanlabs/sift/internal/sarif"
	"github.com/linnemanlabs/sift/internal/scanner"
)

// classified pairs a pipeline error with its taxonomy kind.
type classified struct {
	kind ErrKind
	err  error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

func fail(kind ErrKind, err error) error {
	return &classified{kind: kind, err: err}
}

func kindOf(err error) ErrKind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return ErrKindFatal
}

// rawLog mirrors the SARIF envelope with runs kept verbatim, so merging
// tool outputs into one artifact loses nothing the parser ignores.
type rawLog struct {
	Version string            `json:"version"`
	Schema  string            `json:"$schema,omitempty"`
	Runs    []json.RawMessage `json:"runs"`
}

// run drives one job through its remaining stages. Store writes go
// through contexts that survive cooperative cancellation; only stage
// work observes ctx.
func (s *Service) run(ctx context.Context, id string) {
	L := s.logger.With("scan_id", id)
	wctx := context.WithoutCancel(ctx)

	job, ok, err := s.store.GetScan(wctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to load job for pipeline")
		return
	}
	if job.Status.Terminal() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("pipeline panic: %v", r)
			L.Error(wctx, panicErr, "scan pipeline panicked", "stage", string(job.Stage))
			s.finish(wctx, job.ID, StatusFailed, panicErr.Error(), ErrKindFatal)
		}
	}()

	if err := s.store.MarkRunning(wctx, id, s.opts.WorkerID); err != nil {
		L.Error(ctx, err, "failed to mark scan running")
		return
	}

	// A checkout lost to a restart cannot be resumed; redo the fetch.
	if job.Stage == StageExecute {
		job.Stage = StageFetch
		if err := s.store.SetStage(wctx, id, StageFetch); err != nil {
			L.Error(ctx, err, "failed to reset stage for resume")
			return
		}
	}

	L.Info(ctx, "scan running", "stage", string(job.Stage), "repo", job.RepoURL)

	workDir, err := os.MkdirTemp(s.opts.WorkDir, "sift-"+id+"-")
	if err != nil {
		s.finish(wctx, job.ID, StatusFailed, fmt.Sprintf("create work dir: %v", err), ErrKindFatal)
		return
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	for job.Stage != StageDone {
		if ctx.Err() != nil {
			s.finish(wctx, job.ID, StatusCancelled, "cancelled by request", "")
			return
		}

		stage := job.Stage
		start := time.Now()
		var stageErr error
		switch stage {
		case StageFetch:
			stageErr = s.runFetch(ctx, job, workDir)
		case StageExecute:
			stageErr = s.runExecute(ctx, job, workDir)
		case StageNormalize:
			stageErr = s.runNormalize(ctx, job)
		case StageFinalize:
			stageErr = s.runFinalize(ctx, job)
		default:
			stageErr = fail(ErrKindFatal, fmt.Errorf("unknown stage %q", stage))
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		}

		if stageErr != nil {
			if ctx.Err() != nil {
				s.finish(wctx, job.ID, StatusCancelled, "cancelled by request", "")
				return
			}
			L.Error(ctx, stageErr, "scan stage failed", "stage", string(stage))
			s.finish(wctx, job.ID, StatusFailed, stageErr.Error(), kindOf(stageErr))
			return
		}
		L.Info(ctx, "scan stage complete",
			"stage", string(stage), "duration", time.Since(start).Seconds())
	}

	final, ok, err := s.store.GetScan(wctx, job.ID)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to reload finished job")
		return
	}
	if !final.Status.Terminal() {
		// crashed between the done checkpoint and the terminal mark
		if err := s.store.MarkTerminal(wctx, final.ID, StatusCompleted, "", ""); err != nil {
			L.Error(ctx, err, "failed to complete resumed job")
			return
		}
		if final, ok, err = s.store.GetScan(wctx, final.ID); err != nil || !ok {
			L.Error(ctx, err, "failed to reload finished job")
			return
		}
	}

	s.observeTerminal(ctx, final)
	L.Info(ctx, "scan complete",
		"created", final.FindingsCreated,
		"updated", final.FindingsUpdated,
		"normalize_errors", final.NormalizeErrors,
		"tool_failures", len(final.ToolFailures),
		"duration", final.Duration,
	)

	s.postScan(ctx, final)
}

// finish moves the job into a terminal state and reports it.
func (s *Service) finish(ctx context.Context, id string, status Status, msg string, kind ErrKind) {
	if err := s.store.MarkTerminal(ctx, id, status, msg, kind); err != nil {
		s.logger.Error(ctx, err, "terminal transition failed",
			"scan_id", id, "status", string(status))
		return
	}
	final, ok, err := s.store.GetScan(ctx, id)
	if err != nil || !ok {
		s.logger.Error(ctx, err, "failed to reload job after terminal transition", "scan_id", id)
		return
	}
	s.observeTerminal(ctx, final)
}

// checkpoint persists the job's pipeline progress. The write survives
// cancellation so the stage pointer never regresses.
func (s *Service) checkpoint(ctx context.Context, job *ScanJob) error {
	if err := s.store.UpdateScan(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("checkpoint %s: %w", job.Stage, err)
	}
	return nil
}

func (s *Service) runFetch(ctx context.Context, job *ScanJob, workDir string) error {
	sha, err := s.deps.Cloner.Clone(ctx, job.RepoURL, job.Branch, filepath.Join(workDir, "src"))
	if err != nil {
		kind := ErrKindFatal
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrKindTransient
		}
		return fail(kind, fmt.Errorf("fetch source: %w", err))
	}
	job.CommitSHA = sha
	job.Stage = StageExecute
	return s.checkpoint(ctx, job)
}

// runExecute fans out over the configured tools, merges their SARIF
// output into one artifact, and records per-tool failures without
// failing the scan. Only a clean sweep of failures is fatal.
func (s *Service) runExecute(ctx context.Context, job *ScanJob, workDir string) error {
	tools, err := scanner.ByName(job.Tools)
	if err != nil {
		return fail(ErrKindFatal, err)
	}

	results, err := s.deps.Executor.Run(ctx, scanner.Spec{
		ScanID:   job.ID,
		CodePath: filepath.Join(workDir, "src"),
		Tools:    tools,
		Timeout:  s.opts.ToolTimeout,
	})
	if err != nil {
		return fail(ErrKindTransient, fmt.Errorf("execute tools: %w", err))
	}

	merged := rawLog{Version: "2.1.0", Runs: []json.RawMessage{}}
	var failures []ToolFailure
	contributed := 0
	for _, r := range results {
		if !r.Success {
			failures = append(failures, ToolFailure{Tool: r.Tool, ExitCode: r.ExitCode, Error: r.Err})
			if s.deps.Metrics != nil {
				s.deps.Metrics.ToolFailures.WithLabelValues(r.Tool).Inc()
			}
			continue
		}
		var doc rawLog
		if err := json.Unmarshal(r.SARIF, &doc); err != nil {
			failures = append(failures, ToolFailure{Tool: r.Tool, Error: "malformed sarif output: " + err.Error()})
			if s.deps.Metrics != nil {
				s.deps.Metrics.ToolFailures.WithLabelValues(r.Tool).Inc()
			}
			continue
		}
		merged.Runs = append(merged.Runs, doc.Runs...)
		contributed++
	}
	job.ToolFailures = failures

	if contributed == 0 && len(results) > 0 {
		return fail(ErrKindFatal, fmt.Errorf("all %d tools failed", len(results)))
	}

	blob, err := json.Marshal(merged)
	if err != nil {
		return fail(ErrKindFatal, fmt.Errorf("encode merged sarif: %w", err))
	}
	key := artifact.Key(job.OrgID, job.RepoID, job.ID)
	if err := s.deps.Artifacts.Put(ctx, key, blob, artifact.ContentTypeSARIF); err != nil {
		return fail(ErrKindTransient, fmt.Errorf("store sarif artifact: %w", err))
	}
	job.SARIFKey = key
	job.SARIFSize = int64(len(blob))

	s.recordStorage(ctx, job)

	job.Stage = StageNormalize
	return s.checkpoint(ctx, job)
}

// recordStorage updates the soft storage counter. Breaches warn and
// notify; they never fail the scan.
func (s *Service) recordStorage(ctx context.Context, job *ScanJob) {
	usage, err := s.store.AddStorage(context.WithoutCancel(ctx), job.OrgID, job.SARIFSize)
	if err != nil {
		s.logger.Error(ctx, err, "storage usage update failed", "org_id", job.OrgID)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.StorageBytes.WithLabelValues(job.OrgID).Set(float64(usage.StorageBytes))
	}
	limit := s.opts.StorageQuotaBytes
	if usage.StorageBytes <= limit {
		return
	}
	s.logger.Warn(ctx, "storage quota exceeded",
		"org_id", job.OrgID,
		"used_bytes", usage.StorageBytes,
		"limit_bytes", limit,
	)
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.StorageWarning(ctx, job.OrgID, usage.StorageBytes, limit); err != nil {
			s.logger.Warn(ctx, "storage warning notification failed",
				"org_id", job.OrgID, "error", err.Error())
		}
	}
}

// runNormalize re-reads the merged artifact rather than carrying state
// in memory, so a job resumed at this stage behaves identically to one
// that never stopped. Re-applying the same document is a no-op for
// existing findings thanks to fingerprint dedup.
func (s *Service) runNormalize(ctx context.Context, job *ScanJob) error {
	blob, err := s.deps.Artifacts.Get(ctx, job.SARIFKey)
	if err != nil {
		return fail(ErrKindTransient, fmt.Errorf("load sarif artifact: %w", err))
	}
	doc, err := sarif.Parse(blob)
	if err != nil {
		return fail(ErrKindMalformed, err)
	}

	summary := s.deps.Normalizer.Apply(ctx, doc, sarif.Target{
		OrgID:  job.OrgID,
		RepoID: job.RepoID,
		ScanID: job.ID,
	})
	job.FindingsCreated = summary.FindingsCreated
	job.FindingsUpdated = summary.FindingsUpdated
	job.NormalizeErrors = summary.ErrorCount
	job.SeverityCounts = summary.BySeverity

	job.Stage = StageFinalize
	return s.checkpoint(ctx, job)
}

func (s *Service) runFinalize(ctx context.Context, job *ScanJob) error {
	job.Stage = StageDone
	if err := s.checkpoint(ctx, job); err != nil {
		return err
	}
	if err := s.store.MarkTerminal(context.WithoutCancel(ctx), job.ID, StatusCompleted, "", ""); err != nil {
		return fail(ErrKindFatal, fmt.Errorf("mark completed: %w", err))
	}
	return nil
}

// postScan triggers the optional adjudication and clustering follow-ups.
// They run after the job is terminal and never affect its outcome; both
// are independently retryable through their own endpoints.
func (s *Service) postScan(ctx context.Context, job *ScanJob) {
	if job.Status != StatusCompleted {
		return
	}
	if s.opts.AutoAdjudicate && s.deps.Adjudicator != nil && job.FindingsCreated+job.FindingsUpdated > 0 {
		sum, err := s.deps.Adjudicator.Run(ctx, adjudicate.RunRequest{OrgID: job.OrgID, ScanID: job.ID})
		if err != nil {
			s.logger.Error(ctx, err, "post-scan adjudication failed", "scan_id", job.ID)
		} else {
			s.logger.Info(ctx, "post-scan adjudication complete",
				"scan_id", job.ID,
				"processed", sum.Processed,
				"filtered", sum.Filtered,
				"failed", sum.Failed,
			)
		}
	}
	if s.opts.AutoCluster && s.deps.Clusterer != nil {
		sum, err := s.deps.Clusterer.Run(ctx, job.OrgID, cluster.RunOptions{})
		if err != nil {
			s.logger.Error(ctx, err, "post-scan clustering failed", "scan_id", job.ID)
		} else {
			s.logger.Info(ctx, "post-scan clustering complete",
				"scan_id", job.ID,
				"clusters", sum.Clusters,
				"noise", sum.Noise,
			)
		}
	}
}
