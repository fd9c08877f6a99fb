// Package pgstore provides a PostgreSQL implementation of scan.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/scan"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/scan/pgstore")

//go:embed schema.sql
var schema string

// Store persists scan jobs and quota counters in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned
// by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const scanColumns = `id, org_id, repo_id, repo_url, branch, commit_sha, status, stage, tools,
	queued_at, started_at, finished_at, duration_seconds, error, error_kind,
	sarif_key, sarif_size, findings_created, findings_updated, normalize_errors,
	severity_counts, tool_failures, worker_id, created_at, updated_at`

const quotaColumns = `org_id, year, month, scans_used, storage_bytes, updated_at`

// CreateScan inserts a new job row.
func (s *Store) CreateScan(ctx context.Context, job *scan.ScanJob) error {
	ctx, span := tracer.Start(ctx, "pgstore.CreateScan", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tools := job.Tools
	if tools == nil {
		tools = []string{}
	}
	severities, failures, err := encodeCounters(job)
	if err != nil {
		return err
	}

	query := `INSERT INTO scans (` + scanColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`

	_, err = s.pool.Exec(ctx, query,
		job.ID, job.OrgID, job.RepoID, job.RepoURL, job.Branch, job.CommitSHA, string(job.Status), string(job.Stage), tools,
		job.QueuedAt, job.StartedAt, job.FinishedAt, job.Duration, job.Error, string(job.ErrorKind),
		job.SARIFKey, job.SARIFSize, job.FindingsCreated, job.FindingsUpdated, job.NormalizeErrors,
		severities, failures, job.WorkerID, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// GetScan retrieves a job by ID.
func (s *Store) GetScan(ctx context.Context, id string) (*scan.ScanJob, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetScan", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	job, err := s.scanJobRow(s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE id = $1`, id,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if job == nil {
		return nil, false, nil
	}
	return job, true, nil
}

// ListScans returns jobs matching the filter, newest first.
func (s *Store) ListScans(ctx context.Context, filter scan.ListFilter) ([]*scan.ScanJob, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListScans", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var conds []string
	var args []any
	add := func(format string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}

	if filter.OrgID != "" {
		add("org_id = $%d", filter.OrgID)
	}
	if filter.RepoID != "" {
		add("repo_id = $%d", filter.RepoID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	query := `SELECT ` + scanColumns + ` FROM scans`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []*scan.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return out, nil
}

// UpdateScan replaces the pipeline-owned fields of an existing job.
// Status and lifecycle stamps are left to MarkRunning and MarkTerminal.
func (s *Store) UpdateScan(ctx context.Context, job *scan.ScanJob) error {
	ctx, span := tracer.Start(ctx, "pgstore.UpdateScan", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tools := job.Tools
	if tools == nil {
		tools = []string{}
	}
	severities, failures, err := encodeCounters(job)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE scans
		 SET commit_sha = $2, stage = $3, tools = $4, sarif_key = $5, sarif_size = $6,
		     findings_created = $7, findings_updated = $8, normalize_errors = $9,
		     severity_counts = $10, tool_failures = $11, worker_id = $12, updated_at = now()
		 WHERE id = $1`,
		job.ID, job.CommitSHA, string(job.Stage), tools, job.SARIFKey, job.SARIFSize,
		job.FindingsCreated, job.FindingsUpdated, job.NormalizeErrors,
		severities, failures, job.WorkerID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("update scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// SetStage moves the persisted stage pointer.
func (s *Store) SetStage(ctx context.Context, id string, stage scan.Stage) error {
	ctx, span := tracer.Start(ctx, "pgstore.SetStage", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET stage = $2, updated_at = now() WHERE id = $1`,
		id, string(stage),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("set stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// MarkRunning transitions to running, stamping started_at exactly once.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string) error {
	ctx, span := tracer.Start(ctx, "pgstore.MarkRunning", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE scans
		 SET status = 'running', started_at = COALESCE(started_at, now()), worker_id = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'queued', 'running')`,
		id, workerID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// No row moved. Distinguish a missing job from a terminal one.
	job, ok, err := s.GetScan(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return scan.ErrNotFound
	}
	return fmt.Errorf("scan %s is %s: %w", id, job.Status, scan.ErrInvalidTransition)
}

// MarkTerminal moves the job into a terminal status. Re-marking the same
// status is a no-op and keeps the original stamps.
func (s *Store) MarkTerminal(ctx context.Context, id string, status scan.Status, errMsg string, kind scan.ErrKind) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, scan.ErrInvalidTransition)
	}

	ctx, span := tracer.Start(ctx, "pgstore.MarkTerminal", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE scans
		 SET status = $2, error = $3, error_kind = $4, finished_at = now(),
		     duration_seconds = CASE WHEN started_at IS NULL THEN 0
		                             ELSE EXTRACT(EPOCH FROM (now() - started_at)) END,
		     updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, string(status), errMsg, string(kind),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mark terminal: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	job, ok, err := s.GetScan(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return scan.ErrNotFound
	}
	if job.Status == status {
		return nil
	}
	return fmt.Errorf("scan %s is %s, cannot become %s: %w", id, job.Status, status, scan.ErrInvalidTransition)
}

// TryConsumeScan atomically admits one scan against the monthly limit.
// The conditional upsert makes check-and-increment a single statement, so
// two concurrent calls at limit-1 admit exactly one.
func (s *Store) TryConsumeScan(ctx context.Context, orgID string, limit int) (*scan.QuotaUsage, error) {
	if limit <= 0 {
		return nil, scan.ErrQuotaExceeded
	}

	ctx, span := tracer.Start(ctx, "pgstore.TryConsumeScan", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	now := time.Now().UTC()
	usage, err := scanQuota(s.pool.QueryRow(ctx,
		`INSERT INTO scan_quota (org_id, year, month, scans_used, storage_bytes, updated_at)
		 VALUES ($1, $2, $3, 1, 0, now())
		 ON CONFLICT (org_id, year, month) DO UPDATE
		 SET scans_used = scan_quota.scans_used + 1, updated_at = now()
		 WHERE scan_quota.scans_used < $4
		 RETURNING `+quotaColumns,
		orgID, now.Year(), int(now.Month()), limit,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scan.ErrQuotaExceeded
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("consume scan quota: %w", err)
	}
	return usage, nil
}

// AddStorage adds bytes to the soft storage counter.
func (s *Store) AddStorage(ctx context.Context, orgID string, bytes int64) (*scan.QuotaUsage, error) {
	ctx, span := tracer.Start(ctx, "pgstore.AddStorage", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	now := time.Now().UTC()
	usage, err := scanQuota(s.pool.QueryRow(ctx,
		`INSERT INTO scan_quota (org_id, year, month, scans_used, storage_bytes, updated_at)
		 VALUES ($1, $2, $3, 0, $4, now())
		 ON CONFLICT (org_id, year, month) DO UPDATE
		 SET storage_bytes = scan_quota.storage_bytes + EXCLUDED.storage_bytes, updated_at = now()
		 RETURNING `+quotaColumns,
		orgID, now.Year(), int(now.Month()), bytes,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("add storage: %w", err)
	}
	return usage, nil
}

// GetQuota retrieves the usage row for the given month.
func (s *Store) GetQuota(ctx context.Context, orgID string, year, month int) (*scan.QuotaUsage, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetQuota", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	usage, err := scanQuota(s.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM scan_quota WHERE org_id = $1 AND year = $2 AND month = $3`,
		orgID, year, month,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("get quota: %w", err)
	}
	return usage, true, nil
}

// encodeCounters marshals the jsonb counter columns of a job.
func encodeCounters(job *scan.ScanJob) (severities, failures []byte, err error) {
	severities, err = json.Marshal(job.SeverityCounts)
	if err != nil {
		return nil, nil, fmt.Errorf("encode severity counts: %w", err)
	}
	failures, err = json.Marshal(job.ToolFailures)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tool failures: %w", err)
	}
	return severities, failures, nil
}

// scanJobRow scans a single row into a scan.ScanJob.
// Returns (nil, nil) when no row is found.
func (s *Store) scanJobRow(row pgx.Row) (*scan.ScanJob, error) {
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func scanJob(row pgx.Row) (*scan.ScanJob, error) {
	var (
		j          scan.ScanJob
		status     string
		stage      string
		kind       string
		severities []byte
		failures   []byte
	)
	err := row.Scan(
		&j.ID, &j.OrgID, &j.RepoID, &j.RepoURL, &j.Branch, &j.CommitSHA, &status, &stage, &j.Tools,
		&j.QueuedAt, &j.StartedAt, &j.FinishedAt, &j.Duration, &j.Error, &kind,
		&j.SARIFKey, &j.SARIFSize, &j.FindingsCreated, &j.FindingsUpdated, &j.NormalizeErrors,
		&severities, &failures, &j.WorkerID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = scan.Status(status)
	j.Stage = scan.Stage(stage)
	j.ErrorKind = scan.ErrKind(kind)
	if len(severities) > 0 {
		if err := json.Unmarshal(severities, &j.SeverityCounts); err != nil {
			return nil, fmt.Errorf("decode severity counts: %w", err)
		}
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &j.ToolFailures); err != nil {
			return nil, fmt.Errorf("decode tool failures: %w", err)
		}
	}
	return &j, nil
}

func scanQuota(row pgx.Row) (*scan.QuotaUsage, error) {
	var q scan.QuotaUsage
	err := row.Scan(&q.OrgID, &q.Year, &q.Month, &q.ScansUsed, &q.StorageBytes, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan quota: %w", err)
	}
	return &q, nil
}
