// Package pgstore provides a PostgreSQL implementation of finding.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/finding"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/finding/pgstore")

//go:embed schema.sql
var schema string

// Store persists findings and verdicts in PostgreSQL.
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

const findingColumns = `id, org_id, repo_id, fingerprint, tool, tool_version, rule_id, rule_name,
	severity, status, message, file_path, start_line, start_column, end_line, end_column,
	snippet, cwe_ids, cve_ids, occurrence_count, first_seen_scan_id, last_seen_scan_id,
	created_at, updated_at`

// CreateFinding inserts f, or returns the existing holder of
// (org_id, fingerprint) with created=false.
func (s *Store) CreateFinding(ctx context.Context, f *finding.Finding) (*finding.Finding, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.CreateFinding", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	cwe := f.CWEIDs
	if cwe == nil {
		cwe = []string{}
	}
	cve := f.CVEIDs
	if cve == nil {
		cve = []string{}
	}

	query := `INSERT INTO findings (` + findingColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (org_id, fingerprint) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		f.ID, f.OrgID, f.RepoID, f.Fingerprint, f.Tool, f.ToolVersion, f.RuleID, f.RuleName,
		string(f.Severity), string(f.Status), f.Message, f.FilePath, f.StartLine, f.StartColumn, f.EndLine, f.EndColumn,
		f.Snippet, cwe, cve, f.OccurrenceCount, f.FirstSeenScanID, f.LastSeenScanID,
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("insert finding: %w", err)
	}
	if tag.RowsAffected() == 1 {
		cp := *f
		return &cp, true, nil
	}

	// lost to an existing holder; hand it back
	holder, err := s.scanFindingRow(s.pool.QueryRow(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE org_id = $1 AND fingerprint = $2`,
		f.OrgID, f.Fingerprint,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if holder == nil {
		return nil, false, fmt.Errorf("insert finding: conflict row vanished for %s", f.Fingerprint)
	}
	return holder, false, nil
}

// GetFinding retrieves a finding by ID.
func (s *Store) GetFinding(ctx context.Context, id string) (*finding.Finding, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetFinding", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	f, err := s.scanFindingRow(s.pool.QueryRow(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE id = $1`, id,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if f == nil {
		return nil, false, nil
	}
	return f, true, nil
}

// ListFindings returns findings matching the filter, newest first.
func (s *Store) ListFindings(ctx context.Context, filter finding.ListFilter) ([]*finding.Finding, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListFindings", trace.WithAttributes(
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
	if filter.ScanID != "" {
		add("(first_seen_scan_id = $%[1]d OR last_seen_scan_id = $%[1]d)", filter.ScanID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Tool != "" {
		add("tool = $%d", filter.Tool)
	}
	if filter.Unverdicted {
		conds = append(conds, "NOT EXISTS (SELECT 1 FROM verdicts v WHERE v.finding_id = findings.id)")
	}

	query := `SELECT ` + findingColumns + ` FROM findings`
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
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []*finding.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return out, nil
}

// FindActiveByFingerprint retrieves the open/in_review holder of a
// fingerprint, if any.
func (s *Store) FindActiveByFingerprint(ctx context.Context, orgID, fp string) (*finding.Finding, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.FindActiveByFingerprint", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	f, err := s.scanFindingRow(s.pool.QueryRow(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE org_id = $1 AND fingerprint = $2 AND status IN ('open', 'in_review')`,
		orgID, fp,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if f == nil {
		return nil, false, nil
	}
	return f, true, nil
}

// FingerprintExists reports whether any finding of any status holds the
// fingerprint.
func (s *Store) FingerprintExists(ctx context.Context, orgID, fp string) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.FingerprintExists", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM findings WHERE org_id = $1 AND fingerprint = $2)`,
		orgID, fp,
	).Scan(&exists)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("fingerprint exists: %w", err)
	}
	return exists, nil
}

// RecordOccurrence bumps occurrence_count and advances the last-seen scan.
func (s *Store) RecordOccurrence(ctx context.Context, id, scanID string) error {
	ctx, span := tracer.Start(ctx, "pgstore.RecordOccurrence", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE findings
		 SET occurrence_count = occurrence_count + 1, last_seen_scan_id = $2, updated_at = now()
		 WHERE id = $1`,
		id, scanID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("record occurrence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return finding.ErrNotFound
	}
	return nil
}

// SetStatus updates a finding's review status.
func (s *Store) SetStatus(ctx context.Context, id string, status finding.Status) error {
	ctx, span := tracer.Start(ctx, "pgstore.SetStatus", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE findings SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return finding.ErrNotFound
	}
	return nil
}

// AppendVerdict inserts one verdict row.
func (s *Store) AppendVerdict(ctx context.Context, v *finding.Verdict) error {
	ctx, span := tracer.Start(ctx, "pgstore.AppendVerdict", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	var raw []byte
	if v.Raw != nil {
		raw = v.Raw
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO verdicts (
			id, finding_id, org_id, pattern, verdict, confidence, reasoning, cwe_id,
			recommendation, llm_provider, llm_model, prompt_tokens, completion_tokens,
			total_tokens, estimated_cost_usd, duration_s, raw_response, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		v.ID, v.FindingID, v.OrgID, v.Pattern, v.Verdict, v.Confidence, v.Reasoning, v.CWE,
		v.Recommendation, v.Provider, v.Model, v.PromptTokens, v.CompletionTokens,
		v.TotalTokens, v.EstimatedCostUSD, v.Duration, raw, v.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

// ListVerdicts returns a finding's verdicts, oldest first.
func (s *Store) ListVerdicts(ctx context.Context, findingID string) ([]*finding.Verdict, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListVerdicts", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, finding_id, org_id, pattern, verdict, confidence, reasoning, cwe_id,
			recommendation, llm_provider, llm_model, prompt_tokens, completion_tokens,
			total_tokens, estimated_cost_usd, duration_s, raw_response, created_at
		 FROM verdicts WHERE finding_id = $1 ORDER BY created_at, id`,
		findingID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var out []*finding.Verdict
	for rows.Next() {
		var v finding.Verdict
		var raw []byte
		if err := rows.Scan(
			&v.ID, &v.FindingID, &v.OrgID, &v.Pattern, &v.Verdict, &v.Confidence, &v.Reasoning, &v.CWE,
			&v.Recommendation, &v.Provider, &v.Model, &v.PromptTokens, &v.CompletionTokens,
			&v.TotalTokens, &v.EstimatedCostUSD, &v.Duration, &raw, &v.CreatedAt,
		); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.Raw = raw
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate verdicts: %w", err)
	}
	return out, nil
}

// scanFindingRow scans a single row into a finding.Finding.
// Returns (nil, nil) when no row is found.
func (s *Store) scanFindingRow(row pgx.Row) (*finding.Finding, error) {
	f, err := scanFinding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func scanFinding(row pgx.Row) (*finding.Finding, error) {
	var (
		f        finding.Finding
		severity string
		status   string
	)
	err := row.Scan(
		&f.ID, &f.OrgID, &f.RepoID, &f.Fingerprint, &f.Tool, &f.ToolVersion, &f.RuleID, &f.RuleName,
		&severity, &status, &f.Message, &f.FilePath, &f.StartLine, &f.StartColumn, &f.EndLine, &f.EndColumn,
		&f.Snippet, &f.CWEIDs, &f.CVEIDs, &f.OccurrenceCount, &f.FirstSeenScanID, &f.LastSeenScanID,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan finding: %w", err)
	}
	f.Severity = finding.Severity(severity)
	f.Status = finding.Status(status)
	return &f, nil
}
