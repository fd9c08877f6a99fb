// Package pgstore provides a PostgreSQL implementation of cluster.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/cluster"
	"github.com/linnemanlabs/sift/internal/finding"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/cluster/pgstore")

//go:embed schema.sql
var schema string

// Store persists clusters, memberships, and the embedding cache in
// PostgreSQL.
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

const clusterColumns = `id, org_id, algorithm, similarity_threshold, size, avg_similarity,
	cohesion_score, primary_rule_id, primary_severity, primary_tool,
	representative_finding_id, stats, created_at`

// ReplaceClusters deletes the org's previous run and inserts the new one
// in a single transaction. Memberships ride on the cluster delete via
// cascade.
func (s *Store) ReplaceClusters(ctx context.Context, orgID string, clusters []*cluster.Cluster, memberships []*cluster.Membership) error {
	ctx, span := tracer.Start(ctx, "pgstore.ReplaceClusters", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.Int("sift.clusters", len(clusters)),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM clusters WHERE org_id = $1`, orgID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete clusters: %w", err)
	}

	for _, c := range clusters {
		stats, err := json.Marshal(c.Stats)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO clusters (`+clusterColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			c.ID, c.OrgID, c.Algorithm, c.Threshold, c.Size, c.AvgSimilarity,
			c.CohesionScore, c.PrimaryRuleID, string(c.PrimarySeverity), c.PrimaryTool,
			c.RepresentativeFindingID, stats, c.CreatedAt,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("insert cluster: %w", err)
		}
	}

	for _, m := range memberships {
		_, err := tx.Exec(ctx,
			`INSERT INTO cluster_members (cluster_id, finding_id, distance_to_centroid)
			 VALUES ($1,$2,$3)`,
			m.ClusterID, m.FindingID, m.DistanceToCentroid,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("insert membership: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetCluster retrieves a cluster by ID.
func (s *Store) GetCluster(ctx context.Context, id string) (*cluster.Cluster, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetCluster", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	c, err := scanCluster(s.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return c, true, nil
}

// ListClusters returns the org's clusters, largest first.
func (s *Store) ListClusters(ctx context.Context, orgID string) ([]*cluster.Cluster, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListClusters", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE org_id = $1 ORDER BY size DESC, id`,
		orgID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	var out []*cluster.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return out, nil
}

// ListMembers returns a cluster's memberships, closest to the centroid
// first.
func (s *Store) ListMembers(ctx context.Context, clusterID string) ([]*cluster.Membership, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListMembers", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT cluster_id, finding_id, distance_to_centroid
		 FROM cluster_members WHERE cluster_id = $1
		 ORDER BY distance_to_centroid, finding_id`,
		clusterID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []*cluster.Membership
	for rows.Next() {
		var m cluster.Membership
		if err := rows.Scan(&m.ClusterID, &m.FindingID, &m.DistanceToCentroid); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return out, nil
}

// GetCachedEmbeddings resolves content hashes to cached vectors.
func (s *Store) GetCachedEmbeddings(ctx context.Context, keys []string) (map[string][]float32, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetCachedEmbeddings", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int("sift.embedding.keys", len(keys)),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT content_hash, embedding FROM embedding_cache WHERE content_hash = ANY($1)`,
		keys,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query embedding cache: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var hash string
		var vec []float32
		if err := rows.Scan(&hash, &vec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out[hash] = vec
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

// PutCachedEmbeddings stores vectors by content hash. Existing entries
// win; concurrent writers of the same hash carry equivalent vectors, so
// dropping the insert is safe.
func (s *Store) PutCachedEmbeddings(ctx context.Context, entries map[string][]float32) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutCachedEmbeddings", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
		attribute.Int("sift.embedding.entries", len(entries)),
	))
	defer span.End()

	b := &pgx.Batch{}
	for hash, vec := range entries {
		b.Queue(
			`INSERT INTO embedding_cache (content_hash, embedding)
			 VALUES ($1,$2) ON CONFLICT (content_hash) DO NOTHING`,
			hash, vec,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	for range b.Len() {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("cache embedding: %w", err)
		}
	}
	return br.Close()
}

func scanCluster(row pgx.Row) (*cluster.Cluster, error) {
	var (
		c        cluster.Cluster
		severity string
		stats    []byte
	)
	err := row.Scan(
		&c.ID, &c.OrgID, &c.Algorithm, &c.Threshold, &c.Size, &c.AvgSimilarity,
		&c.CohesionScore, &c.PrimaryRuleID, &severity, &c.PrimaryTool,
		&c.RepresentativeFindingID, &stats, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	c.PrimarySeverity = finding.Severity(severity)
	if err := json.Unmarshal(stats, &c.Stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	return &c, nil
}
