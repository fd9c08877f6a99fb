package adjudicate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sift/internal/finding"
)

const (
	// DefaultBatchSize bounds how many findings are adjudicated
	// concurrently within one batch.
	DefaultBatchSize = 10

	// MaxFindingsPerRun caps a single run regardless of the request.
	MaxFindingsPerRun = 100

	// PerFindingTimeout bounds one adjudication including retries.
	PerFindingTimeout = 60 * time.Second

	// MaxAttempts is the per-finding attempt budget for transient errors.
	MaxAttempts = 3

	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff = time.Second
)

// Adjudicator is one agent pattern: it judges a single finding.
type Adjudicator interface {
	Adjudicate(ctx context.Context, f *finding.Finding) (*Result, error)
}

// RunRequest selects which findings to adjudicate and how.
type RunRequest struct {
	OrgID       string  `json:"org_id"`
	ScanID      string  `json:"scan_id,omitempty"`
	Pattern     Pattern `json:"pattern,omitempty"`
	BatchSize   int     `json:"batch_size,omitempty"`
	MaxFindings int     `json:"max_findings,omitempty"`
}

// RunSummary reports what one adjudication run did.
type RunSummary struct {
	Processed     int     `json:"processed"`
	Filtered      int     `json:"filtered"`
	TruePositives int     `json:"true_positives"`
	Uncertain     int     `json:"uncertain"`
	Failed        int     `json:"failed"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	Duration      float64 `json:"duration_seconds"`
}

// Coordinator batches adjudication over open findings that have no
// verdict yet. Every processed finding gets a verdict row, including
// the ones that fail: failures are recorded as uncertain verdicts with
// the error in the reasoning so the run leaves a complete audit trail.
// That verdict row also takes the finding out of the selection set, so
// repeated runs walk forward instead of re-judging the same rows.
type Coordinator struct {
	findings finding.Store
	engines  map[Pattern]Adjudicator
	logger   log.Logger
	metrics  *Metrics

	backoff time.Duration
}

// NewCoordinator wires engines to the finding store. metrics may be nil.
func NewCoordinator(findings finding.Store, engines map[Pattern]Adjudicator, logger log.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		findings: findings,
		engines:  engines,
		logger:   logger,
		metrics:  metrics,
		backoff:  InitialBackoff,
	}
}

// Run adjudicates unverdicted open findings matching the request.
// Batches run sequentially; findings within a batch fan out
// concurrently. A canceled context stops scheduling new batches, and
// in-flight findings finish or time out on their own deadlines.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	start := time.Now()

	pattern := req.Pattern
	if pattern == "" {
		pattern = PatternSingleShot
	}
	if !pattern.Valid() {
		return nil, fmt.Errorf("unknown pattern %q", pattern)
	}
	engine, ok := c.engines[pattern]
	if !ok {
		return nil, fmt.Errorf("no engine configured for pattern %q", pattern)
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	limit := req.MaxFindings
	if limit <= 0 || limit > MaxFindingsPerRun {
		limit = MaxFindingsPerRun
	}

	open, err := c.findings.ListFindings(ctx, finding.ListFilter{
		OrgID:       req.OrgID,
		ScanID:      req.ScanID,
		Status:      finding.StatusOpen,
		Unverdicted: true,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}

	L := c.logger.With("org_id", req.OrgID, "pattern", string(pattern))
	L.Info(ctx, "adjudication run starting",
		"findings", len(open),
		"batch_size", batchSize,
	)
	if c.metrics != nil {
		c.metrics.RunsTotal.WithLabelValues(string(pattern)).Inc()
	}

	var (
		mu      sync.Mutex
		summary RunSummary
	)
	for i := 0; i < len(open); i += batchSize {
		if ctx.Err() != nil {
			break
		}
		batch := open[i:min(i+batchSize, len(open))]

		var wg sync.WaitGroup
		for _, f := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := c.adjudicateOne(ctx, engine, f)

				mu.Lock()
				defer mu.Unlock()
				summary.Processed++
				if err != nil {
					summary.Failed++
					c.recordFailure(ctx, pattern, f, err)
					return
				}
				summary.TotalCostUSD += res.EstimatedCostUSD
				switch {
				case ShouldFilter(res.Verdict, res.Confidence):
					summary.Filtered++
				case res.Verdict == finding.VerdictTruePositive:
					summary.TruePositives++
				default:
					summary.Uncertain++
				}
				c.persist(ctx, f, res)
			}()
		}
		wg.Wait()
	}

	summary.Duration = time.Since(start).Seconds()
	L.Info(ctx, "adjudication run complete",
		"processed", summary.Processed,
		"filtered", summary.Filtered,
		"true_positives", summary.TruePositives,
		"uncertain", summary.Uncertain,
		"failed", summary.Failed,
		"cost_usd", summary.TotalCostUSD,
	)
	return &summary, ctx.Err()
}

// adjudicateOne runs a single finding with a per-finding deadline and
// retries on transient errors. Malformed model output is not transient:
// retrying a parse failure burns tokens for the same bad answer.
func (c *Coordinator) adjudicateOne(ctx context.Context, engine Adjudicator, f *finding.Finding) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, PerFindingTimeout)
	defer cancel()

	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		res, err := engine.Adjudicate(ctx, f)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var unparseable *UnparseableError
		if errors.As(err, &unparseable) {
			return nil, err
		}
		if attempt == MaxAttempts || ctx.Err() != nil {
			break
		}

		c.logger.Warn(ctx, "adjudication attempt failed, retrying",
			"finding_id", f.ID,
			"attempt", attempt,
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Coordinator) persist(ctx context.Context, f *finding.Finding, res *Result) {
	v := &finding.Verdict{
		ID:               ulid.Make().String(),
		FindingID:        f.ID,
		OrgID:            f.OrgID,
		Pattern:          string(res.Pattern),
		Verdict:          res.Verdict,
		Confidence:       res.Confidence,
		Reasoning:        res.Reasoning,
		CWE:              res.CWE,
		Recommendation:   res.Recommendation,
		Provider:         res.Provider,
		Model:            res.Model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens,
		EstimatedCostUSD: res.EstimatedCostUSD,
		Duration:         res.Duration,
		Raw:              res.Raw,
		CreatedAt:        time.Now().UTC(),
	}
	if err := c.findings.AppendVerdict(ctx, v); err != nil {
		c.logger.Error(ctx, err, "verdict persist failed", "finding_id", f.ID)
		return
	}
	if res.EstimatedCostUSD == 0 && res.TotalTokens > 0 {
		c.logger.Warn(ctx, "no price entry for model, cost recorded as zero",
			"model", res.Model,
			"tokens", res.TotalTokens,
		)
	}

	if c.metrics != nil {
		p := string(res.Pattern)
		c.metrics.VerdictsTotal.WithLabelValues(p, res.Verdict).Inc()
		c.metrics.AdjudicationDuration.WithLabelValues(p).Observe(res.Duration)
		c.metrics.TokensIn.WithLabelValues(p).Observe(float64(res.PromptTokens))
		c.metrics.TokensOut.WithLabelValues(p).Observe(float64(res.CompletionTokens))
		c.metrics.CostUSD.Add(res.EstimatedCostUSD)
	}

	if ShouldFilter(res.Verdict, res.Confidence) {
		if err := c.findings.SetStatus(ctx, f.ID, finding.StatusFalsePositive); err != nil {
			c.logger.Error(ctx, err, "status update failed", "finding_id", f.ID)
			return
		}
		if c.metrics != nil {
			c.metrics.FilteredTotal.Inc()
		}
		c.logger.Info(ctx, "finding filtered as false positive",
			"finding_id", f.ID,
			"confidence", res.Confidence,
		)
	}
}

// recordFailure writes the failure as an uncertain verdict row. The
// finding itself stays open for the next run.
func (c *Coordinator) recordFailure(ctx context.Context, pattern Pattern, f *finding.Finding, cause error) {
	var unparseable *UnparseableError
	if errors.As(cause, &unparseable) && c.metrics != nil {
		c.metrics.ParseFailuresTotal.Inc()
	}
	c.logger.Error(ctx, cause, "adjudication failed", "finding_id", f.ID)

	v := &finding.Verdict{
		ID:         ulid.Make().String(),
		FindingID:  f.ID,
		OrgID:      f.OrgID,
		Pattern:    string(pattern),
		Verdict:    finding.VerdictUncertain,
		Confidence: 0,
		Reasoning:  "Adjudication failed: " + cause.Error(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.findings.AppendVerdict(ctx, v); err != nil {
		c.logger.Error(ctx, err, "failure verdict persist failed", "finding_id", f.ID)
		return
	}
	if c.metrics != nil {
		c.metrics.FailuresTotal.Inc()
		c.metrics.VerdictsTotal.WithLabelValues(string(pattern), finding.VerdictUncertain).Inc()
	}
}
