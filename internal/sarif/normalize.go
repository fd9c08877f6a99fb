package sarif

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/finding"
	"github.com/linnemanlabs/sift/internal/fingerprint"
)

// snippetMaxLen caps persisted snippet text.
const snippetMaxLen = 1000

// severityMap converts SARIF levels to the normalized scale.
var severityMap = map[string]finding.Severity{
	"error":   finding.SeverityHigh,
	"warning": finding.SeverityMedium,
	"note":    finding.SeverityLow,
	"none":    finding.SeverityInfo,
}

// Target attributes normalized findings to a scan.
type Target struct {
	OrgID  string
	RepoID string
	ScanID string
}

// Summary accumulates the outcome of normalizing one or more documents.
type Summary struct {
	FindingsCreated int      `json:"findings_created"`
	FindingsUpdated int      `json:"findings_updated"`
	Errors          []string `json:"errors"`
	ErrorCount      int      `json:"error_count"`

	// BySeverity counts processed sightings per mapped severity,
	// created and merged alike.
	BySeverity map[string]int `json:"by_severity,omitempty"`

	// NewFindingIDs lists rows created by this pass, for downstream
	// adjudication targeting.
	NewFindingIDs []string `json:"-"`
}

// Normalizer converts SARIF results into deduplicated findings.
type Normalizer struct {
	deduper *finding.Deduper
	logger  log.Logger
}

// NewNormalizer creates a Normalizer. A nil logger disables logging.
func NewNormalizer(deduper *finding.Deduper, logger log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Normalizer{deduper: deduper, logger: logger}
}

// Apply walks every run and result of doc, creating or merging findings.
// Individual result failures are recorded and skipped; Apply itself never
// aborts a document part way.
func (n *Normalizer) Apply(ctx context.Context, doc *Log, target Target) *Summary {
	summary := &Summary{Errors: []string{}, BySeverity: map[string]int{}}

	if doc.Version != "" && !strings.HasPrefix(doc.Version, "2.1") {
		n.logger.Warn(ctx, "sarif version may not be fully supported",
			"version", doc.Version, "scan_id", target.ScanID)
	}

	if len(doc.Runs) == 0 {
		n.logger.Warn(ctx, "no runs in sarif document", "scan_id", target.ScanID)
		return summary
	}

	for i := range doc.Runs {
		run := &doc.Runs[i]
		toolName := run.Tool.Driver.Name
		if toolName == "" {
			toolName = "Unknown"
		}

		n.logger.Info(ctx, "processing sarif results",
			"tool", toolName, "results", len(run.Results), "scan_id", target.ScanID)

		for j := range run.Results {
			if err := n.processResult(ctx, &run.Results[j], run, target, summary); err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				n.logger.Error(ctx, err, "failed to process sarif result",
					"tool", toolName, "scan_id", target.ScanID)
			}
		}
	}

	summary.ErrorCount = len(summary.Errors)
	n.logger.Info(ctx, "sarif processing complete",
		"created", summary.FindingsCreated,
		"updated", summary.FindingsUpdated,
		"errors", summary.ErrorCount,
		"scan_id", target.ScanID,
	)
	return summary
}

func (n *Normalizer) processResult(ctx context.Context, result *Result, run *Run, target Target, summary *Summary) error {
	ruleID := result.RuleID
	if ruleID == "" {
		ruleID = "UNKNOWN"
	}

	level := result.Level
	if level == "" {
		level = "warning"
	}
	severity, ok := severityMap[level]
	if !ok {
		severity = finding.SeverityMedium
	}

	message := result.Message.Text
	if message == "" {
		message = "No description available"
	}

	if len(result.Locations) == 0 {
		n.logger.Warn(ctx, "no locations for result, skipping", "rule_id", ruleID)
		return nil
	}

	phys := result.Locations[0].PhysicalLocation
	filePath := phys.ArtifactLocation.URI
	if filePath == "" {
		filePath = "unknown"
	}
	startLine := phys.Region.StartLine
	if startLine == 0 {
		startLine = 1
	}
	startColumn := phys.Region.StartColumn
	if startColumn == 0 {
		startColumn = 1
	}

	var snippet string
	if phys.Region.Snippet != nil {
		snippet = phys.Region.Snippet.Text
	}
	if len(snippet) > snippetMaxLen {
		snippet = snippet[:snippetMaxLen]
	}

	cweIDs, cveIDs := extractCWECVE(result)

	fp := fingerprint.Compute(ruleID, filePath, startLine, startColumn, message)

	candidate := &finding.Finding{
		OrgID:          target.OrgID,
		RepoID:         target.RepoID,
		Fingerprint:    fp,
		Tool:           run.Tool.Driver.Name,
		ToolVersion:    run.Tool.Driver.Version,
		RuleID:         ruleID,
		RuleName:       ruleName(result.Message.Text, ruleID),
		Severity:       severity,
		Message:        message,
		FilePath:       filePath,
		StartLine:      startLine,
		StartColumn:    startColumn,
		EndLine:        phys.Region.EndLine,
		EndColumn:      phys.Region.EndColumn,
		Snippet:        snippet,
		CWEIDs:         cweIDs,
		CVEIDs:         cveIDs,
		LastSeenScanID: target.ScanID,
	}
	if candidate.Tool == "" {
		candidate.Tool = "Unknown"
	}

	stored, created, err := n.deduper.CreateOrMerge(ctx, candidate)
	if err != nil {
		return fmt.Errorf("result %s at %s:%d: %w", ruleID, filePath, startLine, err)
	}
	if created {
		summary.FindingsCreated++
		summary.NewFindingIDs = append(summary.NewFindingIDs, stored.ID)
	} else {
		summary.FindingsUpdated++
	}
	summary.BySeverity[string(severity)]++
	return nil
}

// ruleName extracts a display name from message text of the form
// "Name [rule.id]"; tools without that convention fall back to the rule ID.
func ruleName(messageText, ruleID string) string {
	if strings.Contains(messageText, "[") && strings.Contains(messageText, "]") {
		return strings.TrimSpace(strings.SplitN(messageText, "[", 2)[0])
	}
	return ruleID
}

// extractCWECVE pulls CWE/CVE identifiers from property tags and
// taxonomy references.
func extractCWECVE(result *Result) (cweIDs, cveIDs []string) {
	if result.Properties != nil {
		for _, tag := range result.Properties.Tags {
			switch {
			case strings.HasPrefix(tag, "CWE-"):
				cweIDs = append(cweIDs, tag)
			case strings.HasPrefix(tag, "CVE-"):
				cveIDs = append(cveIDs, tag)
			}
		}
	}
	for _, taxon := range result.Taxa {
		switch {
		case strings.HasPrefix(taxon.ID, "CWE-"):
			cweIDs = append(cweIDs, taxon.ID)
		case strings.HasPrefix(taxon.ID, "CVE-"):
			cveIDs = append(cveIDs, taxon.ID)
		}
	}
	return cweIDs, cveIDs
}
