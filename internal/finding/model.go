// Package finding provides the domain boundary for normalized static
// analysis findings. It defines the Finding and Verdict models, the Store
// interface (persistence), and the Deduper that folds repeat detections
// into existing rows by fingerprint.
package finding

import (
	"encoding/json"
	"time"
)

// Status tracks a finding through review.
type Status string

const (
	// StatusOpen means detected and awaiting review.
	StatusOpen Status = "open"

	// StatusInReview means a human or agent is actively looking at it.
	StatusInReview Status = "in_review"

	// StatusFixed means the underlying defect was remediated.
	StatusFixed Status = "fixed"

	// StatusFalsePositive means adjudicated or marked as not a real issue.
	StatusFalsePositive Status = "false_positive"

	// StatusAcceptedRisk means acknowledged and deliberately not fixed.
	StatusAcceptedRisk Status = "accepted_risk"

	// StatusWontFix means closed without remediation.
	StatusWontFix Status = "wont_fix"
)

// Active reports whether the finding still participates in dedup.
// Closed findings are never matched against; a re-detected defect
// surfaces as a new row instead of resurrecting the closed one.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInReview
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInReview, StatusFixed, StatusFalsePositive, StatusAcceptedRisk, StatusWontFix:
		return true
	}
	return false
}

// Severity is the normalized severity scale shared by all tools.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is a known severity value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Verdict classes an adjudication run can assign to a finding.
const (
	VerdictTruePositive  = "true_positive"
	VerdictFalsePositive = "false_positive"
	VerdictUncertain     = "uncertain"
)

// Finding is one deduplicated static analysis result. Uniqueness is
// (org_id, fingerprint); repeat detections bump OccurrenceCount and
// LastSeenScanID rather than creating rows.
type Finding struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	RepoID      string `json:"repo_id"`
	Fingerprint string `json:"fingerprint"`

	Tool        string   `json:"tool"`
	ToolVersion string   `json:"tool_version,omitempty"`
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name,omitempty"`
	Severity    Severity `json:"severity"`
	Status      Status   `json:"status"`
	Message     string   `json:"message"`

	FilePath    string `json:"file_path"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line,omitempty"`
	EndColumn   int    `json:"end_column,omitempty"`
	Snippet     string `json:"snippet,omitempty"`

	CWEIDs []string `json:"cwe_ids,omitempty"`
	CVEIDs []string `json:"cve_ids,omitempty"`

	OccurrenceCount int    `json:"occurrence_count"`
	FirstSeenScanID string `json:"first_seen_scan_id"`
	LastSeenScanID  string `json:"last_seen_scan_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Verdict is one adjudication outcome for a finding. Verdicts are
// append-only: repeated runs with different patterns or providers
// accumulate rows, they never overwrite.
type Verdict struct {
	ID        string `json:"id"`
	FindingID string `json:"finding_id"`
	OrgID     string `json:"org_id"`

	Pattern        string  `json:"pattern"`
	Verdict        string  `json:"verdict"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning,omitempty"`
	CWE            string  `json:"cwe_id,omitempty"`
	Recommendation string  `json:"recommendation,omitempty"`

	Provider         string  `json:"llm_provider"`
	Model            string  `json:"llm_model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Duration         float64 `json:"duration_seconds"`

	Raw       json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListFilter narrows ListFindings. Zero values mean "any".
type ListFilter struct {
	OrgID       string
	RepoID      string
	ScanID      string // matches first or last seen
	Status      Status
	Severity    Severity
	Tool        string
	Unverdicted bool // only findings with no verdict rows
	Limit       int
	Offset      int
}
