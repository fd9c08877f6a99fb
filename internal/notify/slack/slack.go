// Package slack sends scan notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/scan"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier posts scan lifecycle messages to a Slack webhook. It
// implements scan.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, sends are no-ops.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// ScanFinished posts a terminal scan outcome to the configured webhook.
func (n *Notifier) ScanFinished(ctx context.Context, job *scan.ScanJob, summary string) error {
	if n.webhookURL == "" {
		return nil
	}
	if err := n.post(ctx, buildScanMessage(job, summary)); err != nil {
		return err
	}
	n.logger.Info(ctx, "slack notification sent",
		"scan_id", job.ID, "status", string(job.Status))
	return nil
}

// StorageWarning posts a soft storage quota breach for an org.
func (n *Notifier) StorageWarning(ctx context.Context, orgID string, usedBytes, limitBytes int64) error {
	if n.webhookURL == "" {
		return nil
	}
	if err := n.post(ctx, buildStorageMessage(orgID, usedBytes, limitBytes)); err != nil {
		return err
	}
	n.logger.Info(ctx, "slack storage warning sent", "org_id", orgID)
	return nil
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildScanMessage(job *scan.ScanJob, summary string) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(job),
			{"type": "divider"},
			fieldsBlock(job),
			{"type": "divider"},
			summaryBlock(summary),
			{"type": "divider"},
			contextBlock(job),
		},
	}
}

func headerBlock(job *scan.ScanJob) map[string]any {
	title := "Scan Complete"
	switch job.Status {
	case scan.StatusFailed:
		title = "Scan Failed"
	case scan.StatusCancelled:
		title = "Scan Cancelled"
	}
	text := fmt.Sprintf("%s %s: %s", statusEmoji(job), title, repoShort(job.RepoURL))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(job *scan.ScanJob) map[string]any {
	commit := shortSHA(job.CommitSHA)
	if commit == "" {
		commit = "n/a"
	}
	branch := job.Branch
	if branch == "" {
		branch = "default"
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", job.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Findings:* %d new, %d seen again", job.FindingsCreated, job.FindingsUpdated),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Tools:* %s", strings.Join(job.Tools, ", ")),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", job.Duration),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Branch:* %s", branch),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Commit:* %s", commit),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(summary string) map[string]any {
	text := truncate(summary, maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s", text),
		},
	}
}

func contextBlock(job *scan.ScanJob) map[string]any {
	ts := job.CreatedAt
	if job.FinishedAt != nil {
		ts = *job.FinishedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("sift • scan %s • %s", job.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func buildStorageMessage(orgID string, used, limit int64) map[string]any {
	var pct float64
	if limit > 0 {
		pct = float64(used) / float64(limit) * 100
	}
	text := fmt.Sprintf("Org *%s* is using %s of its %s artifact storage quota (%.0f%%).",
		orgID, gigabytes(used), gigabytes(limit), pct)

	return map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": "\U0001f7e1 Storage Quota Warning",
				},
			},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{"type": "mrkdwn", "text": "sift • storage quota"},
				},
			},
		},
	}
}

func statusEmoji(job *scan.ScanJob) string {
	switch {
	case job.Status == scan.StatusFailed:
		return "\U0001f534" // red circle
	case job.Status == scan.StatusCancelled, len(job.ToolFailures) > 0:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// repoShort reduces a clone URL to its owner/name tail for headers.
func repoShort(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 && parts[len(parts)-2] != "" {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return trimmed
}

func gigabytes(b int64) string {
	return fmt.Sprintf("%.2f GB", float64(b)/(1<<30))
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
