package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	S3Endpoint            string
	S3AccessKey           string
	S3SecretKey           string
	S3Bucket              string
	S3UseSSL              bool
	ClaudeAPIKey          string
	ClaudeModel           string
	ClaudeTriageModel     string
	OpenAIAPIKey          string
	EmbeddingModel        string
	SlackWebhookURL       string
	ScanWorkDir           string
	ScanTools             string
	ScanConcurrency       int
	ToolTimeoutSeconds    int
	ScanQuotaMonthly      int
	StorageQuotaGB        int
	AutoAdjudicate        bool
	AutoCluster           bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API routes")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", "", "S3-compatible endpoint for SARIF artifacts (empty = in-memory artifact store)")
	fs.StringVar(&c.S3AccessKey, "s3-access-key", "", "S3 access key ID")
	fs.StringVar(&c.S3SecretKey, "s3-secret-key", "", "S3 secret access key")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "sift-artifacts", "S3 bucket for merged SARIF documents")
	fs.BoolVar(&c.S3UseSSL, "s3-use-ssl", true, "use TLS for the S3 endpoint")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = adjudication disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for adjudication analysis")
	fs.StringVar(&c.ClaudeTriageModel, "claude-triage-model", "claude-haiku-3-20250201", "Claude model for the multi-agent triage step")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI embedding provider (empty = clustering disabled)")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-3-small", "OpenAI embedding model for finding similarity")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.ScanWorkDir, "scan-work-dir", "/tmp/sift-scans", "scratch directory for repository checkouts")
	fs.StringVar(&c.ScanTools, "scan-tools", "semgrep,bandit,ruff", "comma-separated default tools for submissions that name none")
	fs.IntVar(&c.ScanConcurrency, "scan-concurrency", 3, "tools run in parallel per scan (1..16)")
	fs.IntVar(&c.ToolTimeoutSeconds, "tool-timeout-seconds", 600, "per-tool execution timeout in seconds (1..3600)")
	fs.IntVar(&c.ScanQuotaMonthly, "scan-quota-monthly", 100, "scans allowed per org per calendar month (1..100000)")
	fs.IntVar(&c.StorageQuotaGB, "storage-quota-gb", 10, "soft per-org SARIF storage limit in GB (1..10000)")
	fs.BoolVar(&c.AutoAdjudicate, "auto-adjudicate", false, "adjudicate new findings automatically after each completed scan")
	fs.BoolVar(&c.AutoCluster, "auto-cluster", false, "re-cluster org findings automatically after each completed scan")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// API token is required so the scan API is never open by accident
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// S3 credentials travel together with the endpoint
	if c.S3Endpoint != "" {
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set"))
		}
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when S3_ENDPOINT is set"))
		}
	}

	// Model names only matter once the matching provider key is set
	if c.ClaudeAPIKey != "" {
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
		}
		if c.ClaudeTriageModel == "" {
			errs = append(errs, errors.New("CLAUDE_TRIAGE_MODEL is required when CLAUDE_API_KEY is set"))
		}
	}
	if c.OpenAIAPIKey != "" && c.EmbeddingModel == "" {
		errs = append(errs, errors.New("EMBEDDING_MODEL is required when OPENAI_API_KEY is set"))
	}

	if len(c.Tools()) == 0 {
		errs = append(errs, errors.New("SCAN_TOOLS must name at least one tool"))
	}
	if c.ScanConcurrency < 1 || c.ScanConcurrency > 16 {
		errs = append(errs, fmt.Errorf("invalid SCAN_CONCURRENCY %d (must be 1..16)", c.ScanConcurrency))
	}
	if c.ToolTimeoutSeconds < 1 || c.ToolTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid TOOL_TIMEOUT_SECONDS %d (must be 1..3600)", c.ToolTimeoutSeconds))
	}
	if c.ScanQuotaMonthly < 1 || c.ScanQuotaMonthly > 100000 {
		errs = append(errs, fmt.Errorf("invalid SCAN_QUOTA_MONTHLY %d (must be 1..100000)", c.ScanQuotaMonthly))
	}
	if c.StorageQuotaGB < 1 || c.StorageQuotaGB > 10000 {
		errs = append(errs, fmt.Errorf("invalid STORAGE_QUOTA_GB %d (must be 1..10000)", c.StorageQuotaGB))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Tools returns the configured default tool list with blanks dropped.
func (c *Config) Tools() []string {
	var out []string
	for _, t := range strings.Split(c.ScanTools, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// StorageQuotaBytes converts the GB knob to the byte limit the scan
// service works in.
func (c *Config) StorageQuotaBytes() int64 {
	return int64(c.StorageQuotaGB) << 30
}
