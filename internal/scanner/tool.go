// Package scanner executes static analysis tools against a code tree in
// isolated docker sandboxes and collects their SARIF output.
package scanner

import (
	"fmt"
	"time"
)

// Tool describes one analysis tool the executor can run.
type Tool interface {
	Name() string

	// Image is the docker image the tool runs in.
	Image() string

	// Command returns the in-container argv. target and output are
	// container-side paths; tools without native SARIF support may write
	// an intermediate format to output.
	Command(target, output string) []string

	// Convert turns the raw output file into SARIF. Tools that emit
	// SARIF natively return raw unchanged.
	Convert(raw []byte) ([]byte, error)
}

// ToolResult is the outcome of one tool execution. A failed tool is
// reported here, never as a scan-level error.
type ToolResult struct {
	Tool          string        `json:"tool"`
	Success       bool          `json:"success"`
	ExitCode      int           `json:"exit_code"`
	FindingsCount int           `json:"findings_count"`
	SARIF         []byte        `json:"-"`
	Stdout        string        `json:"-"`
	Stderr        string        `json:"stderr,omitempty"`
	Err           string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// ByName maps configured tool names to implementations.
func ByName(names []string) ([]Tool, error) {
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		switch name {
		case "semgrep":
			tools = append(tools, NewSemgrep())
		case "bandit":
			tools = append(tools, NewBandit())
		case "ruff":
			tools = append(tools, NewRuff())
		default:
			return nil, fmt.Errorf("unknown tool %q", name)
		}
	}
	return tools, nil
}
