// internal/tools/codecontext.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// headLines caps whole-file reads so one request cannot flood the
// conversation.
const headLines = 50

// CodeContext reads source from the scanned checkout so the AI can see
// more than the finding's snippet.
type CodeContext struct {
	root string
}

// NewCodeContext creates the tool rooted at the scan checkout directory.
// An empty root degrades to a "not available" response, which happens
// when a finding is adjudicated long after its checkout was discarded.
func NewCodeContext(root string) *CodeContext {
	return &CodeContext{root: root}
}

func (c *CodeContext) Name() string { return "get_code_context" }

func (c *CodeContext) Description() string {
	return `Read source code from the scanned repository. Request a specific line
range to see the code around a finding, or omit the range to get the first
lines of the file. Returns numbered lines in a fenced block.`
}

func (c *CodeContext) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "file_path": {
                "type": "string",
                "description": "Path of the file, relative to the repository root"
            },
            "start_line": {
                "type": "integer",
                "description": "First line to read (1-based). Omit for the start of the file."
            },
            "end_line": {
                "type": "integer",
                "description": "Last line to read (inclusive). Omit for the end of the file."
            }
        },
        "required": ["file_path"]
    }`)
}

func (c *CodeContext) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		FilePath  string `json:"file_path"`
		StartLine int    `json:"start_line,omitempty"`
		EndLine   int    `json:"end_line,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.FilePath == "" {
		return nil, fmt.Errorf("file_path is required")
	}
	if c.root == "" {
		return json.RawMessage("Code root not available"), nil
	}

	lines, msg, err := readSourceLines(c.root, input.FilePath)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return json.RawMessage(msg), nil
	}

	if input.StartLine > 0 {
		start := input.StartLine
		if start > len(lines) {
			return json.RawMessage(fmt.Sprintf("File %s has only %d lines", input.FilePath, len(lines))), nil
		}
		end := input.EndLine
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if end < start {
			end = start
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Lines %d-%d from %s:\n```\n", start, end, input.FilePath)
		for i := start; i <= end; i++ {
			fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
		}
		b.WriteString("```")
		return json.RawMessage(b.String()), nil
	}

	n := min(len(lines), headLines)
	var b strings.Builder
	fmt.Fprintf(&b, "Full file %s:\n```\n", input.FilePath)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
	}
	if len(lines) > headLines {
		b.WriteString("... (truncated)\n")
	}
	b.WriteString("```")
	return json.RawMessage(b.String()), nil
}

// resolveInRoot joins path against root and rejects anything that would
// land outside it.
func resolveInRoot(root, path string) (string, error) {
	full := filepath.Join(root, path)
	rootAbs := filepath.Clean(root)
	if full != rootAbs && !strings.HasPrefix(full, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the code root", path)
	}
	return full, nil
}

// readSourceLines loads a checkout file. Soft failures (missing or
// unreadable files) come back as a message for the model rather than an
// error, so the conversation can continue.
func readSourceLines(root, path string) (lines []string, msg string, err error) {
	full, err := resolveInRoot(root, path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Sprintf("File not found: %s", path), nil
		}
		return nil, fmt.Sprintf("Error reading file: %v", err), nil
	}
	lines = strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, "", nil
}
