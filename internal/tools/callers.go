// internal/tools/callers.go
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxCallSites      = 50
	maxSearchFileSize = 1 << 20
)

// Callers searches the scanned checkout for call sites of a function.
type Callers struct {
	root string
}

func NewCallers(root string) *Callers {
	return &Callers{root: root}
}

func (t *Callers) Name() string { return "get_callers" }

func (t *Callers) Description() string {
	return `Find call sites of a function across the scanned repository. Use this
to check whether a flagged function is ever reached with untrusted input.
Returns matching lines with their file and line number.`
}

func (t *Callers) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "function_name": {
                "type": "string",
                "description": "Name of the function to find callers of"
            },
            "file_path": {
                "type": "string",
                "description": "Limit the search to one file, relative to the repository root"
            }
        },
        "required": ["function_name"]
    }`)
}

func (t *Callers) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		FunctionName string `json:"function_name"`
		FilePath     string `json:"file_path,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.FunctionName == "" {
		return nil, fmt.Errorf("function_name is required")
	}
	if t.root == "" {
		return json.RawMessage("Code root not available"), nil
	}

	var matches []string
	truncated := false

	if input.FilePath != "" {
		full, err := resolveInRoot(t.root, input.FilePath)
		if err != nil {
			return nil, err
		}
		matches, truncated = searchFile(full, input.FilePath, input.FunctionName, nil)
	} else {
		err := filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable entries
			}
			if d.IsDir() {
				if p != t.root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if info, err := d.Info(); err != nil || info.Size() > maxSearchFileSize {
				return nil
			}
			rel, err := filepath.Rel(t.root, p)
			if err != nil {
				return nil
			}
			matches, truncated = searchFile(p, rel, input.FunctionName, matches)
			if truncated {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("search checkout: %w", err)
		}
	}

	if len(matches) == 0 {
		return json.RawMessage(fmt.Sprintf("No call sites of %s found", input.FunctionName)), nil
	}
	out := fmt.Sprintf("Call sites of %s:\n%s", input.FunctionName, strings.Join(matches, "\n"))
	if truncated {
		out += "\n... (truncated)"
	}
	return json.RawMessage(out), nil
}

// searchFile appends call-site lines from one file to matches. Definition
// lines do not count as callers.
func searchFile(path, rel, name string, matches []string) ([]string, bool) {
	data, err := os.ReadFile(path)
	if err != nil || bytes.IndexByte(data, 0) != -1 {
		return matches, false
	}
	needle := name + "("
	for i, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, needle) || isDefinition(line, name) {
			continue
		}
		matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
		if len(matches) >= maxCallSites {
			return matches, true
		}
	}
	return matches, false
}

func isDefinition(line, name string) bool {
	for _, kw := range []string{"def ", "func ", "function "} {
		if strings.Contains(line, kw+name+"(") {
			return true
		}
	}
	return false
}
