// internal/tools/imports.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Imports lists the import statements of a file in the scanned checkout.
type Imports struct {
	root string
}

func NewImports(root string) *Imports {
	return &Imports{root: root}
}

func (t *Imports) Name() string { return "get_imports" }

func (t *Imports) Description() string {
	return `List the import statements of a source file in the scanned repository.
Use this to check whether a flagged call refers to a dangerous module or to
a safe local name that shadows it.`
}

func (t *Imports) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "file_path": {
                "type": "string",
                "description": "Path of the file, relative to the repository root"
            }
        },
        "required": ["file_path"]
    }`)
}

func (t *Imports) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.FilePath == "" {
		return nil, fmt.Errorf("file_path is required")
	}
	if t.root == "" {
		return json.RawMessage("Code root not available"), nil
	}

	lines, msg, err := readSourceLines(t.root, input.FilePath)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return json.RawMessage(msg), nil
	}

	var imports []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "from ") {
			imports = append(imports, line)
		}
	}
	if len(imports) == 0 {
		return json.RawMessage(fmt.Sprintf("No imports found in %s", input.FilePath)), nil
	}
	out := fmt.Sprintf("Imports in %s:\n%s", input.FilePath, strings.Join(imports, "\n"))
	return json.RawMessage(out), nil
}
