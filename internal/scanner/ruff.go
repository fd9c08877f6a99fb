package scanner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/sarif"
)

const (
	defaultRuffImage = "python:3.11-slim"
	ruffSchemaURI    = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"
)

// Ruff runs the ruff Python linter with security-relevant rule groups
// selected. Ruff has no SARIF output, so the container writes ruff's JSON
// format and Convert translates it.
type Ruff struct {
	DockerImage string
}

func NewRuff() *Ruff {
	return &Ruff{DockerImage: defaultRuffImage}
}

func (r *Ruff) Name() string  { return "ruff" }
func (r *Ruff) Image() string { return r.DockerImage }

func (r *Ruff) Command(target, output string) []string {
	script := fmt.Sprintf(
		"pip install -q ruff && ruff check %s --select S,B,E,F,W --output-format json > %s || true",
		target, output,
	)
	return []string{"sh", "-c", script}
}

// ruffFinding is one entry of ruff's JSON output.
type ruffFinding struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Location struct {
		Row    int `json:"row"`
		Column int `json:"column"`
	} `json:"location"`
}

func (r *Ruff) Convert(raw []byte) ([]byte, error) {
	var findings []ruffFinding
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &findings); err != nil {
			return nil, fmt.Errorf("parse ruff output: %w", err)
		}
	}

	results := make([]sarif.Result, 0, len(findings))
	for _, f := range findings {
		code := f.Code
		if code == "" {
			code = "UNKNOWN"
		}
		message := f.Message
		if message == "" {
			message = "No description"
		}
		row := f.Location.Row
		if row == 0 {
			row = 1
		}
		col := f.Location.Column
		if col == 0 {
			col = 1
		}
		results = append(results, sarif.Result{
			RuleID:  code,
			Level:   ruffLevel(code),
			Message: sarif.Message{Text: message},
			Locations: []sarif.Location{{
				PhysicalLocation: sarif.PhysicalLocation{
					ArtifactLocation: sarif.ArtifactLocation{URI: f.Filename},
					Region:           sarif.Region{StartLine: row, StartColumn: col},
				},
			}},
		})
	}

	doc := sarif.Log{
		Version: "2.1.0",
		Schema:  ruffSchemaURI,
		Runs: []sarif.Run{{
			Tool: sarif.Tool{Driver: sarif.Driver{
				Name:           "Ruff",
				InformationURI: "https://docs.astral.sh/ruff/",
			}},
			Results: results,
		}},
	}
	return json.Marshal(doc)
}

// ruffLevel maps a ruff rule code to a SARIF level. S (bandit-derived
// security), E (pycodestyle errors) and F (pyflakes) report as errors,
// the rest as warnings.
func ruffLevel(code string) string {
	switch {
	case strings.HasPrefix(code, "S"),
		strings.HasPrefix(code, "E"),
		strings.HasPrefix(code, "F"):
		return "error"
	default:
		return "warning"
	}
}
