// Package sarif parses SARIF 2.1.0 documents and normalizes their results
// into findings. SARIF is the interchange format emitted by the supported
// analysis tools (Semgrep, Bandit, ESLint, CodeQL, ...).
package sarif

import (
	"encoding/json"
	"fmt"
)

// Log is the top-level SARIF document.
type Log struct {
	Version string `json:"version"`
	Schema  string `json:"$schema,omitempty"`
	Runs    []Run  `json:"runs"`
}

// Run is one tool invocation and its results.
type Run struct {
	Tool    Tool     `json:"tool"`
	Results []Result `json:"results"`
}

// Tool wraps the driver component that produced a run.
type Tool struct {
	Driver Driver `json:"driver"`
}

// Driver describes the analysis tool.
type Driver struct {
	Name           string                `json:"name"`
	Version        string                `json:"version,omitempty"`
	FullName       string                `json:"fullName,omitempty"`
	Organization   string                `json:"organization,omitempty"`
	InformationURI string                `json:"informationUri,omitempty"`
	Rules          []ReportingDescriptor `json:"rules,omitempty"`
}

// ReportingDescriptor is a rule definition in the driver's rule table.
type ReportingDescriptor struct {
	ID               string       `json:"id"`
	Name             string       `json:"name,omitempty"`
	ShortDescription *Message     `json:"shortDescription,omitempty"`
	FullDescription  *Message     `json:"fullDescription,omitempty"`
	HelpURI          string       `json:"helpUri,omitempty"`
	Properties       *PropertyBag `json:"properties,omitempty"`
}

// Result is a single analysis finding within a run.
type Result struct {
	RuleID     string                        `json:"ruleId,omitempty"`
	Level      string                        `json:"level,omitempty"`
	Message    Message                       `json:"message"`
	Locations  []Location                    `json:"locations,omitempty"`
	Properties *PropertyBag                  `json:"properties,omitempty"`
	Taxa       []ReportingDescriptorReference `json:"taxa,omitempty"`
}

// Message carries human-readable text.
type Message struct {
	Text string `json:"text,omitempty"`
}

// Location points at a region of an artifact.
type Location struct {
	PhysicalLocation PhysicalLocation `json:"physicalLocation"`
}

// PhysicalLocation is the file and region of a location.
type PhysicalLocation struct {
	ArtifactLocation ArtifactLocation `json:"artifactLocation"`
	Region           Region           `json:"region"`
}

// ArtifactLocation identifies a file.
type ArtifactLocation struct {
	URI       string `json:"uri,omitempty"`
	URIBaseID string `json:"uriBaseId,omitempty"`
}

// Region is a span of lines/columns plus an optional code snippet.
type Region struct {
	StartLine   int              `json:"startLine,omitempty"`
	StartColumn int              `json:"startColumn,omitempty"`
	EndLine     int              `json:"endLine,omitempty"`
	EndColumn   int              `json:"endColumn,omitempty"`
	Snippet     *ArtifactContent `json:"snippet,omitempty"`
}

// ArtifactContent holds a snippet of file content.
type ArtifactContent struct {
	Text string `json:"text,omitempty"`
}

// PropertyBag is the subset of SARIF property bags we read.
type PropertyBag struct {
	Tags []string `json:"tags,omitempty"`
}

// ReportingDescriptorReference is a taxonomy reference on a result.
type ReportingDescriptorReference struct {
	ID string `json:"id,omitempty"`
}

// Parse decodes a SARIF document. Version tolerance is the normalizer's
// concern; only malformed JSON fails here.
func Parse(data []byte) (*Log, error) {
	var doc Log
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode sarif: %w", err)
	}
	return &doc, nil
}
