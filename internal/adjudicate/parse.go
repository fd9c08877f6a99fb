package adjudicate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/linnemanlabs/sift/internal/finding"
)

// fallbackReasoning is recorded when the interactive loop ends without a
// parseable verdict.
const fallbackReasoning = "Could not parse verdict from response"

// ParsedVerdict is the structured verdict object an engine expects back
// from the model.
type ParsedVerdict struct {
	Verdict        string  `json:"verdict"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	CWEID          string  `json:"cwe_id,omitempty"`
	Recommendation string  `json:"recommendation,omitempty"`
}

// Validate checks the verdict contract: a known class, confidence within
// [0, 1], and a non-empty reasoning.
func (p *ParsedVerdict) Validate() error {
	switch p.Verdict {
	case finding.VerdictTruePositive, finding.VerdictFalsePositive, finding.VerdictUncertain:
	default:
		return fmt.Errorf("verdict %q is not a known class", p.Verdict)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", p.Confidence)
	}
	if p.Reasoning == "" {
		return fmt.Errorf("missing reasoning")
	}
	return nil
}

// UnparseableError marks a model response that yielded no usable verdict.
// Callers treat it as malformed output, never as a transient failure.
type UnparseableError struct {
	Raw    string
	Reason string
}

func (e *UnparseableError) Error() string {
	msg := "could not parse verdict from response: " + truncateRaw(e.Raw, 200)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareObjectRe = regexp.MustCompile(`\{[^}]+\}`)
)

// parseStrategies are tried in order: the whole reply as JSON, then a
// fenced code block, then the first flat object in free text.
var parseStrategies = []func(string) (string, bool){
	directJSON,
	fencedJSON,
	firstObject,
}

func directJSON(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "{") && json.Valid([]byte(t)) {
		return t, true
	}
	return "", false
}

func fencedJSON(text string) (string, bool) {
	m := fencedJSONRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func firstObject(text string) (string, bool) {
	m := bareObjectRe.FindString(text)
	if m == "" {
		return "", false
	}
	return m, true
}

// ParseVerdict extracts a verdict object from an LLM reply. The first
// strategy that yields decodable JSON wins; a decoded object that breaks
// the verdict contract is still unparseable, since retrying the same
// reply cannot fix it.
func ParseVerdict(text string) (*ParsedVerdict, error) {
	for _, extract := range parseStrategies {
		raw, ok := extract(text)
		if !ok {
			continue
		}
		var p ParsedVerdict
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, &UnparseableError{Raw: text, Reason: err.Error()}
		}
		return &p, nil
	}
	return nil, &UnparseableError{Raw: text}
}

// decodeLoose runs the same strategy cascade but decodes into the given
// struct without contract validation. Absent fields keep whatever the
// caller pre-seeded, which is how per-phase defaults work. Returns false
// when no strategy yielded decodable JSON.
func decodeLoose(text string, v any) bool {
	for _, extract := range parseStrategies {
		raw, ok := extract(text)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			continue
		}
		return true
	}
	return false
}

func truncateRaw(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
