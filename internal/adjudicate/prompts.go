package adjudicate

import (
	"fmt"

	"github.com/linnemanlabs/sift/internal/finding"
)

const adjudicationSystemPrompt = `You are a security expert analyzing static analysis findings to filter false positives.

Your task is to determine if a security finding is a true positive, false positive, or uncertain based on:
1. The finding description and severity
2. The code context where the issue was detected
3. Common false positive patterns in static analysis tools
4. Best security practices

Guidelines:
- TRUE POSITIVE: Clear security vulnerability that should be fixed
- FALSE POSITIVE: The tool flagged safe code or a non-issue
- UNCERTAIN: Need more context or complex to determine

Respond ONLY with a valid JSON object (no markdown, no extra text):
{
    "verdict": "true_positive" | "false_positive" | "uncertain",
    "confidence": 0.0-1.0,
    "reasoning": "Brief explanation of your decision",
    "cwe_id": "CWE-XXX" (if applicable, or null),
    "recommendation": "Brief fix suggestion for true positives" (or null for false positives)
}

Be conservative: mark as "uncertain" if you need more context.
`

const triageSystemPrompt = `You are a security triage agent. Quickly classify this finding as:
- CRITICAL: Obvious security vulnerability, needs immediate attention
- REVIEW: Potential issue, needs detailed analysis
- FALSE_POSITIVE: Clearly not a security issue

Respond with JSON:
{
    "classification": "CRITICAL" | "REVIEW" | "FALSE_POSITIVE",
    "confidence": 0.0-1.0,
    "reasoning": "Brief explanation"
}`

const explainerSystemPrompt = `You are a security analysis expert. Provide a detailed explanation of this finding.

Analyze:
1. What is the vulnerability?
2. How can it be exploited?
3. What is the potential impact?
4. Is this a true positive or false positive?

Respond with JSON:
{
    "verdict": "true_positive" | "false_positive" | "uncertain",
    "confidence": 0.0-1.0,
    "explanation": "Detailed technical explanation",
    "cwe_id": "CWE-XXX" (if applicable),
    "severity_justification": "Why this severity is appropriate",
    "exploitability": "How this could be exploited",
    "impact": "Potential damage if exploited"
}`

const fixerSystemPrompt = `You are a security remediation expert. Generate a fix recommendation for this vulnerability.

Provide:
1. Specific code changes needed
2. Alternative approaches
3. Best practices to prevent similar issues

Respond with JSON:
{
    "fix_recommendation": "Detailed fix with code examples",
    "alternative_approaches": ["Alternative 1", "Alternative 2"],
    "prevention_guidance": "Best practices to avoid this",
    "estimated_effort": "LOW" | "MEDIUM" | "HIGH"
}`

const interactiveSystemPrompt = `You are a security expert analyzing code to identify true vulnerabilities.

You have access to tools to request additional code context:
- get_code_context: Get function/class definitions or specific line ranges
- get_imports: Check what modules are imported
- get_callers: Find where a function is called

Process:
1. Review the initial finding and code snippet
2. If you need more context, use the tools to request it
3. After gathering sufficient context, make your verdict

Respond with JSON:
{
    "verdict": "true_positive" | "false_positive" | "uncertain",
    "confidence": 0.0-1.0,
    "reasoning": "Explanation based on gathered context",
    "cwe_id": "CWE-XXX" (if applicable),
    "recommendation": "Fix suggestion"
}
`

// buildFindingContext renders the finding block shared by every prompt.
func buildFindingContext(f *finding.Finding) string {
	snippet := f.Snippet
	if snippet == "" {
		snippet = "No code snippet available"
	}
	return fmt.Sprintf("Tool: %s\nRule ID: %s\nSeverity: %s\nLocation: %s:%d\nFinding: %s\n\nCode Context:\n```\n%s\n```",
		f.Tool, f.RuleID, f.Severity, f.FilePath, f.StartLine, f.Message, snippet)
}

func buildSingleShotPrompt(f *finding.Finding) string {
	return fmt.Sprintf("Analyze this security finding:\n\n%s\n\nProvide your verdict as JSON.", buildFindingContext(f))
}

func buildInteractivePrompt(f *finding.Finding) string {
	snippet := f.Snippet
	if snippet == "" {
		snippet = "No code snippet available"
	}
	return fmt.Sprintf("Analyze this security finding:\n\nTool: %s\nRule ID: %s\nSeverity: %s\nLocation: %s:%d\nFinding: %s\n\nInitial Code Context:\n```\n%s\n```\n\nUse the available tools to gather additional context if needed, then provide your verdict.",
		f.Tool, f.RuleID, f.Severity, f.FilePath, f.StartLine, f.Message, snippet)
}

func buildTriagePrompt(findingContext string) string {
	return "Classify this security finding:\n\n" + findingContext
}

func buildExplainerPrompt(findingContext, classification, reasoning string) string {
	return fmt.Sprintf("Analyze this security finding in detail:\n\n%s\n\nTriage classification: %s (%s)",
		findingContext, classification, reasoning)
}

func buildFixerPrompt(findingContext, explanation string) string {
	return fmt.Sprintf("Generate fix recommendation for this vulnerability:\n\n%s\n\nAnalysis: %s",
		findingContext, explanation)
}
