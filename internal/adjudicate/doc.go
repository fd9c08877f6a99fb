// Package adjudicate provides the business boundary for LLM-based finding
// adjudication. It defines the three agent patterns (single-shot filter,
// multi-agent pipeline, interactive retrieval), the verdict parser, and the
// Coordinator that batches runs over open findings and persists verdicts.
package adjudicate
