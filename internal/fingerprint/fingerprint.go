// Package fingerprint computes stable identities for static analysis findings.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Compute derives the deterministic fingerprint for a finding. The file path
// is trimmed, lowercased, and backslash-normalized so the same file hashes
// identically across tools and runners. The message contributes the first
// 16 hex chars of its sha256 rather than its raw text. A column at or below
// zero counts as column 0. The result is a 64-char hex sha256 digest.
func Compute(ruleID, filePath string, startLine, column int, message string) string {
	normPath := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(filePath)), `\`, "/")

	msgSum := sha256.Sum256([]byte(message))
	msgHash := hex.EncodeToString(msgSum[:])[:16]

	if column < 0 {
		column = 0
	}

	joined := strings.Join([]string{
		strings.TrimSpace(ruleID),
		normPath,
		strconv.Itoa(startLine),
		strconv.Itoa(column),
		msgHash,
	}, "|")

	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// WithSuffix appends an ordinal suffix to a fingerprint. Suffixed
// fingerprints disambiguate distinct findings whose base fingerprint is
// already held by another row in the same org, including rows in terminal
// statuses that no longer participate in dedup.
func WithSuffix(fp string, n int) string {
	return fp + "-" + strconv.Itoa(n)
}
