package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint computes the normalized content hash used for drift
// detection on unpinned citations. Trailing whitespace per line and
// carriage returns are stripped before hashing, so formatting-only churn
// does not read as drift.
func Fingerprint(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
