package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"

	"github.com/linnemanlabs/inquest/internal/incident"
)

const (
	maxPatternLen  = 200
	maxSampleLines = 3
)

// Volatile tokens are replaced before grouping so repeated lines that differ
// only in timestamps, ids or counters collapse into one signature.
var volatileTokens = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "<ts>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<uuid>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{12,}\b`), "<hex>"},
	{regexp.MustCompile(`\b\d+(?:\.\d+)?\b`), "<n>"},
}

// NormalizeLine strips volatile tokens from a log line and truncates it to
// the pattern length cap.
func NormalizeLine(line string) string {
	out := line
	for _, v := range volatileTokens {
		out = v.re.ReplaceAllString(out, v.repl)
	}
	if len(out) > maxPatternLen {
		out = out[:maxPatternLen]
	}
	return out
}

// SignatureID derives the stable id for a normalized pattern.
func SignatureID(pattern string) string {
	sum := sha256.Sum256([]byte(pattern))
	return hex.EncodeToString(sum[:])[:12]
}

// Signatures groups raw lines by normalized pattern and returns the top
// groups ranked by count, ties broken by pattern for determinism.
func Signatures(lines []string, top int) *incident.LogSignaturesArtifact {
	counts := make(map[string]int)
	samples := make(map[string][]string)
	for _, line := range lines {
		p := NormalizeLine(line)
		counts[p]++
		if len(samples[p]) < maxSampleLines {
			samples[p] = append(samples[p], line)
		}
	}

	patterns := make([]string, 0, len(counts))
	for p := range counts {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if counts[patterns[i]] != counts[patterns[j]] {
			return counts[patterns[i]] > counts[patterns[j]]
		}
		return patterns[i] < patterns[j]
	})
	if len(patterns) > top {
		patterns = patterns[:top]
	}

	out := &incident.LogSignaturesArtifact{TotalLines: len(lines)}
	for _, p := range patterns {
		out.Signatures = append(out.Signatures, incident.LogSignature{
			SignatureID: SignatureID(p),
			Pattern:     p,
			Count:       counts[p],
			SampleLines: samples[p],
		})
	}
	return out
}
