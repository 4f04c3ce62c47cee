package evidence

import (
	"regexp"

	"github.com/linnemanlabs/inquest/internal/incident"
)

const redactedMark = "[REDACTED]"

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)(?:password|secret|token)\s*=\s*[^\s,;]+`),
	regexp.MustCompile(`\b[A-Za-z0-9+/]{32,}={0,2}\b`),
}

// RedactText replaces likely secrets (cloud access keys, bearer tokens,
// key=value credentials, long base64 runs) with a placeholder.
func RedactText(s string) string {
	out := s
	for _, re := range redactPatterns {
		out = re.ReplaceAllString(out, redactedMark)
	}
	return out
}

func redactLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = RedactText(l)
	}
	return out
}

// RedactArtifacts redacts every free-text field in place. Applied to a pack
// before persistence and before forwarding to generation, unless raw storage
// is explicitly allowed.
func RedactArtifacts(artifacts []incident.Artifact) {
	for i := range artifacts {
		a := &artifacts[i]
		switch {
		case a.LogsQuery != nil:
			a.LogsQuery.SampleLines = redactLines(a.LogsQuery.SampleLines)
		case a.LogSignatures != nil:
			for j := range a.LogSignatures.Signatures {
				sig := &a.LogSignatures.Signatures[j]
				sig.Pattern = RedactText(sig.Pattern)
				sig.SampleLines = redactLines(sig.SampleLines)
			}
		case a.Timeline != nil:
			for j := range a.Timeline.Events {
				a.Timeline.Events[j].Summary = RedactText(a.Timeline.Events[j].Summary)
			}
		case a.RepoSnippet != nil:
			a.RepoSnippet.Content = RedactText(a.RepoSnippet.Content)
		case a.ConfigChange != nil:
			a.ConfigChange.Summary = RedactText(a.ConfigChange.Summary)
		case a.SourceError != nil:
			a.SourceError.Error = RedactText(a.SourceError.Error)
		}
	}
}
