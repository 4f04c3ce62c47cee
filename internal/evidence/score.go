package evidence

import "github.com/linnemanlabs/inquest/internal/incident"

// Score computes the evidence-confidence score for a pack:
//
//	0.05 per informative artifact, capped at 0.30
//	0.05 per distinct log signature, capped at 0.25
//	+0.25 when a deployment or config change falls inside the window
//	+0.20 when a frame-mapped snippet resolved, else +0.10 for keyword-only
//
// Source-error artifacts are not informative and contribute nothing, so a
// degraded run scores lower without any explicit penalty. Every term is
// non-decreasing in its input, keeping the whole score monotonic: adding a
// corroborating, non-redundant artifact never lowers it.
func Score(artifacts []incident.Artifact) float64 {
	var (
		informative    int
		signatures     int
		changeInWindow bool
		frameSnippet   bool
		keywordSnippet bool
	)
	for i := range artifacts {
		a := &artifacts[i]
		switch a.Type {
		case incident.ArtifactSourceError:
			continue
		case incident.ArtifactLogSignatures:
			if a.LogSignatures != nil {
				signatures += len(a.LogSignatures.Signatures)
			}
		case incident.ArtifactDeploymentChange, incident.ArtifactConfigChange:
			changeInWindow = true
		case incident.ArtifactRepoSnippet:
			if a.RepoSnippet != nil && a.RepoSnippet.Confidence == "high" {
				frameSnippet = true
			} else {
				keywordSnippet = true
			}
		}
		informative++
	}

	score := 0.05 * float64(informative)
	if score > 0.30 {
		score = 0.30
	}
	sigTerm := 0.05 * float64(signatures)
	if sigTerm > 0.25 {
		sigTerm = 0.25
	}
	score += sigTerm
	if changeInWindow {
		score += 0.25
	}
	switch {
	case frameSnippet:
		score += 0.20
	case keywordSnippet:
		score += 0.10
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
