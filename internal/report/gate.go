package report

import "fmt"

// Gate decides how a generation result is emitted. Thresholds come from
// configuration; the zero value gates everything to insufficient evidence.
type Gate struct {
	// NoGuessThreshold is the minimum evidence-confidence score for a
	// confident report.
	NoGuessThreshold float64

	// MinEvidenceRefs is the minimum resolved reference count for a
	// confident report.
	MinEvidenceRefs int
}

// Decide applies the gate in order: schema-valid confident output above both
// thresholds passes through; anything else is downgraded to an
// insufficient-evidence payload with hypotheses removed. Generation failures
// are handled upstream and never reach Decide.
func (g Gate) Decide(p *Payload, score float64, resolver RefResolver) (*Payload, error) {
	if err := Validate(p, resolver); err != nil {
		return nil, err
	}

	if p.Mode == ModeInsufficientEvidence {
		// backend already declined to guess; keep it that way
		return stripHypotheses(p), nil
	}

	if score < g.NoGuessThreshold || RefCount(p) < g.MinEvidenceRefs {
		return stripHypotheses(p), nil
	}
	return p, nil
}

// Fallback builds the minimal insufficient-evidence payload used when the
// backend output itself was unusable but the run should still surface an
// evidence-backed report for review. Next checks cite the given references.
type FallbackInput struct {
	Summary string
	Checks  []NextCheck
}

// BuildFallback assembles an insufficient-evidence payload from correlator
// output. It never contains hypotheses.
func BuildFallback(in FallbackInput) *Payload {
	summary := in.Summary
	if summary == "" {
		summary = "Evidence was insufficient to propose a root cause."
	}
	return &Payload{
		Summary:         summary,
		Mode:            ModeInsufficientEvidence,
		NextChecks:      in.Checks,
		UncertaintyNote: "Evidence below the confidence threshold; hypotheses deliberately omitted.",
	}
}

func stripHypotheses(p *Payload) *Payload {
	out := *p
	out.Mode = ModeInsufficientEvidence
	out.Hypotheses = nil
	if out.UncertaintyNote == "" {
		out.UncertaintyNote = "Evidence below the confidence threshold; hypotheses deliberately omitted."
	}
	return &out
}

// String implements fmt.Stringer for log fields.
func (g Gate) String() string {
	return fmt.Sprintf("gate{threshold=%.2f min_refs=%d}", g.NoGuessThreshold, g.MinEvidenceRefs)
}
