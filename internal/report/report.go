// Package report defines the strict triage report payload contract, its
// structural and citation validation, and the gate that decides between a
// confident report and the insufficient-evidence fallback.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Mode is the report emission mode.
type Mode string

const (
	ModeConfident            Mode = "confident"
	ModeInsufficientEvidence Mode = "insufficient_evidence"
)

// EvidenceRef anchors a claim to a specific artifact and sub-location.
type EvidenceRef struct {
	ArtifactID string `json:"artifact_id"`
	Pointer    string `json:"pointer,omitempty"`
}

// Fact is an observed, evidence-backed statement.
type Fact struct {
	ID   string        `json:"fact_id"`
	Text string        `json:"text"`
	Refs []EvidenceRef `json:"evidence_refs"`
}

// Hypothesis is one ranked root-cause candidate with stated confidence.
type Hypothesis struct {
	Rank                 int           `json:"rank"`
	Title                string        `json:"title"`
	Explanation          string        `json:"explanation"`
	Confidence           float64       `json:"confidence"`
	Refs                 []EvidenceRef `json:"evidence_refs"`
	DisconfirmingSignals []string      `json:"disconfirming_signals,omitempty"`
	MissingData          []string      `json:"missing_data,omitempty"`
}

// NextCheck is a recommended verification step.
type NextCheck struct {
	ID             string        `json:"check_id"`
	Step           string        `json:"step"`
	CommandOrQuery string        `json:"command_or_query,omitempty"`
	Refs           []EvidenceRef `json:"evidence_refs"`
}

// Mitigation is a proposed remediation with its risk.
type Mitigation struct {
	ID     string        `json:"mitigation_id"`
	Action string        `json:"action"`
	Risk   string        `json:"risk"`
	Refs   []EvidenceRef `json:"evidence_refs"`
}

// Payload is the strict report schema expected from a generation backend.
type Payload struct {
	Summary         string       `json:"summary"`
	Mode            Mode         `json:"mode"`
	Facts           []Fact       `json:"facts"`
	Hypotheses      []Hypothesis `json:"hypotheses"`
	NextChecks      []NextCheck  `json:"next_checks"`
	Mitigations     []Mitigation `json:"mitigations"`
	UncertaintyNote string       `json:"uncertainty_note,omitempty"`
}

// RefResolver checks whether an evidence reference resolves within the
// current run's evidence pack.
type RefResolver interface {
	Resolve(artifactID, pointer string) bool
}

// ErrSchema marks structurally invalid generation output. It is treated
// identically to a generation failure by the pipeline.
var ErrSchema = errors.New("report schema violation")

// Decode parses raw backend output into a Payload. Unknown mode values and
// non-JSON output are schema violations.
func Decode(raw json.RawMessage) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrSchema, err)
	}
	if p.Mode == "" {
		p.Mode = ModeConfident
	}
	if p.Mode != ModeConfident && p.Mode != ModeInsufficientEvidence {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrSchema, p.Mode)
	}
	if p.Summary == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrSchema)
	}
	for i, h := range p.Hypotheses {
		if h.Confidence < 0 || h.Confidence > 1 {
			return nil, fmt.Errorf("%w: hypothesis %d confidence %v outside [0,1]", ErrSchema, i, h.Confidence)
		}
	}
	return &p, nil
}

// Validate enforces citation integrity: every claim in every section carries
// at least one evidence reference, and every reference resolves through the
// resolver. A confident payload with zero references anywhere is invalid.
func Validate(p *Payload, resolver RefResolver) error {
	total := 0

	check := func(section, id string, refs []EvidenceRef) error {
		if len(refs) == 0 {
			return fmt.Errorf("%w: %s %q has no evidence references", ErrSchema, section, id)
		}
		for _, ref := range refs {
			if ref.ArtifactID == "" {
				return fmt.Errorf("%w: %s %q cites an empty artifact id", ErrSchema, section, id)
			}
			if !resolver.Resolve(ref.ArtifactID, ref.Pointer) {
				return fmt.Errorf("%w: %s %q cites unresolvable evidence %s/%s",
					ErrSchema, section, id, ref.ArtifactID, ref.Pointer)
			}
		}
		total += len(refs)
		return nil
	}

	for _, f := range p.Facts {
		if err := check("fact", f.ID, f.Refs); err != nil {
			return err
		}
	}
	for _, h := range p.Hypotheses {
		if err := check("hypothesis", h.Title, h.Refs); err != nil {
			return err
		}
	}
	for _, c := range p.NextChecks {
		if err := check("next_check", c.ID, c.Refs); err != nil {
			return err
		}
	}
	for _, m := range p.Mitigations {
		if err := check("mitigation", m.ID, m.Refs); err != nil {
			return err
		}
	}

	if p.Mode == ModeConfident {
		if len(p.Hypotheses) == 0 {
			return fmt.Errorf("%w: confident report has no hypotheses", ErrSchema)
		}
		if total == 0 {
			return fmt.Errorf("%w: confident report carries zero evidence references", ErrSchema)
		}
	}
	return nil
}

// RefCount returns the number of evidence references across all sections.
func RefCount(p *Payload) int {
	n := 0
	for _, f := range p.Facts {
		n += len(f.Refs)
	}
	for _, h := range p.Hypotheses {
		n += len(h.Refs)
	}
	for _, c := range p.NextChecks {
		n += len(c.Refs)
	}
	for _, m := range p.Mitigations {
		n += len(m.Refs)
	}
	return n
}
