// Package generate abstracts the interchangeable report-generation backends:
// a multi-endpoint local family with health-check caching and single-retry
// failover, and a single hosted remote family. The gateway wraps either one
// with a call timeout and strict payload decoding.
package generate

import (
	"context"
	"encoding/json"
	"errors"
)

// Request is one structured-generation call. Digest is the redacted evidence
// pack digest; Schema is the JSON schema the backend must follow.
type Request struct {
	IncidentID string
	Digest     json.RawMessage
	Schema     json.RawMessage
}

// Meta records which backend and endpoint served a call, for the
// pipeline-run record.
type Meta struct {
	Backend   string
	Endpoint  string
	Model     string
	Failovers int
}

// Backend produces raw structured output for a request.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req *Request) (json.RawMessage, *Meta, error)
}

// ErrAllEndpointsExhausted is returned by the local family when no endpoint
// is healthy, either at selection time or after the single failover retry.
var ErrAllEndpointsExhausted = errors.New("all generation endpoints exhausted")

// systemPrompt is shared by every backend family. Citation rules are
// enforced again after decoding; the prompt just raises the hit rate.
const systemPrompt = "You are producing an incident triage report with strict evidence-citation rules. " +
	"Do not invent any fact. Every fact, hypothesis, next check and mitigation must include " +
	"evidence_refs with artifact_id and pointer resolving into the provided evidence pack. " +
	"Separate facts from hypotheses and rank hypotheses by confidence. " +
	"If evidence is weak, set mode=insufficient_evidence and only propose next_checks with citations. " +
	"Return JSON only, strictly following the provided schema."

type promptEnvelope struct {
	SystemInstruction  string          `json:"system_instruction"`
	EvidencePackDigest json.RawMessage `json:"evidence_pack_digest"`
	JSONSchema         json.RawMessage `json:"json_schema"`
}

func userPayload(req *Request) (string, error) {
	b, err := json.Marshal(promptEnvelope{
		SystemInstruction:  systemPrompt,
		EvidencePackDigest: req.Digest,
		JSONSchema:         req.Schema,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
