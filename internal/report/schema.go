package report

import "encoding/json"

// JSONSchema is the strict output contract handed to generation backends.
// Decode and Validate enforce the same shape after the fact; the schema is
// what structured-generation backends constrain their sampling with.
var JSONSchema = json.RawMessage(`{
  "type": "object",
  "required": ["summary", "mode"],
  "properties": {
    "summary": {"type": "string"},
    "mode": {"type": "string", "enum": ["confident", "insufficient_evidence"]},
    "facts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["fact_id", "text", "evidence_refs"],
        "properties": {
          "fact_id": {"type": "string"},
          "text": {"type": "string"},
          "evidence_refs": {"$ref": "#/$defs/refs"}
        }
      }
    },
    "hypotheses": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["rank", "title", "explanation", "confidence", "evidence_refs"],
        "properties": {
          "rank": {"type": "integer", "minimum": 1},
          "title": {"type": "string"},
          "explanation": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "evidence_refs": {"$ref": "#/$defs/refs"},
          "disconfirming_signals": {"type": "array", "items": {"type": "string"}},
          "missing_data": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "next_checks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["check_id", "step", "evidence_refs"],
        "properties": {
          "check_id": {"type": "string"},
          "step": {"type": "string"},
          "command_or_query": {"type": "string"},
          "evidence_refs": {"$ref": "#/$defs/refs"}
        }
      }
    },
    "mitigations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["mitigation_id", "action", "evidence_refs"],
        "properties": {
          "mitigation_id": {"type": "string"},
          "action": {"type": "string"},
          "risk": {"type": "string"},
          "evidence_refs": {"$ref": "#/$defs/refs"}
        }
      }
    },
    "uncertainty_note": {"type": "string"}
  },
  "$defs": {
    "refs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["artifact_id"],
        "properties": {
          "artifact_id": {"type": "string"},
          "pointer": {"type": "string"}
        }
      }
    }
  }
}`)
