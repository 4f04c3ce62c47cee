// Package incident defines the domain entities for alert triage (incidents,
// evidence packs, reports, review decisions, pipeline runs, audit entries),
// the incident lifecycle state machine, and the Store persistence interface.
package incident
