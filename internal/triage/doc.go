// Package triage provides the business boundary for Inquest's incident triage
// pipeline. It defines the Service (ingest, dedup, lifecycle decisions), the
// Runner (bounded worker pool over an in-process job queue with startup
// requeue), the RetryPolicy applied around one pipeline attempt, and the
// Prometheus metrics for the subsystem.
package triage
