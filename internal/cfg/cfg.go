// Package cfg holds the application configuration: flag registration with
// defaults and validation of the assembled values.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config carries every runtime option of the service.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL string

	LogBackendEndpoint string
	LogBackendTenantID string
	RepoBasePath       string
	SlackWebhookURL    string

	TriageWindowMinutes   int
	DeployLookbackMinutes int
	MaxLogQueries         int
	MaxRepoSnippets       int
	AllowRawEvidence      bool

	NoGuessThreshold float64
	MinEvidenceRefs  int

	GenerationBackend         string
	LocalEndpoints            string
	LocalModel                string
	HealthCheckTimeoutSeconds int
	EndpointCacheTTLSeconds   int
	GenerationTimeoutSeconds  int
	ClaudeAPIKey              string
	ClaudeModel               string

	RetryMaxAttempts int
	RetryBackoffMS   int
	RetryJitter      bool

	TriageWorkers int
	QueueCapacity int
	RetentionDays int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")

	fs.StringVar(&c.LogBackendEndpoint, "log-backend-endpoint", "", "Loki-compatible endpoint for evidence log queries")
	fs.StringVar(&c.LogBackendTenantID, "log-backend-tenant-id", "", "log backend tenant ID for multi-tenant setups")
	fs.StringVar(&c.RepoBasePath, "repo-base-path", "", "base directory holding service checkouts for snippet resolution (empty = snippets disabled)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for triage outcome notifications")

	fs.IntVar(&c.TriageWindowMinutes, "triage-window-minutes", 30, "evidence window around the alert fire time in minutes (1..240)")
	fs.IntVar(&c.DeployLookbackMinutes, "deploy-lookback-minutes", 90, "how far before the alert to look for the suspect deployment (1..1440)")
	fs.IntVar(&c.MaxLogQueries, "max-log-queries", 3, "log query budget per triage run (1..20)")
	fs.IntVar(&c.MaxRepoSnippets, "max-repo-snippets", 2, "repository snippet budget per triage run (0..10)")
	fs.BoolVar(&c.AllowRawEvidence, "allow-raw-evidence", false, "store unredacted evidence artifacts")

	fs.Float64Var(&c.NoGuessThreshold, "no-guess-threshold", 0.35, "minimum evidence score for a confident report (0..1)")
	fs.IntVar(&c.MinEvidenceRefs, "min-evidence-refs", 2, "minimum resolved citations for a confident report (>= 0)")

	fs.StringVar(&c.GenerationBackend, "generation-backend", "local", "report generation backend: local or claude")
	fs.StringVar(&c.LocalEndpoints, "local-endpoints", "", "comma-separated Ollama-compatible endpoints, in preference order")
	fs.StringVar(&c.LocalModel, "local-model", "llama3.1", "model name requested from local endpoints")
	fs.IntVar(&c.HealthCheckTimeoutSeconds, "health-check-timeout-seconds", 2, "endpoint health probe timeout (1..30)")
	fs.IntVar(&c.EndpointCacheTTLSeconds, "endpoint-cache-ttl-seconds", 30, "how long a healthy endpoint selection is cached (1..600)")
	fs.IntVar(&c.GenerationTimeoutSeconds, "generation-timeout-seconds", 120, "per-call generation timeout (1..600)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude backend")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")

	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", 3, "triage job attempts before the incident is marked failed (1..10)")
	fs.IntVar(&c.RetryBackoffMS, "retry-backoff-ms", 500, "backoff base between attempts in milliseconds (>= 0)")
	fs.BoolVar(&c.RetryJitter, "retry-jitter", true, "add random jitter to retry backoff")

	fs.IntVar(&c.TriageWorkers, "triage-workers", 2, "concurrent triage workers (1..64)")
	fs.IntVar(&c.QueueCapacity, "queue-capacity", 256, "pending triage job buffer (1..65536)")
	fs.IntVar(&c.RetentionDays, "retention-days", 90, "default retention horizon for the purge endpoint (1..3650)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.TriageWindowMinutes <= 0 || c.TriageWindowMinutes > 240 {
		errs = append(errs, fmt.Errorf("invalid TRIAGE_WINDOW_MINUTES %d (must be 1..240)", c.TriageWindowMinutes))
	}
	if c.DeployLookbackMinutes <= 0 || c.DeployLookbackMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid DEPLOY_LOOKBACK_MINUTES %d (must be 1..1440)", c.DeployLookbackMinutes))
	}
	if c.MaxLogQueries <= 0 || c.MaxLogQueries > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_LOG_QUERIES %d (must be 1..20)", c.MaxLogQueries))
	}
	if c.MaxRepoSnippets < 0 || c.MaxRepoSnippets > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_REPO_SNIPPETS %d (must be 0..10)", c.MaxRepoSnippets))
	}

	if c.NoGuessThreshold < 0 || c.NoGuessThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid NO_GUESS_THRESHOLD %v (must be 0..1)", c.NoGuessThreshold))
	}
	if c.MinEvidenceRefs < 0 {
		errs = append(errs, fmt.Errorf("invalid MIN_EVIDENCE_REFS %d (must be >= 0)", c.MinEvidenceRefs))
	}

	switch c.GenerationBackend {
	case "local":
		if len(c.LocalEndpointList()) == 0 {
			errs = append(errs, errors.New("LOCAL_ENDPOINTS is required when GENERATION_BACKEND is local"))
		}
	case "claude":
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when GENERATION_BACKEND is claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when GENERATION_BACKEND is claude"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid GENERATION_BACKEND %q (must be local or claude)", c.GenerationBackend))
	}

	if c.HealthCheckTimeoutSeconds <= 0 || c.HealthCheckTimeoutSeconds > 30 {
		errs = append(errs, fmt.Errorf("invalid HEALTH_CHECK_TIMEOUT_SECONDS %d (must be 1..30)", c.HealthCheckTimeoutSeconds))
	}
	if c.EndpointCacheTTLSeconds <= 0 || c.EndpointCacheTTLSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid ENDPOINT_CACHE_TTL_SECONDS %d (must be 1..600)", c.EndpointCacheTTLSeconds))
	}
	if c.GenerationTimeoutSeconds <= 0 || c.GenerationTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid GENERATION_TIMEOUT_SECONDS %d (must be 1..600)", c.GenerationTimeoutSeconds))
	}

	if c.RetryMaxAttempts <= 0 || c.RetryMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS %d (must be 1..10)", c.RetryMaxAttempts))
	}
	if c.RetryBackoffMS < 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BACKOFF_MS %d (must be >= 0)", c.RetryBackoffMS))
	}

	if c.TriageWorkers <= 0 || c.TriageWorkers > 64 {
		errs = append(errs, fmt.Errorf("invalid TRIAGE_WORKERS %d (must be 1..64)", c.TriageWorkers))
	}
	if c.QueueCapacity <= 0 || c.QueueCapacity > 65536 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_CAPACITY %d (must be 1..65536)", c.QueueCapacity))
	}
	if c.RetentionDays <= 0 || c.RetentionDays > 3650 {
		errs = append(errs, fmt.Errorf("invalid RETENTION_DAYS %d (must be 1..3650)", c.RetentionDays))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LocalEndpointList splits the endpoint flag into trimmed, non-empty entries,
// preserving order.
func (c *Config) LocalEndpointList() []string {
	var out []string
	for _, e := range strings.Split(c.LocalEndpoints, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// TriageWindow returns the evidence window as a duration.
func (c *Config) TriageWindow() time.Duration {
	return time.Duration(c.TriageWindowMinutes) * time.Minute
}

// DeployLookback returns the deployment correlation window as a duration.
func (c *Config) DeployLookback() time.Duration {
	return time.Duration(c.DeployLookbackMinutes) * time.Minute
}
