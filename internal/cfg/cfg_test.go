package cfg

import (
	"flag"
	"reflect"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:              60,
		ShutdownBudgetSeconds:     90,
		APIPort:                   8080,
		TriageWindowMinutes:       30,
		DeployLookbackMinutes:     90,
		MaxLogQueries:             3,
		MaxRepoSnippets:           2,
		NoGuessThreshold:          0.35,
		MinEvidenceRefs:           2,
		GenerationBackend:         "local",
		LocalEndpoints:            "http://ollama-a:11434",
		LocalModel:                "llama3.1",
		HealthCheckTimeoutSeconds: 2,
		EndpointCacheTTLSeconds:   30,
		GenerationTimeoutSeconds:  120,
		RetryMaxAttempts:          3,
		RetryBackoffMS:            500,
		TriageWorkers:             2,
		QueueCapacity:             256,
		RetentionDays:             90,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.TriageWindowMinutes != 30 {
		t.Errorf("TriageWindowMinutes = %d, want 30", c.TriageWindowMinutes)
	}
	if c.GenerationBackend != "local" {
		t.Errorf("GenerationBackend = %q, want local", c.GenerationBackend)
	}
	if c.NoGuessThreshold != 0.35 {
		t.Errorf("NoGuessThreshold = %v, want 0.35", c.NoGuessThreshold)
	}
	if c.RetryMaxAttempts != 3 {
		t.Errorf("RetryMaxAttempts = %d, want 3", c.RetryMaxAttempts)
	}
	if !c.RetryJitter {
		t.Error("RetryJitter default should be true")
	}
	if c.AllowRawEvidence {
		t.Error("AllowRawEvidence default should be false")
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-triage-window-minutes", "15",
		"-generation-backend", "claude",
		"-claude-api-key", "sk-override",
		"-local-endpoints", "http://a:11434,http://b:11434",
		"-no-guess-threshold", "0.5",
		"-triage-workers", "4",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.TriageWindowMinutes != 15 {
		t.Errorf("TriageWindowMinutes = %d, want 15", c.TriageWindowMinutes)
	}
	if c.GenerationBackend != "claude" {
		t.Errorf("GenerationBackend = %q, want claude", c.GenerationBackend)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want sk-override", c.ClaudeAPIKey)
	}
	if c.NoGuessThreshold != 0.5 {
		t.Errorf("NoGuessThreshold = %v, want 0.5", c.NoGuessThreshold)
	}
	if c.TriageWorkers != 4 {
		t.Errorf("TriageWorkers = %d, want 4", c.TriageWorkers)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	mutate := func(fn func(*Config)) Config {
		c := validBase()
		fn(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string
	}{
		{
			name:    "base is valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "claude backend with key is valid",
			cfg:     mutate(func(c *Config) { c.GenerationBackend = "claude"; c.ClaudeAPIKey = "sk-x" }),
			wantErr: false,
		},
		{
			name:      "drain out of range",
			cfg:       mutate(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "shutdown budget not greater than drain",
			cfg:       mutate(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS", "DRAIN_SECONDS"},
		},
		{
			name:      "port out of range",
			cfg:       mutate(func(c *Config) { c.APIPort = 70000 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "window out of range",
			cfg:       mutate(func(c *Config) { c.TriageWindowMinutes = 300 }),
			wantErr:   true,
			errSubstr: []string{"TRIAGE_WINDOW_MINUTES"},
		},
		{
			name:      "threshold above one",
			cfg:       mutate(func(c *Config) { c.NoGuessThreshold = 1.5 }),
			wantErr:   true,
			errSubstr: []string{"NO_GUESS_THRESHOLD"},
		},
		{
			name:      "negative evidence refs",
			cfg:       mutate(func(c *Config) { c.MinEvidenceRefs = -1 }),
			wantErr:   true,
			errSubstr: []string{"MIN_EVIDENCE_REFS"},
		},
		{
			name:      "unknown backend",
			cfg:       mutate(func(c *Config) { c.GenerationBackend = "openai" }),
			wantErr:   true,
			errSubstr: []string{"GENERATION_BACKEND"},
		},
		{
			name:      "local backend without endpoints",
			cfg:       mutate(func(c *Config) { c.LocalEndpoints = " , " }),
			wantErr:   true,
			errSubstr: []string{"LOCAL_ENDPOINTS"},
		},
		{
			name:      "claude backend without key",
			cfg:       mutate(func(c *Config) { c.GenerationBackend = "claude" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name:      "zero retry attempts",
			cfg:       mutate(func(c *Config) { c.RetryMaxAttempts = 0 }),
			wantErr:   true,
			errSubstr: []string{"RETRY_MAX_ATTEMPTS"},
		},
		{
			name:      "negative backoff",
			cfg:       mutate(func(c *Config) { c.RetryBackoffMS = -1 }),
			wantErr:   true,
			errSubstr: []string{"RETRY_BACKOFF_MS"},
		},
		{
			name:      "zero workers",
			cfg:       mutate(func(c *Config) { c.TriageWorkers = 0 }),
			wantErr:   true,
			errSubstr: []string{"TRIAGE_WORKERS"},
		},
		{
			name:      "retention out of range",
			cfg:       mutate(func(c *Config) { c.RetentionDays = 0 }),
			wantErr:   true,
			errSubstr: []string{"RETENTION_DAYS"},
		},
		{
			name: "multiple violations reported together",
			cfg: mutate(func(c *Config) {
				c.APIPort = 0
				c.MaxLogQueries = 0
				c.QueueCapacity = 0
			}),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT", "MAX_LOG_QUERIES", "QUEUE_CAPACITY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			for _, sub := range tt.errSubstr {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("error %q missing substring %q", err, sub)
				}
			}
		})
	}
}

func TestLocalEndpointList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		flags string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "http://a:11434", []string{"http://a:11434"}},
		{"multiple with spaces", " http://a:11434 , http://b:11434 ", []string{"http://a:11434", "http://b:11434"}},
		{"stray commas", ",http://a:11434,,", []string{"http://a:11434"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Config{LocalEndpoints: tt.flags}
			if got := c.LocalEndpointList(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("LocalEndpointList() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	c := Config{TriageWindowMinutes: 30, DeployLookbackMinutes: 90}
	if got := c.TriageWindow(); got != 30*time.Minute {
		t.Errorf("TriageWindow() = %v, want 30m", got)
	}
	if got := c.DeployLookback(); got != 90*time.Minute {
		t.Errorf("DeployLookback() = %v, want 90m", got)
	}
}
