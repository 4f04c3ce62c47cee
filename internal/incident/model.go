package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/report"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	StatusIngested            Status = "ingested"
	StatusEvidenceCollecting  Status = "evidence_collecting"
	StatusAwaitingHumanReview Status = "awaiting_human_review"
	StatusTriaged             Status = "triaged"
	StatusMitigated           Status = "mitigated"
	StatusResolved            Status = "resolved"
	StatusPostmortemRequired  Status = "postmortem_required"
	StatusFailed              Status = "failed"
)

// Incident is the unit of triage. Status mutation goes through the
// version-guarded Store.UpdateStatus only; other components create or read.
type Incident struct {
	ID             string       `json:"id"`
	DedupKey       string       `json:"dedup_key"`
	Service        string       `json:"service"`
	Env            string       `json:"env"`
	ServiceVersion string       `json:"service_version,omitempty"`
	GitSHA         string       `json:"git_sha,omitempty"`
	CorrelationID  string       `json:"correlation_id,omitempty"`
	Status         Status       `json:"status"`
	LastError      string       `json:"last_error,omitempty"`
	Owners         []string     `json:"owners,omitempty"`
	RunbookURL     string       `json:"runbook_url,omitempty"`
	DashboardURL   string       `json:"dashboard_url,omitempty"`
	Alert          *alert.Event `json:"alert,omitempty"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// DedupKey collapses duplicate alert deliveries onto one incident. The time
// bucket has the size of the triage window so a re-fire in a later window
// opens a fresh incident.
func DedupKey(service, env, alarmID string, firedAt time.Time, window time.Duration) string {
	bucket := firedAt.Unix() / int64(window.Seconds())
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", service, env, alarmID, bucket))
	return hex.EncodeToString(sum[:])
}

// ArtifactType enumerates the closed set of evidence artifact variants.
type ArtifactType string

const (
	ArtifactLogsQuery        ArtifactType = "logs_query"
	ArtifactLogSignatures    ArtifactType = "log_signatures"
	ArtifactTimeline         ArtifactType = "timeline"
	ArtifactRepoSnippet      ArtifactType = "repo_snippet"
	ArtifactDeploymentChange ArtifactType = "deployment_change"
	ArtifactConfigChange     ArtifactType = "config_change"
	ArtifactSourceError      ArtifactType = "source_error"
)

// Artifact is one tagged evidence variant. Exactly one payload field is set,
// matching Type. Pointers lists the citable sub-locations within the
// artifact; report claims must reference one of them (or the artifact as a
// whole with an empty pointer).
type Artifact struct {
	ID       string       `json:"artifact_id"`
	Type     ArtifactType `json:"type"`
	Pointers []string     `json:"pointers,omitempty"`

	LogsQuery        *LogsQueryArtifact        `json:"logs_query,omitempty"`
	LogSignatures    *LogSignaturesArtifact    `json:"log_signatures,omitempty"`
	Timeline         *TimelineArtifact         `json:"timeline,omitempty"`
	RepoSnippet      *RepoSnippetArtifact      `json:"repo_snippet,omitempty"`
	DeploymentChange *DeploymentChangeArtifact `json:"deployment_change,omitempty"`
	ConfigChange     *ConfigChangeArtifact     `json:"config_change,omitempty"`
	SourceError      *SourceErrorArtifact      `json:"source_error,omitempty"`
}

// LogsQueryArtifact records one executed log query and its result rows.
type LogsQueryArtifact struct {
	Name        string   `json:"name"`
	Query       string   `json:"query"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	RowCount    int      `json:"row_count"`
	SampleLines []string `json:"sample_lines,omitempty"`
}

// LogSignature is one deduplicated group of normalized log lines.
type LogSignature struct {
	SignatureID string   `json:"signature_id"`
	Pattern     string   `json:"pattern"`
	Count       int      `json:"count"`
	SampleLines []string `json:"sample_lines,omitempty"`
}

// LogSignaturesArtifact carries the signature groups extracted from raw lines.
type LogSignaturesArtifact struct {
	Signatures []LogSignature `json:"signatures"`
	TotalLines int            `json:"total_lines"`
}

// TimelineEvent is one dated entry on an incident timeline.
type TimelineEvent struct {
	EventID string    `json:"event_id"`
	Kind    string    `json:"kind"` // deployment | config_change
	At      time.Time `json:"at"`
	Summary string    `json:"summary"`
}

// TimelineArtifact orders change events within the triage window.
type TimelineArtifact struct {
	Events []TimelineEvent `json:"events"`
}

// RepoSnippetArtifact is a source-code window resolved from a stack frame or
// keyword search.
type RepoSnippetArtifact struct {
	FilePath   string `json:"file_path"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Content    string `json:"content"`
	Reason     string `json:"reason"`
	CommitSHA  string `json:"commit_sha,omitempty"`
	Confidence string `json:"confidence"` // high for frame-mapped, low for keyword
}

// DeploymentChangeArtifact is a correlated deployment inside the window.
type DeploymentChangeArtifact struct {
	Service    string    `json:"service"`
	Env        string    `json:"env"`
	DeployedAt time.Time `json:"deployed_at"`
	Version    string    `json:"version,omitempty"`
	GitSHA     string    `json:"git_sha,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// ConfigChangeArtifact is a correlated configuration change inside the window.
type ConfigChangeArtifact struct {
	Service   string    `json:"service"`
	Env       string    `json:"env"`
	ChangedAt time.Time `json:"changed_at"`
	Summary   string    `json:"summary,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// SourceErrorArtifact records a degraded evidence source. It lowers the
// confidence score instead of failing the run.
type SourceErrorArtifact struct {
	SourceName string `json:"source"`
	Error      string `json:"error"`
}

// EvidencePack is the immutable-per-run artifact collection backing a
// report's citations.
type EvidencePack struct {
	ID          string     `json:"id"`
	IncidentID  string     `json:"incident_id"`
	RunID       string     `json:"run_id"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	Artifacts   []Artifact `json:"artifacts"`
	Score       float64    `json:"score"`
	Degraded    []string   `json:"degraded_sources,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Resolve implements report.RefResolver: an evidence reference is valid when
// the artifact exists and the pointer is either empty (whole artifact) or one
// of the artifact's citable pointers.
func (p *EvidencePack) Resolve(artifactID, pointer string) bool {
	for i := range p.Artifacts {
		a := &p.Artifacts[i]
		if a.ID != artifactID {
			continue
		}
		if pointer == "" {
			return true
		}
		for _, ptr := range a.Pointers {
			if ptr == pointer {
				return true
			}
		}
		return false
	}
	return false
}

// TriageReport is the stored generation output for an incident. The latest
// report supersedes prior ones.
type TriageReport struct {
	ID          string         `json:"id"`
	IncidentID  string         `json:"incident_id"`
	RunID       string         `json:"run_id"`
	Backend     string         `json:"backend"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Model       string         `json:"model"`
	Payload     report.Payload `json:"payload"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Decision is a reviewer verdict on a report.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ReviewDecision records one human-review verdict. Created only while the
// incident is awaiting_human_review.
type ReviewDecision struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	ReportID   string    `json:"report_id,omitempty"`
	Decision   Decision  `json:"decision"`
	Notes      string    `json:"notes,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// Feedback is a reviewer quality signal on a report, stored for downstream
// measurement.
type Feedback struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Helpful    bool      `json:"helpful"`
	Correct    *bool     `json:"correct,omitempty"`
	FinalRCA   string    `json:"final_rca,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeploymentEvent is correlation input from deploy tooling.
type DeploymentEvent struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Env        string    `json:"env"`
	DeployedAt time.Time `json:"deployed_at"`
	Version    string    `json:"version,omitempty"`
	GitSHA     string    `json:"git_sha,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConfigChange is correlation input from a configuration feed.
type ConfigChange struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	Env       string    `json:"env"`
	ChangedAt time.Time `json:"changed_at"`
	Summary   string    `json:"summary,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RunOutcome classifies a completed pipeline execution.
type RunOutcome string

const (
	RunSuccess              RunOutcome = "success"
	RunInsufficientEvidence RunOutcome = "insufficient_evidence"
	RunFailed               RunOutcome = "failed"
)

// PipelineRun is the append-only audit record of one triage execution.
// Never mutated after completion.
type PipelineRun struct {
	ID          string     `json:"id"`
	IncidentID  string     `json:"incident_id"`
	Backend     string     `json:"backend,omitempty"`
	Endpoint    string     `json:"endpoint,omitempty"`
	Attempts    int        `json:"attempts"`
	Failovers   int        `json:"failovers"`
	Queries     int        `json:"queries"`
	Snippets    int        `json:"snippets"`
	Score       float64    `json:"score"`
	Outcome     RunOutcome `json:"outcome"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationS   float64    `json:"duration_seconds"`
}

// AuditEntry is an append-only record of reads, decisions, ingests,
// generation calls, and administrative actions.
type AuditEntry struct {
	ID           string            `json:"id"`
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// PurgeResult reports per-entity deletion counts from a retention purge.
type PurgeResult struct {
	Incidents     int `json:"incidents"`
	EvidencePacks int `json:"evidence_packs"`
	Reports       int `json:"reports"`
	Decisions     int `json:"decisions"`
	Feedback      int `json:"feedback"`
	Deployments   int `json:"deployments"`
	ConfigChanges int `json:"config_changes"`
	PipelineRuns  int `json:"pipeline_runs"`
}
