// Package evidence assembles the evidence pack for an incident: bounded log
// queries, signature extraction, change-history correlation, source snippet
// resolution, redaction and the confidence score the report gate consumes.
package evidence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/inquest/internal/evidence/logsource"
	"github.com/linnemanlabs/inquest/internal/evidence/reposnip"
	"github.com/linnemanlabs/inquest/internal/incident"
)

const (
	maxQueryConcurrency = 4
	maxSampleRows       = 20
	topSignatures       = 5
)

// LogSource plans and executes bounded log queries.
type LogSource interface {
	Plan(alarmID, service, env, correlationID string, start, end time.Time, max int) []logsource.Query
	Run(ctx context.Context, q logsource.Query) (*logsource.Result, error)
}

// SnippetSource resolves source-code context from a local checkout.
type SnippetSource interface {
	Resolve(ctx context.Context, service string, frames []reposnip.Frame, keywords []string, max int) []reposnip.Snippet
}

// ChangeSource lists deployment and configuration changes for correlation.
type ChangeSource interface {
	ListDeployments(ctx context.Context, service, env string, since, until time.Time) ([]*incident.DeploymentEvent, error)
	ListConfigChanges(ctx context.Context, service, env string, since, until time.Time) ([]*incident.ConfigChange, error)
}

// Config bounds one collection run.
type Config struct {
	Window        time.Duration
	MaxLogQueries int
	MaxSnippets   int
	AllowRaw      bool
}

// Stats summarizes one collection run for the pipeline-run record. The
// matched deployment, when set, is the latest one deployed before the alert
// fired and is used to stamp the incident's version and git SHA.
type Stats struct {
	Queries           int
	Snippets          int
	MatchedDeployment *incident.DeploymentEvent
}

// Correlator builds evidence packs. Failing sources degrade the pack and are
// recorded as source_error artifacts; they never abort the run.
type Correlator struct {
	logs    LogSource
	snips   SnippetSource
	changes ChangeSource
	cfg     Config
	logger  log.Logger
}

// NewCorrelator wires the evidence sources. snips may be nil when no
// repository base path is configured.
func NewCorrelator(logs LogSource, snips SnippetSource, changes ChangeSource, cfg Config, logger log.Logger) *Correlator {
	return &Correlator{logs: logs, snips: snips, changes: changes, cfg: cfg, logger: logger}
}

// Collect builds the evidence pack for one incident within the triage window
// centered on the alert's fired-at time.
func (c *Correlator) Collect(ctx context.Context, inc *incident.Incident, runID string) (*incident.EvidencePack, *Stats, error) {
	if inc.Alert == nil {
		return nil, nil, fmt.Errorf("incident %s has no alert event", inc.ID)
	}
	firedAt := inc.Alert.FiredAt
	start := firedAt.Add(-c.cfg.Window)
	end := firedAt.Add(c.cfg.Window)

	pack := &incident.EvidencePack{
		ID:          ulid.Make().String(),
		IncidentID:  inc.ID,
		RunID:       runID,
		WindowStart: start,
		WindowEnd:   end,
		CreatedAt:   time.Now().UTC(),
	}
	stats := &Stats{}

	allLines := c.collectLogs(ctx, inc, start, end, pack, stats)

	if len(allLines) > 0 {
		sigs := Signatures(allLines, topSignatures)
		a := incident.Artifact{
			ID:            ulid.Make().String(),
			Type:          incident.ArtifactLogSignatures,
			LogSignatures: sigs,
		}
		for _, s := range sigs.Signatures {
			a.Pointers = append(a.Pointers, "signature:"+s.SignatureID)
		}
		pack.Artifacts = append(pack.Artifacts, a)
	}

	c.collectChanges(ctx, inc, start, end, firedAt, pack, stats)
	c.collectSnippets(ctx, inc, allLines, pack, stats)

	if !c.cfg.AllowRaw {
		RedactArtifacts(pack.Artifacts)
	}
	pack.Score = Score(pack.Artifacts)
	return pack, stats, nil
}

// collectLogs runs the planned queries concurrently and appends one
// logs_query artifact per query. Returned lines feed signature extraction.
func (c *Correlator) collectLogs(ctx context.Context, inc *incident.Incident, start, end time.Time, pack *incident.EvidencePack, stats *Stats) []string {
	if c.logs == nil {
		return nil
	}
	queries := c.logs.Plan(inc.Alert.AlarmID, inc.Service, inc.Env, inc.CorrelationID, start, end, c.cfg.MaxLogQueries)
	stats.Queries = len(queries)
	if len(queries) == 0 {
		return nil
	}

	results := make([]*logsource.Result, len(queries))
	errs := make([]error, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxQueryConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			results[i], errs[i] = c.logs.Run(gctx, q)
			return nil
		})
	}
	_ = g.Wait()

	var allLines []string
	for i, q := range queries {
		if errs[i] != nil {
			c.degrade(ctx, pack, "logs:"+q.Name, errs[i])
			continue
		}
		res := results[i]
		sample := make([]string, 0, maxSampleRows)
		for _, l := range res.Lines {
			allLines = append(allLines, l.Line)
			if len(sample) < maxSampleRows {
				sample = append(sample, l.Line)
			}
		}
		a := incident.Artifact{
			ID:   ulid.Make().String(),
			Type: incident.ArtifactLogsQuery,
			LogsQuery: &incident.LogsQueryArtifact{
				Name:        q.Name,
				Query:       res.Expr,
				Start:       start.Format(time.RFC3339),
				End:         end.Format(time.RFC3339),
				RowCount:    len(res.Lines),
				SampleLines: sample,
			},
		}
		for j := range sample {
			a.Pointers = append(a.Pointers, fmt.Sprintf("row:%d", j))
		}
		pack.Artifacts = append(pack.Artifacts, a)
	}
	return allLines
}

// collectChanges correlates deployment and config changes inside the window
// into per-change artifacts plus one ordered timeline artifact.
func (c *Correlator) collectChanges(ctx context.Context, inc *incident.Incident, start, end, firedAt time.Time, pack *incident.EvidencePack, stats *Stats) {
	if c.changes == nil {
		return
	}
	var events []incident.TimelineEvent

	deploys, err := c.changes.ListDeployments(ctx, inc.Service, inc.Env, start, end)
	if err != nil {
		c.degrade(ctx, pack, "deployments", err)
	}
	for _, d := range deploys {
		pack.Artifacts = append(pack.Artifacts, incident.Artifact{
			ID:       ulid.Make().String(),
			Type:     incident.ArtifactDeploymentChange,
			Pointers: []string{"change"},
			DeploymentChange: &incident.DeploymentChangeArtifact{
				Service:    d.Service,
				Env:        d.Env,
				DeployedAt: d.DeployedAt,
				Version:    d.Version,
				GitSHA:     d.GitSHA,
				Actor:      d.Actor,
			},
		})
		events = append(events, incident.TimelineEvent{
			EventID: d.ID,
			Kind:    "deployment",
			At:      d.DeployedAt,
			Summary: fmt.Sprintf("deploy %s %s", d.Version, d.GitSHA),
		})
		if !d.DeployedAt.After(firedAt) &&
			(stats.MatchedDeployment == nil || d.DeployedAt.After(stats.MatchedDeployment.DeployedAt)) {
			stats.MatchedDeployment = d
		}
	}

	cfgs, err := c.changes.ListConfigChanges(ctx, inc.Service, inc.Env, start, end)
	if err != nil {
		c.degrade(ctx, pack, "config_changes", err)
	}
	for _, cc := range cfgs {
		pack.Artifacts = append(pack.Artifacts, incident.Artifact{
			ID:       ulid.Make().String(),
			Type:     incident.ArtifactConfigChange,
			Pointers: []string{"change"},
			ConfigChange: &incident.ConfigChangeArtifact{
				Service:   cc.Service,
				Env:       cc.Env,
				ChangedAt: cc.ChangedAt,
				Summary:   cc.Summary,
				Actor:     cc.Actor,
			},
		})
		events = append(events, incident.TimelineEvent{
			EventID: cc.ID,
			Kind:    "config_change",
			At:      cc.ChangedAt,
			Summary: cc.Summary,
		})
	}

	if len(events) > 0 {
		sort.Slice(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
		a := incident.Artifact{
			ID:       ulid.Make().String(),
			Type:     incident.ArtifactTimeline,
			Timeline: &incident.TimelineArtifact{Events: events},
		}
		for _, e := range events {
			a.Pointers = append(a.Pointers, "event:"+e.EventID)
		}
		pack.Artifacts = append(pack.Artifacts, a)
	}
}

// collectSnippets maps stack frames found in log lines to source windows,
// falling back to keyword search from the top signature patterns.
func (c *Correlator) collectSnippets(ctx context.Context, inc *incident.Incident, lines []string, pack *incident.EvidencePack, stats *Stats) {
	if c.snips == nil || c.cfg.MaxSnippets <= 0 {
		return
	}
	frames := reposnip.ExtractFrames(strings.Join(lines, "\n"))
	keywords := keywordsFromLines(lines, c.cfg.MaxSnippets)

	snippets := c.snips.Resolve(ctx, inc.Service, frames, keywords, c.cfg.MaxSnippets)
	stats.Snippets = len(snippets)
	for _, s := range snippets {
		reason := "stack frame"
		if s.Confidence == "low" {
			reason = "keyword " + s.Keyword
		}
		pack.Artifacts = append(pack.Artifacts, incident.Artifact{
			ID:       ulid.Make().String(),
			Type:     incident.ArtifactRepoSnippet,
			Pointers: []string{fmt.Sprintf("lines:%d-%d", s.StartLine, s.EndLine)},
			RepoSnippet: &incident.RepoSnippetArtifact{
				FilePath:   s.Path,
				StartLine:  s.StartLine,
				EndLine:    s.EndLine,
				Content:    strings.Join(s.Lines, "\n"),
				Reason:     reason,
				CommitSHA:  inc.GitSHA,
				Confidence: s.Confidence,
			},
		})
	}
}

// keywordsFromLines takes the leading token of each top signature pattern,
// skipping short tokens that match too broadly.
func keywordsFromLines(lines []string, max int) []string {
	sigs := Signatures(lines, topSignatures)
	seen := make(map[string]struct{})
	var keywords []string
	for _, s := range sigs.Signatures {
		fields := strings.Fields(s.Pattern)
		if len(fields) == 0 {
			continue
		}
		kw := fields[0]
		if len(kw) <= 3 || strings.HasPrefix(kw, "<") {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
		if len(keywords) >= max {
			break
		}
	}
	return keywords
}

func (c *Correlator) degrade(ctx context.Context, pack *incident.EvidencePack, source string, err error) {
	c.logger.Warn(ctx, "evidence source degraded", "source", source, "error", err.Error())
	pack.Degraded = append(pack.Degraded, source)
	pack.Artifacts = append(pack.Artifacts, incident.Artifact{
		ID:          ulid.Make().String(),
		Type:        incident.ArtifactSourceError,
		SourceError: &incident.SourceErrorArtifact{SourceName: source, Error: err.Error()},
	})
}
