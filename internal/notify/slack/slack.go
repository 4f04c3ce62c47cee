// Package slack delivers triage outcomes to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/incident"
	"github.com/linnemanlabs/inquest/internal/triage"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier posts triage outcomes to a Slack webhook. It implements
// triage.Notifier; delivery failures are logged and never surfaced to the
// pipeline.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger.With("component", "slack"),
	}
}

// Notify posts the outcome to the configured webhook.
func (n *Notifier) Notify(ctx context.Context, o *triage.Outcome) {
	if n.webhookURL == "" {
		return
	}
	if err := n.send(ctx, o); err != nil {
		n.logger.Error(ctx, err, "slack notification failed",
			"incident_id", o.Incident.ID,
			"outcome", string(o.Outcome))
	}
}

func (n *Notifier) send(ctx context.Context, o *triage.Outcome) error {
	body, err := json.Marshal(buildMessage(o))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(o *triage.Outcome) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(o),
			{"type": "divider"},
			fieldsBlock(o),
			{"type": "divider"},
			summaryBlock(o),
			{"type": "divider"},
			contextBlock(o),
		},
	}
}

func headerBlock(o *triage.Outcome) map[string]any {
	inc := o.Incident
	title := "Triage Ready for Review"
	switch o.Outcome {
	case incident.RunFailed:
		title = "Triage Failed"
	case incident.RunInsufficientEvidence:
		title = "Triage: Insufficient Evidence"
	}
	alarm := inc.ID
	if inc.Alert != nil && inc.Alert.Title != "" {
		alarm = inc.Alert.Title
	}
	text := fmt.Sprintf("%s %s: %s", outcomeEmoji(o), title, alarm)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(o *triage.Outcome) map[string]any {
	inc := o.Incident
	severity := ""
	if inc.Alert != nil {
		severity = inc.Alert.Severity
	}
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Service:* %s", inc.Service),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Env:* %s", inc.Env),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", inc.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Evidence score:* %.2f", o.Score),
		},
	}
	if inc.GitSHA != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Suspect deploy:* %s", shortSHA(inc.GitSHA)),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(o *triage.Outcome) map[string]any {
	text := truncate(o.Summary, maxSummaryLen)
	if text == "" && o.Reason != "" {
		text = truncate(o.Reason, maxSummaryLen)
	}
	if text == "" {
		text = "_No summary available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s", text),
		},
	}
}

func contextBlock(o *triage.Outcome) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("inquest • incident %s • %s",
				o.Incident.ID, time.Now().UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func outcomeEmoji(o *triage.Outcome) string {
	if o.Outcome == incident.RunFailed {
		return "\U0001f534" // red circle
	}
	severity := ""
	if o.Incident.Alert != nil {
		severity = o.Incident.Alert.Severity
	}
	switch strings.ToLower(severity) {
	case "critical":
		return "\U0001f534" // red circle
	case "warning":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
