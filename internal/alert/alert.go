// Package alert defines the canonical alert event and the pure normalizers
// that map source-specific payloads onto it.
package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrMalformedPayload marks payloads missing required identity fields.
// Normalization failures are rejected synchronously at ingestion and never
// reach the triage queue.
var ErrMalformedPayload = errors.New("malformed alert payload")

// Event is the canonical, source-independent representation of a fired alert.
// Immutable once created.
type Event struct {
	Source        string            `json:"source"`
	ExternalID    string            `json:"external_id"`
	Service       string            `json:"service"`
	Env           string            `json:"env"`
	AlarmID       string            `json:"alarm_id"`
	Title         string            `json:"title"`
	Severity      string            `json:"severity"`
	State         string            `json:"state"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	FiredAt       time.Time         `json:"fired_at"`
	Labels        map[string]string `json:"labels,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
	Raw           json.RawMessage   `json:"raw,omitempty"`
}

// cloudWatchEnvelope is the EventBridge alarm state-change shape.
type cloudWatchEnvelope struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Time   string `json:"time"`
	Region string `json:"region"`
	Detail struct {
		AlarmName string `json:"alarmName"`
		State     struct {
			Value     string `json:"value"`
			Reason    string `json:"reason"`
			Timestamp string `json:"timestamp"`
		} `json:"state"`
		PreviousState struct {
			Value string `json:"value"`
		} `json:"previousState"`
		CorrelationID  string `json:"correlationId"`
		CorrelationID2 string `json:"correlation_id"`
		RequestID      string `json:"requestId"`
		TraceID        string `json:"traceId"`
	} `json:"detail"`
	CorrelationID string `json:"correlationId"`
}

// correlationIDPattern fishes an id out of free-text alarm reasons when the
// payload carries none explicitly.
var correlationIDPattern = regexp.MustCompile(
	`(?i)(?:correlation[_\s-]?id|request[_\s-]?id|trace[_\s-]?id)\s*[:=]\s*([A-Za-z0-9_.:/-]{6,})`)

// NormalizeCloudWatch maps a CloudWatch alarm state-change envelope into an
// Event. Alarm names follow the service::env::alarm convention; names without
// the separator fall back to the whole name as service with env "production".
func NormalizeCloudWatch(raw json.RawMessage) (*Event, error) {
	var env cloudWatchEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Detail.AlarmName == "" {
		return nil, fmt.Errorf("%w: missing detail.alarmName", ErrMalformedPayload)
	}

	firedRaw := env.Detail.State.Timestamp
	if firedRaw == "" {
		firedRaw = env.Time
	}
	if firedRaw == "" {
		return nil, fmt.Errorf("%w: missing state timestamp", ErrMalformedPayload)
	}
	firedAt, err := parseTimestamp(firedRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad state timestamp %q", ErrMalformedPayload, firedRaw)
	}

	service, envName, alarm := splitAlarmName(env.Detail.AlarmName)

	state := env.Detail.State.Value
	if state == "" {
		state = "UNKNOWN"
	}
	severity := "info"
	if state == "ALARM" {
		severity = "critical"
	}

	externalID := env.ID
	if externalID == "" {
		externalID = env.Detail.AlarmName
	}

	return &Event{
		Source:        "cloudwatch",
		ExternalID:    externalID,
		Service:       service,
		Env:           envName,
		AlarmID:       alarm,
		Title:         "CloudWatch Alarm: " + env.Detail.AlarmName,
		Severity:      severity,
		State:         state,
		CorrelationID: cloudWatchCorrelationID(&env),
		FiredAt:       firedAt,
		Labels: map[string]string{
			"alarm_name":     env.Detail.AlarmName,
			"region":         env.Region,
			"previous_state": env.Detail.PreviousState.Value,
		},
		Annotations: map[string]string{"reason": env.Detail.State.Reason},
		Raw:         raw,
	}, nil
}

// alertmanagerEnvelope is the Alertmanager webhook shape; one envelope
// normalizes to one event using the group's common labels.
type alertmanagerEnvelope struct {
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	Alerts            []struct {
		Status      string            `json:"status"`
		StartsAt    time.Time         `json:"startsAt"`
		Labels      map[string]string `json:"labels"`
		Annotations map[string]string `json:"annotations"`
		Fingerprint string            `json:"fingerprint"`
	} `json:"alerts"`
}

// NormalizeAlertmanager maps an Alertmanager webhook envelope into an Event.
func NormalizeAlertmanager(raw json.RawMessage) (*Event, error) {
	var env alertmanagerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.GroupKey == "" && len(env.Alerts) == 0 {
		return nil, fmt.Errorf("%w: missing groupKey and alerts", ErrMalformedPayload)
	}

	labels := map[string]string{}
	for k, v := range env.CommonLabels {
		labels[k] = v
	}
	annotations := map[string]string{}
	for k, v := range env.CommonAnnotations {
		annotations[k] = v
	}

	var firedAt time.Time
	fingerprint := ""
	if len(env.Alerts) > 0 {
		first := env.Alerts[0]
		firedAt = first.StartsAt
		fingerprint = first.Fingerprint
		for k, v := range first.Labels {
			if _, ok := labels[k]; !ok {
				labels[k] = v
			}
		}
		for k, v := range first.Annotations {
			if _, ok := annotations[k]; !ok {
				annotations[k] = v
			}
		}
	}
	if firedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing startsAt", ErrMalformedPayload)
	}

	alarm := labels["alertname"]
	if alarm == "" {
		return nil, fmt.Errorf("%w: missing alertname label", ErrMalformedPayload)
	}

	service := labels["service"]
	if service == "" {
		service = labels["job"]
	}
	if service == "" {
		return nil, fmt.Errorf("%w: missing service/job label", ErrMalformedPayload)
	}
	envName := labels["env"]
	if envName == "" {
		envName = "production"
	}

	severity := labels["severity"]
	if severity == "" {
		severity = "warning"
	}

	externalID := fingerprint
	if externalID == "" {
		externalID = env.GroupKey
	}

	title := annotations["summary"]
	if title == "" {
		title = alarm
	}

	return &Event{
		Source:        "alertmanager",
		ExternalID:    externalID,
		Service:       service,
		Env:           envName,
		AlarmID:       alarm,
		Title:         title,
		Severity:      severity,
		State:         env.Status,
		CorrelationID: labels["correlation_id"],
		FiredAt:       firedAt,
		Labels:        labels,
		Annotations:   annotations,
		Raw:           raw,
	}, nil
}

// Firing reports whether the event represents an active condition.
func (e *Event) Firing() bool {
	switch e.State {
	case "ALARM", "firing":
		return true
	}
	return false
}

func splitAlarmName(name string) (service, env, alarm string) {
	parts := strings.SplitN(name, "::", 3)
	if len(parts) == 3 {
		return parts[0], parts[1], parts[2]
	}
	return name, "production", name
}

func cloudWatchCorrelationID(env *cloudWatchEnvelope) string {
	for _, v := range []string{
		env.Detail.CorrelationID,
		env.Detail.CorrelationID2,
		env.Detail.RequestID,
		env.Detail.TraceID,
		env.CorrelationID,
	} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	if m := correlationIDPattern.FindStringSubmatch(env.Detail.State.Reason); m != nil {
		return m[1]
	}
	return ""
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
