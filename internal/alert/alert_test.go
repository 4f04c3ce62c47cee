package alert

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func cloudWatchPayload(t *testing.T, mutate func(map[string]any)) json.RawMessage {
	t.Helper()
	payload := map[string]any{
		"id":     "evt-1",
		"source": "aws.cloudwatch",
		"time":   "2026-03-01T10:00:00Z",
		"region": "us-east-1",
		"detail": map[string]any{
			"alarmName": "checkout-api::prod::high-error-rate",
			"state": map[string]any{
				"value":     "ALARM",
				"reason":    "threshold crossed",
				"timestamp": "2026-03-01T10:00:00Z",
			},
			"previousState": map[string]any{"value": "OK"},
		},
	}
	if mutate != nil {
		mutate(payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestNormalizeCloudWatch(t *testing.T) {
	t.Parallel()

	ev, err := NormalizeCloudWatch(cloudWatchPayload(t, nil))
	if err != nil {
		t.Fatalf("NormalizeCloudWatch: %v", err)
	}
	if ev.Source != "cloudwatch" {
		t.Errorf("Source = %q, want cloudwatch", ev.Source)
	}
	if ev.Service != "checkout-api" {
		t.Errorf("Service = %q, want checkout-api", ev.Service)
	}
	if ev.Env != "prod" {
		t.Errorf("Env = %q, want prod", ev.Env)
	}
	if ev.AlarmID != "high-error-rate" {
		t.Errorf("AlarmID = %q, want high-error-rate", ev.AlarmID)
	}
	if ev.Severity != "critical" {
		t.Errorf("Severity = %q, want critical", ev.Severity)
	}
	if !ev.Firing() {
		t.Error("expected ALARM state to be firing")
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !ev.FiredAt.Equal(want) {
		t.Errorf("FiredAt = %v, want %v", ev.FiredAt, want)
	}
}

func TestNormalizeCloudWatch_Deterministic(t *testing.T) {
	t.Parallel()

	raw := cloudWatchPayload(t, nil)
	a, err := NormalizeCloudWatch(raw)
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	b, err := NormalizeCloudWatch(raw)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if a.Service != b.Service || a.AlarmID != b.AlarmID || !a.FiredAt.Equal(b.FiredAt) {
		t.Errorf("normalization not deterministic: %+v vs %+v", a, b)
	}
}

func TestNormalizeCloudWatch_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing detail", func(p map[string]any) { delete(p, "detail") }},
		{"missing alarm name", func(p map[string]any) {
			p["detail"].(map[string]any)["alarmName"] = ""
		}},
		{"missing timestamp", func(p map[string]any) {
			delete(p, "time")
			p["detail"].(map[string]any)["state"].(map[string]any)["timestamp"] = ""
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NormalizeCloudWatch(cloudWatchPayload(t, tc.mutate))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestNormalizeCloudWatch_CorrelationIDFromReason(t *testing.T) {
	t.Parallel()

	raw := cloudWatchPayload(t, func(p map[string]any) {
		p["detail"].(map[string]any)["state"].(map[string]any)["reason"] = "failed, request_id: req-abc-123456"
	})
	ev, err := NormalizeCloudWatch(raw)
	if err != nil {
		t.Fatalf("NormalizeCloudWatch: %v", err)
	}
	if ev.CorrelationID != "req-abc-123456" {
		t.Errorf("CorrelationID = %q, want req-abc-123456", ev.CorrelationID)
	}
}

func TestNormalizeCloudWatch_ExplicitCorrelationIDWins(t *testing.T) {
	t.Parallel()

	raw := cloudWatchPayload(t, func(p map[string]any) {
		p["detail"].(map[string]any)["correlationId"] = "corr-42"
		p["detail"].(map[string]any)["state"].(map[string]any)["reason"] = "request_id: other-000000"
	})
	ev, err := NormalizeCloudWatch(raw)
	if err != nil {
		t.Fatalf("NormalizeCloudWatch: %v", err)
	}
	if ev.CorrelationID != "corr-42" {
		t.Errorf("CorrelationID = %q, want corr-42", ev.CorrelationID)
	}
}

func alertmanagerPayload(t *testing.T, mutate func(map[string]any)) json.RawMessage {
	t.Helper()
	payload := map[string]any{
		"groupKey": `{}:{alertname="HighLatency"}`,
		"status":   "firing",
		"commonLabels": map[string]string{
			"alertname": "HighLatency",
			"service":   "checkout-api",
			"env":       "prod",
			"severity":  "critical",
		},
		"commonAnnotations": map[string]string{"summary": "p99 latency above 2s"},
		"alerts": []map[string]any{{
			"status":      "firing",
			"startsAt":    "2026-03-01T10:00:00Z",
			"fingerprint": "fp-1",
			"labels":      map[string]string{"pod": "checkout-api-7d9"},
		}},
	}
	if mutate != nil {
		mutate(payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestNormalizeAlertmanager(t *testing.T) {
	t.Parallel()

	ev, err := NormalizeAlertmanager(alertmanagerPayload(t, nil))
	if err != nil {
		t.Fatalf("NormalizeAlertmanager: %v", err)
	}
	if ev.Source != "alertmanager" {
		t.Errorf("Source = %q, want alertmanager", ev.Source)
	}
	if ev.Service != "checkout-api" || ev.Env != "prod" {
		t.Errorf("service/env = %q/%q, want checkout-api/prod", ev.Service, ev.Env)
	}
	if ev.AlarmID != "HighLatency" {
		t.Errorf("AlarmID = %q, want HighLatency", ev.AlarmID)
	}
	if ev.Title != "p99 latency above 2s" {
		t.Errorf("Title = %q", ev.Title)
	}
	if ev.Labels["pod"] != "checkout-api-7d9" {
		t.Error("expected per-alert labels merged behind common labels")
	}
	if !ev.Firing() {
		t.Error("expected firing")
	}
}

func TestNormalizeAlertmanager_MissingIdentity(t *testing.T) {
	t.Parallel()

	raw := alertmanagerPayload(t, func(p map[string]any) {
		labels := p["commonLabels"].(map[string]string)
		delete(labels, "service")
	})
	if _, err := NormalizeAlertmanager(raw); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("err = %v, want ErrMalformedPayload", err)
	}

	raw = alertmanagerPayload(t, func(p map[string]any) {
		labels := p["commonLabels"].(map[string]string)
		delete(labels, "alertname")
	})
	if _, err := NormalizeAlertmanager(raw); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestNormalizeAlertmanager_ResolvedNotFiring(t *testing.T) {
	t.Parallel()

	raw := alertmanagerPayload(t, func(p map[string]any) { p["status"] = "resolved" })
	ev, err := NormalizeAlertmanager(raw)
	if err != nil {
		t.Fatalf("NormalizeAlertmanager: %v", err)
	}
	if ev.Firing() {
		t.Error("resolved envelope should not be firing")
	}
}
