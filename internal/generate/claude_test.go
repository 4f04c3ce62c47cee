package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
)

func claudeStub(t *testing.T, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       "test-model",
			"content":     []map[string]any{{"type": "text", "text": text}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 20},
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClaudeGenerate(t *testing.T) {
	t.Parallel()

	srv := claudeStub(t, `{"summary":"ok","mode":"insufficient_evidence"}`)
	c := NewClaude("test-key", "test-model", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	raw, meta, err := c.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(raw) != `{"summary":"ok","mode":"insufficient_evidence"}` {
		t.Errorf("raw = %s", raw)
	}
	if meta.Backend != "claude" || meta.Model != "test-model" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Failovers != 0 {
		t.Errorf("failovers = %d; the hosted family has no failover", meta.Failovers)
	}
}

func TestClaudeGenerate_ErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewClaude("test-key", "test-model", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	if _, _, err := c.Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("want error from failing endpoint")
	}
}

func TestClaudeGenerate_EmptyContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_x","type":"message","role":"assistant","model":"m","content":[],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":0}}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClaude("test-key", "test-model", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	if _, _, err := c.Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("want error for empty content")
	}
}
