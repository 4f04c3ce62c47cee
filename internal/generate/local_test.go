package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// fakeEndpoint is a stub Ollama endpoint with switchable health and
// generation behavior.
type fakeEndpoint struct {
	srv *httptest.Server

	healthy      atomic.Bool
	model        string
	failGenerate atomic.Bool
	output       string

	healthCalls   atomic.Int32
	generateCalls atomic.Int32
}

func newFakeEndpoint(t *testing.T, model, output string) *fakeEndpoint {
	t.Helper()
	f := &fakeEndpoint{model: model, output: output}
	f.healthy.Store(true)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			f.healthCalls.Add(1)
			if !f.healthy.Load() {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintf(w, `{"models":[{"name":%q}]}`, f.model)
		case "/api/generate":
			f.generateCalls.Add(1)
			if f.failGenerate.Load() {
				http.Error(w, "model crashed", http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(generateResponse{Response: f.output})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newLocal(model string, ttl time.Duration, endpoints ...*fakeEndpoint) *Local {
	urls := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		urls = append(urls, e.srv.URL)
	}
	return NewLocal(LocalConfig{
		Endpoints:     urls,
		Model:         model,
		HealthTimeout: 2 * time.Second,
		CallTimeout:   5 * time.Second,
		CacheTTL:      ttl,
	}, log.Nop())
}

func testRequest() *Request {
	return &Request{
		IncidentID: "inc-1",
		Digest:     json.RawMessage(`{"alert_summary":"5xx spike"}`),
		Schema:     json.RawMessage(`{"type":"object"}`),
	}
}

func TestLocalGenerate_FirstHealthyInOrder(t *testing.T) {
	t.Parallel()

	down := newFakeEndpoint(t, "triage-llm", `{}`)
	down.healthy.Store(false)
	up := newFakeEndpoint(t, "triage-llm", `{"summary":"ok"}`)

	l := newLocal("triage-llm", time.Minute, down, up)
	raw, meta, err := l.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(raw) != `{"summary":"ok"}` {
		t.Errorf("raw = %s", raw)
	}
	if meta.Endpoint != up.srv.URL {
		t.Errorf("endpoint = %q, want the second (first healthy)", meta.Endpoint)
	}
	if meta.Failovers != 0 {
		t.Errorf("failovers = %d, want 0 (selection is not failover)", meta.Failovers)
	}
	if down.generateCalls.Load() != 0 {
		t.Error("unhealthy endpoint must not receive generation calls")
	}
}

func TestLocalGenerate_EndpointCached(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint(t, "triage-llm", `{"summary":"ok"}`)
	l := newLocal("triage-llm", time.Minute, ep)

	for i := 0; i < 3; i++ {
		if _, _, err := l.Generate(context.Background(), testRequest()); err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
	}
	if got := ep.healthCalls.Load(); got != 1 {
		t.Errorf("health probes = %d, want 1 (cached selection)", got)
	}
	if got := ep.generateCalls.Load(); got != 3 {
		t.Errorf("generate calls = %d, want 3", got)
	}
}

func TestLocalGenerate_CacheExpires(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint(t, "triage-llm", `{"summary":"ok"}`)
	l := newLocal("triage-llm", 10*time.Millisecond, ep)

	if _, _, err := l.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, _, err := l.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Generate after expiry: %v", err)
	}
	if got := ep.healthCalls.Load(); got != 2 {
		t.Errorf("health probes = %d, want 2 after TTL expiry", got)
	}
}

func TestLocalGenerate_SingleFailover(t *testing.T) {
	t.Parallel()

	broken := newFakeEndpoint(t, "triage-llm", `{}`)
	broken.failGenerate.Store(true)
	backup := newFakeEndpoint(t, "triage-llm", `{"summary":"from backup"}`)

	l := newLocal("triage-llm", time.Minute, broken, backup)
	raw, meta, err := l.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(raw) != `{"summary":"from backup"}` {
		t.Errorf("raw = %s", raw)
	}
	if meta.Failovers != 1 {
		t.Errorf("failovers = %d, want 1", meta.Failovers)
	}
	if meta.Endpoint != backup.srv.URL {
		t.Errorf("endpoint = %q, want backup", meta.Endpoint)
	}

	// The alternate is now cached; the next call goes straight to it.
	if _, meta, err = l.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Generate after failover: %v", err)
	}
	if meta.Endpoint != backup.srv.URL || meta.Failovers != 0 {
		t.Errorf("cached alternate not used: %+v", meta)
	}
	if got := broken.generateCalls.Load(); got != 1 {
		t.Errorf("broken endpoint calls = %d, want 1", got)
	}
}

func TestLocalGenerate_OneRetryOnly(t *testing.T) {
	t.Parallel()

	first := newFakeEndpoint(t, "triage-llm", `{}`)
	first.failGenerate.Store(true)
	second := newFakeEndpoint(t, "triage-llm", `{}`)
	second.failGenerate.Store(true)
	third := newFakeEndpoint(t, "triage-llm", `{"summary":"never reached"}`)

	l := newLocal("triage-llm", time.Minute, first, second, third)
	_, _, err := l.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrAllEndpointsExhausted) {
		t.Fatalf("err = %v, want ErrAllEndpointsExhausted", err)
	}
	if got := third.generateCalls.Load(); got != 0 {
		t.Errorf("third endpoint calls = %d; only one failover retry is allowed", got)
	}
}

func TestLocalGenerate_AllUnhealthy(t *testing.T) {
	t.Parallel()

	a := newFakeEndpoint(t, "triage-llm", `{}`)
	a.healthy.Store(false)
	b := newFakeEndpoint(t, "triage-llm", `{}`)
	b.healthy.Store(false)

	l := newLocal("triage-llm", time.Minute, a, b)
	_, _, err := l.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrAllEndpointsExhausted) {
		t.Fatalf("err = %v, want ErrAllEndpointsExhausted", err)
	}
}

func TestLocalGenerate_WrongModelIsUnhealthy(t *testing.T) {
	t.Parallel()

	wrong := newFakeEndpoint(t, "other-model", `{}`)
	right := newFakeEndpoint(t, "triage-llm", `{"summary":"ok"}`)

	l := newLocal("triage-llm", time.Minute, wrong, right)
	_, meta, err := l.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if meta.Endpoint != right.srv.URL {
		t.Errorf("endpoint = %q; endpoint without the model must be skipped", meta.Endpoint)
	}
}

func TestLocalGenerate_NoEndpoints(t *testing.T) {
	t.Parallel()

	l := NewLocal(LocalConfig{Model: "m", CacheTTL: time.Minute}, log.Nop())
	if _, _, err := l.Generate(context.Background(), testRequest()); !errors.Is(err, ErrAllEndpointsExhausted) {
		t.Fatalf("err = %v, want ErrAllEndpointsExhausted", err)
	}
}
