package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/linnemanlabs/go-core/log"
)

const endpointCacheKey = "selected"

// LocalConfig configures the multi-endpoint local backend.
type LocalConfig struct {
	Endpoints     []string
	Model         string
	HealthTimeout time.Duration
	CallTimeout   time.Duration
	CacheTTL      time.Duration
}

// Local generates against an ordered list of Ollama-compatible endpoints.
// The first healthy endpoint is cached for the configured TTL; a failure
// mid-generation triggers exactly one retry against the next healthy
// endpoint in order.
type Local struct {
	cfg          LocalConfig
	endpoints    []string
	cache        *ttlcache.Cache[string, string]
	healthClient *http.Client
	callClient   *http.Client
	logger       log.Logger
}

// NewLocal creates the local backend. Endpoint order is preserved; blanks
// and duplicates are dropped.
func NewLocal(cfg LocalConfig, logger log.Logger) *Local {
	seen := make(map[string]struct{})
	endpoints := make([]string, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		endpoints = append(endpoints, e)
	}
	return &Local{
		cfg:          cfg,
		endpoints:    endpoints,
		cache:        ttlcache.New(ttlcache.WithTTL[string, string](cfg.CacheTTL)),
		healthClient: &http.Client{Timeout: cfg.HealthTimeout},
		callClient:   &http.Client{Timeout: cfg.CallTimeout},
		logger:       logger,
	}
}

func (l *Local) Name() string { return "local" }

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// healthy reports whether the endpoint is reachable and serves the
// configured model.
func (l *Local) healthy(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/tags", http.NoBody)
	if err != nil {
		return false
	}
	resp, err := l.healthClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var tags tagsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if strings.TrimSpace(m.Name) == l.cfg.Model {
			return true
		}
	}
	return false
}

// firstHealthy probes endpoints in order starting at startIdx.
func (l *Local) firstHealthy(ctx context.Context, startIdx int) (string, int) {
	for i := startIdx; i < len(l.endpoints); i++ {
		if l.healthy(ctx, l.endpoints[i]) {
			return l.endpoints[i], i
		}
	}
	return "", -1
}

func (l *Local) indexOf(endpoint string) int {
	for i, e := range l.endpoints {
		if e == endpoint {
			return i
		}
	}
	return -1
}

type generateRequest struct {
	Model   string          `json:"model"`
	Stream  bool            `json:"stream"`
	Format  json.RawMessage `json:"format,omitempty"`
	Prompt  string          `json:"prompt"`
	Options map[string]any  `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate selects an endpoint (cached when fresh), issues the structured
// generation call, and on failure retries once against the next healthy
// endpoint in order. Anything beyond that single retry fails with
// ErrAllEndpointsExhausted.
func (l *Local) Generate(ctx context.Context, req *Request) (json.RawMessage, *Meta, error) {
	if len(l.endpoints) == 0 {
		return nil, nil, fmt.Errorf("%w: no endpoints configured", ErrAllEndpointsExhausted)
	}

	selected, selectedIdx := "", -1
	if item := l.cache.Get(endpointCacheKey); item != nil {
		if idx := l.indexOf(item.Value()); idx >= 0 {
			selected, selectedIdx = item.Value(), idx
		}
	}
	if selected == "" {
		selected, selectedIdx = l.firstHealthy(ctx, 0)
		if selected == "" {
			return nil, nil, fmt.Errorf("%w: no healthy endpoint among %s",
				ErrAllEndpointsExhausted, strings.Join(l.endpoints, ", "))
		}
		l.cache.Set(endpointCacheKey, selected, ttlcache.DefaultTTL)
	}

	prompt, err := userPayload(req)
	if err != nil {
		return nil, nil, fmt.Errorf("build prompt: %w", err)
	}
	body := generateRequest{
		Model:   l.cfg.Model,
		Stream:  false,
		Format:  req.Schema,
		Prompt:  prompt,
		Options: map[string]any{"temperature": 0.2},
	}

	meta := &Meta{Backend: "local", Endpoint: selected, Model: l.cfg.Model}
	raw, callErr := l.call(ctx, selected, body)
	if callErr != nil {
		l.logger.Warn(ctx, "generation endpoint failed, attempting failover",
			"endpoint", selected, "error", callErr.Error())
		next, _ := l.firstHealthy(ctx, selectedIdx+1)
		if next == "" {
			return nil, meta, fmt.Errorf("%w: %s failed (%v), no healthy alternate",
				ErrAllEndpointsExhausted, selected, callErr)
		}
		l.cache.Set(endpointCacheKey, next, ttlcache.DefaultTTL)
		meta.Endpoint = next
		meta.Failovers = 1
		raw, err = l.call(ctx, next, body)
		if err != nil {
			return nil, meta, fmt.Errorf("%w: %s failed (%v), retry on %s failed (%v)",
				ErrAllEndpointsExhausted, selected, callErr, next, err)
		}
	}
	return raw, meta, nil
}

func (l *Local) call(ctx context.Context, endpoint string, body generateRequest) (json.RawMessage, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/generate", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.callClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Response == "" {
		return nil, fmt.Errorf("empty generation response")
	}
	return json.RawMessage(out.Response), nil
}
