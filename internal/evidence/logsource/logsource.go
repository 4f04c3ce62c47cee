// Package logsource queries a Loki-compatible log backend and plans the
// bounded query set an incident triage run executes against it.
package logsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	defaultLimit = 100
	maxLimit     = 500
	maxRange     = 6 * time.Hour
)

// Client queries a Loki-compatible endpoint over its query_range API.
type Client struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewClient creates a log backend client for the given endpoint and tenant ID.
func NewClient(endpoint, tenantID string) *Client {
	return &Client{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Query is one bounded LogQL query against the backend.
type Query struct {
	Name  string
	Expr  string
	Start time.Time
	End   time.Time
	Limit int
}

// Line is a single returned log line. Labels are carried on the first line
// of each stream only.
type Line struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Result is the flattened outcome of one query.
type Result struct {
	Name        string
	Expr        string
	StreamCount int
	Lines       []Line
	Truncated   bool
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

const successStatus = "success"

// Run executes the query and flattens the streamed response. The time range
// is capped at six hours measured back from the end.
func (c *Client) Run(ctx context.Context, q Query) (*Result, error) {
	if q.Expr == "" {
		return nil, fmt.Errorf("query expression is required")
	}
	end := q.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start := q.Start
	if start.IsZero() || end.Sub(start) > maxRange {
		start = end.Add(-maxRange)
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	vals := u.Query()
	vals.Set("query", q.Expr)
	vals.Set("start", start.Format(time.RFC3339Nano))
	vals.Set("end", end.Format(time.RFC3339Nano))
	vals.Set("limit", fmt.Sprintf("%d", limit))
	vals.Set("direction", "backward")
	u.RawQuery = vals.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", c.tenantID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("log query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20)) // 5 MB
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("log backend returned %d: %s", resp.StatusCode, string(body))
	}

	var lokiResp lokiResponse
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if lokiResp.Status != successStatus {
		return nil, fmt.Errorf("log query failed: %s", string(body))
	}

	lines := flattenStreams(lokiResp.Data.Result, limit)
	return &Result{
		Name:        q.Name,
		Expr:        q.Expr,
		StreamCount: len(lokiResp.Data.Result),
		Lines:       lines,
		Truncated:   len(lines) >= limit,
	}, nil
}

func flattenStreams(results []lokiStream, limit int) []Line {
	lines := make([]Line, 0, limit)
	for _, stream := range results {
		includeLabels := true
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			ll := Line{Timestamp: entry[0], Line: entry[1]}
			if includeLabels {
				ll.Labels = stream.Stream
				includeLabels = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}

// Template is one entry in the query library. The expression may reference
// {service}, {env} and {correlation_id}; templates that need a correlation
// id are skipped when the incident has none.
type Template struct {
	Name               string
	Expr               string
	NeedsCorrelationID bool
	Limit              int
}

// Library holds the base query templates plus per-alarm overrides. An alarm
// with an override entry uses that list instead of the base set.
type Library struct {
	Base      []Template
	ByAlarmID map[string][]Template
}

// DefaultLibrary returns the built-in query set: recent errors, warnings and
// a correlation-id trail for the affected service.
func DefaultLibrary() *Library {
	return &Library{
		Base: []Template{
			{Name: "service_errors", Expr: `{service="{service}",env="{env}"} |= "error"`},
			{Name: "service_warnings", Expr: `{service="{service}",env="{env}"} |= "warn"`, Limit: 50},
			{Name: "correlation_trail", Expr: `{service="{service}",env="{env}"} |= "{correlation_id}"`, NeedsCorrelationID: true},
		},
		ByAlarmID: map[string][]Template{},
	}
}

// Plan expands the library into concrete queries for one incident, capped at
// max queries. The correlation-id template narrows the trail when the
// incident carries an id.
func (l *Library) Plan(alarmID, service, env, correlationID string, start, end time.Time, max int) []Query {
	templates := l.Base
	if override, ok := l.ByAlarmID[alarmID]; ok {
		templates = override
	}

	repl := strings.NewReplacer(
		"{service}", service,
		"{env}", env,
		"{correlation_id}", correlationID,
	)

	queries := make([]Query, 0, max)
	for _, t := range templates {
		if len(queries) >= max {
			break
		}
		if t.NeedsCorrelationID && correlationID == "" {
			continue
		}
		queries = append(queries, Query{
			Name:  t.Name,
			Expr:  repl.Replace(t.Expr),
			Start: start,
			End:   end,
			Limit: t.Limit,
		})
	}
	return queries
}

// Source pairs a query library with a backend client so one value both plans
// and runs the correlator's log queries.
type Source struct {
	*Library
	*Client
}

// NewSource combines a client and a library.
func NewSource(client *Client, library *Library) *Source {
	return &Source{Library: library, Client: client}
}
