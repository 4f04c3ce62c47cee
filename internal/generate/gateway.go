package generate

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/report"
)

// Gateway wraps a backend with the call timeout and strict decoding of the
// response into the report payload schema. Structural failures surface as
// report.ErrSchema so the pipeline treats them like any generation failure.
type Gateway struct {
	backend Backend
	timeout time.Duration
	logger  log.Logger
}

// NewGateway wraps the chosen backend.
func NewGateway(backend Backend, timeout time.Duration, logger log.Logger) *Gateway {
	return &Gateway{backend: backend, timeout: timeout, logger: logger}
}

// Backend reports the wrapped backend family name.
func (g *Gateway) Backend() string { return g.backend.Name() }

// Generate runs one generation call and decodes the structured payload.
// Meta is returned even on failure when the backend produced one, so the
// run record can name the endpoint that failed.
func (g *Gateway) Generate(ctx context.Context, req *Request) (*report.Payload, *Meta, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	started := time.Now()
	raw, meta, err := g.backend.Generate(ctx, req)
	if meta == nil {
		meta = &Meta{Backend: g.backend.Name()}
	}
	if err != nil {
		return nil, meta, err
	}

	payload, err := report.Decode(raw)
	if err != nil {
		g.logger.Warn(ctx, "generation output failed schema decode",
			"backend", meta.Backend, "endpoint", meta.Endpoint, "error", err.Error())
		return nil, meta, err
	}

	g.logger.Info(ctx, "generation complete",
		"backend", meta.Backend,
		"endpoint", meta.Endpoint,
		"model", meta.Model,
		"failovers", meta.Failovers,
		"mode", string(payload.Mode),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return payload, meta, nil
}
