package triage

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/linnemanlabs/inquest/internal/generate"
	"github.com/linnemanlabs/inquest/internal/incident"
	"github.com/linnemanlabs/inquest/internal/report"
)

// RetryPolicy bounds the whole-job retry loop. Each retry re-runs evidence
// collection and generation from scratch; artifacts from a failed attempt are
// never reused.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	Jitter      bool
}

// Delay returns the backoff before the given retry (attempt is 1-based: the
// delay before attempt 2 is Delay(1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase << (attempt - 1)
	if p.Jitter {
		d += time.Duration(rand.Int64N(int64(p.BackoffBase)))
	}
	return d
}

// Transient reports whether an attempt failure is worth retrying. Endpoint
// exhaustion, schema-invalid output, timeouts and network errors are
// transient; lifecycle conflicts are not, since another writer owns the
// incident now.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, incident.ErrVersionConflict),
		errors.Is(err, incident.ErrInvalidTransition),
		errors.Is(err, incident.ErrNotFound):
		return false
	case errors.Is(err, generate.ErrAllEndpointsExhausted),
		errors.Is(err, report.ErrSchema),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified errors get the retry budget rather than an instant
	// terminal failure.
	return true
}
