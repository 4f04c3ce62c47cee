package triage

import (
	"context"
	"sync"
)

// Runner dispatches triage jobs to a fixed-size worker pool. The queue is an
// in-process channel; at-least-once delivery comes from the startup requeue
// of unfinished incidents, with the dedup upsert staying authoritative under
// redelivery. At most one job per incident is queued or running at a time.
type Runner struct {
	svc  *Service
	jobs chan string

	mu       sync.Mutex
	inflight map[string]struct{}

	workers int
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func newRunner(svc *Service, workers, capacity int) *Runner {
	return &Runner{
		svc:      svc,
		jobs:     make(chan string, capacity),
		inflight: make(map[string]struct{}),
		workers:  workers,
	}
}

// Start requeues unfinished incidents and launches the workers. Workers stop
// when Stop is called; a queued job survives until a worker picks it up.
func (r *Runner) Start(ctx context.Context) error {
	ids, err := r.svc.store.ListUnfinished(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(runCtx)
	}

	for _, id := range ids {
		r.Enqueue(ctx, id)
	}
	if len(ids) > 0 {
		r.svc.logger.Info(ctx, "requeued unfinished incidents", "count", len(ids))
	}
	return nil
}

// Stop cancels the workers and waits for in-flight jobs, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules one job for the incident unless one is already queued or
// running. A full queue drops the job with a warning; the startup requeue
// recovers dropped incidents.
func (r *Runner) Enqueue(ctx context.Context, id string) bool {
	r.mu.Lock()
	if _, dup := r.inflight[id]; dup {
		r.mu.Unlock()
		return false
	}
	r.inflight[id] = struct{}{}
	r.mu.Unlock()

	select {
	case r.jobs <- id:
		r.svc.metrics.QueueDepth.Set(float64(len(r.jobs)))
		return true
	default:
		r.release(id)
		r.svc.logger.Warn(ctx, "triage queue full, dropping job", "incident_id", id)
		return false
	}
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.jobs:
			r.svc.metrics.QueueDepth.Set(float64(len(r.jobs)))
			r.svc.runTriage(ctx, id)
			r.release(id)
		}
	}
}
