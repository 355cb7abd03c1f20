// Package runner implements the per-job execution loop: dequeue, validate,
// drive every URL through the browser executor with classifier-governed
// retries, and hand the aggregate to the finalizer.
package runner

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
	"github.com/selextract/scrape-engine/internal/metrics"
	"github.com/selextract/scrape-engine/internal/taskconfig"
)

// Finalizer persists the aggregated result and applies the compute-unit
// debit atomically with the terminal status transition.
type Finalizer interface {
	Finalize(ctx context.Context, job engine.Job, cfg engine.JobConfig, attempts []engine.ExecutionAttempt, status engine.JobStatus, errText string, startedAt time.Time) error
}

// Runner consumes queue messages and executes jobs one at a time.
type Runner struct {
	queue      engine.Queue
	store      engine.JobStore
	executor   engine.Executor
	pool       engine.ProxyPool
	classifier *engine.Classifier
	finalizer  Finalizer
	clock      engine.Clock
	logger     *zap.Logger
}

// New constructs a Runner.
func New(
	queue engine.Queue,
	store engine.JobStore,
	executor engine.Executor,
	pool engine.ProxyPool,
	classifier *engine.Classifier,
	finalizer Finalizer,
	clock engine.Clock,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		queue:      queue,
		store:      store,
		executor:   executor,
		pool:       pool,
		classifier: classifier,
		finalizer:  finalizer,
		clock:      clock,
		logger:     logger,
	}
}

// Run blocks, consuming queue messages until the context finishes.
func (r *Runner) Run(ctx context.Context) {
	for {
		msg, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		r.logger.Debug("dequeued job", zap.String("job_id", msg.JobID))
		r.processJob(ctx, msg)
	}
}

func (r *Runner) processJob(ctx context.Context, msg engine.TaskMessage) {
	job, err := r.store.GetJob(ctx, msg.JobID)
	if err != nil {
		r.logger.Error("load job failed", zap.String("job_id", msg.JobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		// Redelivered message for a finished job; finalize already ran.
		r.logger.Info("skipping redelivered terminal job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)
		return
	}

	startedAt := r.clock.Now()
	if err := r.store.MarkRunning(ctx, job.ID, startedAt); err != nil {
		r.logger.Error("mark job running failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	cfg, err := taskconfig.Validate(msg.JobType, msg.Config)
	if err != nil {
		// User input errors are not transient: no retry, no browser work,
		// and the accountant charges nothing.
		r.finalize(ctx, job, engine.JobConfig{}, nil, engine.JobStatusFailed, err.Error(), startedAt)
		return
	}

	attempts, cancelled := r.runURLs(ctx, job.ID, cfg)
	status, errText := deriveFinalStatus(attempts, cancelled)
	r.finalize(ctx, job, cfg, attempts, status, errText, startedAt)
}

// runURLs drives every URL with bounded intra-job concurrency. The returned
// slice preserves the input URL order regardless of completion order.
func (r *Runner) runURLs(ctx context.Context, jobID string, cfg engine.JobConfig) ([]engine.ExecutionAttempt, bool) {
	slots := make([]*engine.ExecutionAttempt, len(cfg.URLs))
	sem := make(chan struct{}, cfg.Concurrency())
	var wg sync.WaitGroup
	cancelled := false

	for i, url := range cfg.URLs {
		// Cancellation is cooperative: checked between URLs so the in-flight
		// attempt always finishes its current step and CLEANUP runs.
		if r.isCancelled(ctx, jobID) {
			cancelled = true
			break
		}
		if i > 0 && cfg.RequestDelay > 0 && !sleepCtx(ctx, jitterDelay(cfg)) {
			cancelled = true
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, target string) {
			defer wg.Done()
			defer func() { <-sem }()
			attempt := r.runURL(ctx, target, cfg)
			slots[idx] = &attempt
		}(i, url)
	}
	wg.Wait()

	attempts := make([]engine.ExecutionAttempt, 0, len(slots))
	for _, a := range slots {
		if a != nil {
			attempts = append(attempts, *a)
		}
	}
	return attempts, cancelled || ctx.Err() != nil
}

// runURL is the per-URL attempt loop. Each retry requests a fresh proxy
// lease; a proxy failure is reported to the pool before the next lease so
// the same degraded endpoint cannot be handed back.
func (r *Runner) runURL(ctx context.Context, url string, cfg engine.JobConfig) engine.ExecutionAttempt {
	maxAttempts := cfg.MaxRetries + 1

	var last engine.ExecutionAttempt
	for attemptNo := 1; ; attemptNo++ {
		proxy := r.leaseProxy(ctx)

		var err error
		if proxy == nil && cfg.ProxyRequired {
			err = engine.NewError(engine.KindProxy, "no healthy proxies available")
			last = engine.ExecutionAttempt{
				URL:   url,
				Error: engine.UserMessage(err),
				Kind:  engine.KindProxy,
			}
		} else {
			last, err = r.executor.Execute(ctx, url, cfg, proxy)
		}
		last.Attempts = attemptNo

		if err == nil {
			if proxy != nil {
				r.pool.ReportOutcome(proxy, true)
			}
			metrics.ObserveAttempt("success", last.Elapsed)
			return last
		}
		if proxy != nil && engine.KindOf(err) == engine.KindProxy {
			r.pool.ReportOutcome(proxy, false)
		}
		metrics.ObserveAttempt(string(engine.KindOf(err)), last.Elapsed)

		// Shutdown ends the loop even for retryable kinds; the classifier
		// only sees the failure, not the worker context.
		decision := r.classifier.Classify(err, attemptNo, maxAttempts)
		if !decision.Retry || ctx.Err() != nil {
			return last
		}
		r.logger.Warn("retrying url",
			zap.String("url", url),
			zap.Int("attempt", attemptNo),
			zap.String("reason", string(decision.Reason)),
			zap.Duration("backoff", decision.Delay),
		)
		if !sleepCtx(ctx, decision.Delay) {
			return last
		}
	}
}

func (r *Runner) leaseProxy(ctx context.Context) *engine.Proxy {
	if r.pool == nil {
		return nil
	}
	proxy, err := r.pool.Lease(ctx)
	if err != nil {
		r.logger.Warn("proxy lease failed, continuing direct", zap.Error(err))
		return nil
	}
	return proxy
}

func (r *Runner) isCancelled(ctx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	cancelled, err := r.store.IsCancelled(ctx, jobID)
	if err != nil {
		r.logger.Warn("cancellation check failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return cancelled
}

func (r *Runner) finalize(
	ctx context.Context,
	job engine.Job,
	cfg engine.JobConfig,
	attempts []engine.ExecutionAttempt,
	status engine.JobStatus,
	errText string,
	startedAt time.Time,
) {
	// Finalize runs on a fresh context: a worker shutdown must not abort the
	// status transition mid-flight.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := r.finalizer.Finalize(finCtx, job, cfg, attempts, status, errText, startedAt); err != nil {
		// A job whose results cannot be persisted must not look completed.
		// The at-least-once queue redelivers and the idempotent finalize
		// path picks it up.
		r.logger.Error("finalize failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveJob(string(status))
	r.logger.Info("job finalized",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int("attempts", len(attempts)),
	)
}

// deriveFinalStatus applies the terminal-status policy: partial success is
// success at the job level, cancellation wins over everything, and a job
// fails only when every URL permanently failed.
func deriveFinalStatus(attempts []engine.ExecutionAttempt, cancelled bool) (engine.JobStatus, string) {
	if cancelled {
		return engine.JobStatusCancelled, "job cancelled"
	}
	succeeded := 0
	firstErr := ""
	for _, a := range attempts {
		if a.Success {
			succeeded++
		} else if firstErr == "" {
			firstErr = a.Error
		}
	}
	if succeeded > 0 {
		return engine.JobStatusCompleted, ""
	}
	if firstErr == "" {
		firstErr = "no urls were processed"
	}
	return engine.JobStatusFailed, firstErr
}

// jitterDelay spaces URL launches inside one job: the configured base delay
// plus a uniform random addition up to MaxRandomDelay.
func jitterDelay(cfg engine.JobConfig) time.Duration {
	d := cfg.RequestDelay
	if cfg.MaxRandomDelay > 0 {
		d += rand.N(cfg.MaxRandomDelay + 1)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
