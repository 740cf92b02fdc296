package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler runs one durable job with its JSON payload.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner drains due jobs from a JobRepo. Session end deadlines are its main
// workload: the in-process timer usually wins, and the job finishes whatever a
// restart or crash left behind.
type JobRunner struct {
	repo JobRepo
	opts JobRunnerOpts

	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// JobRunnerOpts tunes a JobRunner.
type JobRunnerOpts struct {
	PollInterval   time.Duration
	StaleAfter     time.Duration
	BatchSize      int
	RetryBase      time.Duration
	RetryCap       time.Duration
	UnknownKindLag time.Duration
	Clock          func() time.Time
}

// JobRunnerOption mutates JobRunnerOpts.
type JobRunnerOption func(*JobRunnerOpts)

// WithJobClock overrides the clock used for due times and retry schedules.
func WithJobClock(clock func() time.Time) JobRunnerOption {
	return func(o *JobRunnerOpts) { o.Clock = clock }
}

// WithRetryBackoff sets the first retry delay and its ceiling.
func WithRetryBackoff(base, ceiling time.Duration) JobRunnerOption {
	return func(o *JobRunnerOpts) {
		o.RetryBase = base
		o.RetryCap = ceiling
	}
}

// NewJobRunner builds a runner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	o := JobRunnerOpts{
		PollInterval:   pollInterval,
		StaleAfter:     5 * time.Minute,
		BatchSize:      10,
		RetryBase:      30 * time.Second,
		RetryCap:       10 * time.Minute,
		UnknownKindLag: time.Minute,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	return &JobRunner{repo: repo, opts: o, handlers: make(map[string]JobHandler)}
}

// RegisterHandler binds kind to handler, replacing any earlier binding.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	r.handlers[kind] = handler
	r.mu.Unlock()
	slog.Debug("JobRunner.RegisterHandler: bound", "kind", kind)
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs puts jobs claimed by a dead process back in the queue.
// Call it once before Run.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.opts.Clock().Add(-r.opts.StaleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued jobs from a previous run", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled. The first poll happens immediately so
// deadlines that expired while the process was down fire at startup.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: started", "pollInterval", r.opts.PollInterval, "batchSize", r.opts.BatchSize)
	r.Poll(ctx)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopped")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims one batch of due jobs and runs them in order.
func (r *JobRunner) Poll(ctx context.Context) {
	now := r.opts.Clock()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.opts.BatchSize)
	if err != nil {
		slog.Error("JobRunner.Poll: claim failed", "error", err)
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		r.dispatch(ctx, job, now)
	}
}

func (r *JobRunner) dispatch(ctx context.Context, job Job, now time.Time) {
	h, ok := r.handler(job.Kind)
	if !ok {
		slog.Warn("JobRunner.dispatch: unbound kind", "kind", job.Kind, "jobID", job.ID)
		r.retry(ctx, job, "no handler bound for kind "+job.Kind, now.Add(r.opts.UnknownKindLag))
		return
	}

	if err := h(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.dispatch: handler failed", "kind", job.Kind, "jobID", job.ID, "attempt", job.Attempt, "error", err)
		r.retry(ctx, job, err.Error(), now.Add(r.backoff(job.Attempt)))
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.dispatch: mark done failed", "jobID", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.dispatch: done", "kind", job.Kind, "jobID", job.ID)
}

func (r *JobRunner) retry(ctx context.Context, job Job, reason string, at time.Time) {
	if err := r.repo.FailJob(ctx, job.ID, reason, at); err != nil {
		slog.Error("JobRunner.retry: record failure failed", "jobID", job.ID, "error", err)
	}
}

// backoff doubles RetryBase per prior attempt, capped at RetryCap.
func (r *JobRunner) backoff(attempt int) time.Duration {
	d := r.opts.RetryBase
	for i := 0; i < attempt && d < r.opts.RetryCap; i++ {
		d *= 2
	}
	if r.opts.RetryCap > 0 && d > r.opts.RetryCap {
		d = r.opts.RetryCap
	}
	return d
}
