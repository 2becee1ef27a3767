package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/circuitbreaker"
	"github.com/lalithlochan/remindr/internal/db"
	"github.com/lalithlochan/remindr/internal/mail"
	"github.com/lalithlochan/remindr/internal/metrics"
	"github.com/lalithlochan/remindr/internal/templates"
)

// Store is the part of the job store the dispatcher uses
type Store interface {
	ClaimDue(ctx context.Context, limit int, workerID string, now time.Time) ([]*db.Job, error)
	Complete(ctx context.Context, id uuid.UUID, workerID string, outcome db.Outcome, now time.Time) (*db.Job, error)
}

// RenderFunc produces message content for a job
type RenderFunc func(kind db.Kind, snap db.Snapshot) (*templates.Rendered, error)

// FailureReporter is told about every job that ends in failed
type FailureReporter interface {
	ReportFailure(ctx context.Context, job *db.Job) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// Concurrency is how many jobs of a batch are processed at once
	Concurrency int
	// SendTimeout bounds one render, send and complete cycle
	SendTimeout time.Duration
	// ClaimTimeout must match the store's. A job is only sent while its claim
	// outlives the send.
	ClaimTimeout time.Duration
	// WorkerID identifies this instance in claimed_by. Generated when empty.
	WorkerID string
	// RetryDelays is the wait after the nth failed attempt. The last entry
	// repeats.
	RetryDelays []time.Duration
	// ReleaseDelay is how long a job waits when the transport circuit is open
	ReleaseDelay time.Duration
}

// DefaultRetryDelays is used when Config.RetryDelays is empty
var DefaultRetryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// Dispatcher polls the job store, claims due jobs and delivers them. Any
// number of dispatchers may share a store; the claim keeps them apart.
type Dispatcher struct {
	store     Store
	transport mail.Transport
	render    RenderFunc
	reporter  FailureReporter
	config    Config
	logger    *zap.Logger
	pool      *ants.Pool
	now       func() time.Time
}

func New(store Store, transport mail.Transport, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = db.DefaultClaimTimeout
	}
	if batchDuration(cfg) >= cfg.ClaimTimeout {
		return nil, fmt.Errorf("batch of %d at concurrency %d can take %v, which is not within the %v claim timeout",
			cfg.BatchSize, cfg.Concurrency, batchDuration(cfg), cfg.ClaimTimeout)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = 30 * time.Second
	}

	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Dispatcher{
		store:     store,
		transport: transport,
		render:    templates.Render,
		config:    cfg,
		logger:    logger.With(zap.String("worker_id", cfg.WorkerID)),
		pool:      pool,
		now:       time.Now,
	}, nil
}

// SetFailureReporter registers where exhausted jobs are reported
func (d *Dispatcher) SetFailureReporter(r FailureReporter) {
	d.reporter = r
}

// WorkerID returns the identity written to claimed_by
func (d *Dispatcher) WorkerID() string {
	return d.config.WorkerID
}

// Close releases the worker pool. Start calls it on return.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

// Start polls until ctx is cancelled. The first poll runs immediately. A
// batch already claimed when ctx is cancelled is finished before Start
// returns.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	defer d.Close()

	d.logger.Info("dispatcher started",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Int("batch_size", d.config.BatchSize),
		zap.Int("concurrency", d.config.Concurrency),
	)

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and processes it. It returns the number of jobs
// claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	jobs, err := d.store.ClaimDue(ctx, d.config.BatchSize, d.config.WorkerID, d.now())
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}
	metrics.RecordJobsClaimed(len(jobs))
	if len(jobs) == 0 {
		return 0, nil
	}

	d.logger.Debug("claimed jobs", zap.Int("count", len(jobs)))

	// Claimed jobs are finished even if shutdown starts mid-batch
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		if err := d.pool.Submit(func() {
			defer wg.Done()
			d.processJob(jobCtx, job)
		}); err != nil {
			d.logger.Warn("worker pool rejected job, processing inline",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
			d.processJob(jobCtx, job)
			wg.Done()
		}
	}
	wg.Wait()

	return len(jobs), nil
}

// processJob renders, sends and completes one job. It never panics and
// never returns an error; every outcome is recorded on the job.
func (d *Dispatcher) processJob(ctx context.Context, job *db.Job) {
	ctx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	log := d.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.String("registration_id", job.RegistrationID),
	)

	if !d.claimOutlivesSend(job) {
		d.releaseExpiring(ctx, job, log)
		return
	}

	if job.AttemptCount >= d.config.MaxAttempts {
		// Earlier claims expired without completing
		log.Error("attempts exhausted by abandoned claims, failing job", zap.Int("attempts", job.AttemptCount))
		d.complete(ctx, job, db.Outcome{Kind: db.OutcomePermanent, Error: "attempts exhausted by expired claims"}, log)
		return
	}

	outcome := d.deliver(ctx, job, log)
	d.complete(ctx, job, outcome, log)
}

// batchDuration is the longest a claimed batch can take to process
func batchDuration(cfg Config) time.Duration {
	rounds := (cfg.BatchSize + cfg.Concurrency - 1) / cfg.Concurrency
	return time.Duration(rounds) * cfg.SendTimeout
}

// claimOutlivesSend reports whether the job's claim stays live until a send
// started now has timed out
func (d *Dispatcher) claimOutlivesSend(job *db.Job) bool {
	if job.ClaimedAt == nil {
		return true
	}
	held := d.now().Sub(*job.ClaimedAt)
	return held+d.config.SendTimeout < d.config.ClaimTimeout
}

// releaseExpiring hands a job back without sending it, so no other worker
// can reclaim it while a send is in flight
func (d *Dispatcher) releaseExpiring(ctx context.Context, job *db.Job, log *zap.Logger) {
	log.Warn("claim too close to expiry, releasing job unsent",
		zap.Time("claimed_at", *job.ClaimedAt),
		zap.Duration("claim_timeout", d.config.ClaimTimeout),
	)

	_, err := d.store.Complete(ctx, job.ID, d.config.WorkerID, db.Outcome{
		Kind:    db.OutcomeRelease,
		Error:   "claim expired before send",
		RetryAt: d.now(),
	}, d.now())
	switch {
	case errors.Is(err, db.ErrClaimConflict):
		// Already reclaimed elsewhere; nothing was sent here
		log.Warn("expiring job was reclaimed by another worker")
	case err != nil:
		log.Error("failed to release expiring job", zap.Error(err))
	default:
		metrics.RecordJobCompleted("released", string(job.Kind))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job *db.Job, log *zap.Logger) (outcome db.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = d.retryOutcome(job, fmt.Sprintf("panic: %v", r))
		}
	}()

	rendered, err := d.render(job.Kind, job.Snapshot)
	if err != nil {
		log.Error("template error, failing job", zap.Error(err))
		return db.Outcome{Kind: db.OutcomePermanent, Error: err.Error()}
	}

	msg := mail.Message{
		To:      job.Snapshot.RecipientEmail,
		ToName:  job.Snapshot.RecipientName,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}

	start := d.now()
	err = d.transport.Send(ctx, msg)
	metrics.RecordSend(err == nil, d.now().Sub(start))

	switch {
	case err == nil:
		return db.Outcome{Kind: db.OutcomeSent}
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		log.Warn("transport circuit open, releasing job", zap.Error(err))
		return db.Outcome{
			Kind:    db.OutcomeRelease,
			Error:   err.Error(),
			RetryAt: d.now().Add(d.config.ReleaseDelay),
		}
	default:
		log.Warn("send failed",
			zap.Error(err),
			zap.Int("attempt", job.AttemptCount+1),
			zap.Int("max_attempts", d.config.MaxAttempts),
		)
		return d.retryOutcome(job, err.Error())
	}
}

func (d *Dispatcher) retryOutcome(job *db.Job, msg string) db.Outcome {
	return db.Outcome{
		Kind:        db.OutcomeRetry,
		Error:       msg,
		MaxAttempts: d.config.MaxAttempts,
		RetryAt:     d.calculateNextRetry(job.AttemptCount + 1),
	}
}

func (d *Dispatcher) complete(ctx context.Context, job *db.Job, outcome db.Outcome, log *zap.Logger) {
	now := d.now()
	done, err := d.store.Complete(ctx, job.ID, d.config.WorkerID, outcome, now)
	if errors.Is(err, db.ErrClaimConflict) {
		metrics.RecordClaimConflict()
		log.Error("CRITICAL: claim conflict on completion, job was not owned by this worker",
			zap.String("outcome", outcome.Kind.String()),
		)
		return
	}
	if err != nil {
		// The claim expires and another poll picks the job up again
		log.Error("failed to complete job", zap.Error(err), zap.String("outcome", outcome.Kind.String()))
		return
	}

	kind := string(done.Kind)
	switch done.Status {
	case db.StatusSent:
		metrics.RecordJobCompleted("sent", kind)
		metrics.RecordDeliveryDelay(kind, now.Sub(job.ScheduledAt))
		log.Info("notification sent", zap.Int("attempts", done.AttemptCount))

	case db.StatusPending:
		if outcome.Kind == db.OutcomeRelease {
			metrics.RecordJobCompleted("released", kind)
		} else {
			metrics.RecordJobCompleted("retry", kind)
		}
		log.Info("job rescheduled",
			zap.Int("attempts", done.AttemptCount),
			zap.Time("next_attempt", done.ScheduledAt),
		)

	case db.StatusFailed:
		if outcome.Kind == db.OutcomePermanent {
			metrics.RecordJobCompleted("template_error", kind)
		} else {
			metrics.RecordJobCompleted("failed", kind)
		}
		log.Error("notification failed permanently",
			zap.Int("attempts", done.AttemptCount),
			zap.String("last_error", outcome.Error),
			zap.String("recipient_user_id", done.RecipientUserID),
		)
		if d.reporter != nil {
			if err := d.reporter.ReportFailure(ctx, done); err != nil {
				log.Error("failed to report failed job", zap.Error(err))
			}
		}
	}
}

// calculateNextRetry returns when attempt n+1 may run after attempt n failed
func (d *Dispatcher) calculateNextRetry(attempt int) time.Time {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(d.config.RetryDelays) {
		idx = len(d.config.RetryDelays) - 1
	}
	return d.now().Add(d.config.RetryDelays[idx])
}
