package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/db"
	"github.com/karimbenali/billetcore/internal/metrics"
	"github.com/karimbenali/billetcore/internal/queue"
)

// ReconcileStore is the persistence surface the reconciler needs.
type ReconcileStore interface {
	ReconcileBatch(ctx context.Context, correlationKey uuid.UUID, results []db.TicketResult) (*db.ReconcileOutcome, error)
	RenderedTicketsForJob(ctx context.Context, jobID uuid.UUID) ([]*db.Ticket, error)
}

// Notifier dispatches the completion notification once a job finishes with
// every ticket rendered.
type Notifier interface {
	NotifyGenerationComplete(ctx context.Context, job *db.GenerationJob, tickets []*db.Ticket) error
}

// Subscriber is the queue surface the reconciler consumes from.
type Subscriber interface {
	Subscribe(queue string, handler queue.Handler, opts queue.SubscribeOptions) *queue.Worker
}

// ReconcilerConfig binds the reconciler to its result queue.
type ReconcilerConfig struct {
	ResultQueue string
	Concurrency int
}

// Reconciler consumes renderer responses and folds them into the job rows.
// Responses arrive at-least-once and in any order; the store's guards make
// every apply idempotent.
type Reconciler struct {
	store    ReconcileStore
	queues   Subscriber
	notifier Notifier
	cfg      ReconcilerConfig
	logger   *zap.Logger

	worker *queue.Worker
}

// NewReconciler wires a result-queue reconciler.
func NewReconciler(store ReconcileStore, queues Subscriber, notifier Notifier, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Reconciler{store: store, queues: queues, notifier: notifier, cfg: cfg, logger: logger}
}

// Start subscribes to the result queue.
func (r *Reconciler) Start() {
	r.worker = r.queues.Subscribe(r.cfg.ResultQueue, r.Handle, queue.SubscribeOptions{
		Concurrency: r.cfg.Concurrency,
	})
}

// Stop drains in-flight reconciliations.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.worker == nil {
		return nil
	}
	return r.worker.Stop(ctx)
}

// Handle applies one renderer response. Returning an error hands the message
// back to the retry policy; malformed messages keep failing until they
// dead-letter, where an operator can inspect them.
func (r *Reconciler) Handle(ctx context.Context, qj *queue.Job) (any, error) {
	var msg ResultMessage
	if err := json.Unmarshal(qj.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode result message: %w", err)
	}
	if err := CheckSchemaVersion(msg.SchemaVersion); err != nil {
		return nil, err
	}
	if msg.CorrelationKey == uuid.Nil {
		return nil, fmt.Errorf("result message carries no correlation_key")
	}

	outcome, err := r.store.ReconcileBatch(ctx, msg.CorrelationKey, msg.Results)
	if err != nil {
		return nil, err
	}

	switch {
	case outcome.Dropped == "unknown_correlation":
		metrics.RecordResultReconciled("orphan")
		r.logger.Warn("dropping result for unknown correlation key",
			zap.String("correlation_key", msg.CorrelationKey.String()),
			zap.Int("batch_index", msg.BatchIndex),
		)
		return map[string]string{"dropped": outcome.Dropped}, nil
	case outcome.Dropped == "terminal":
		metrics.RecordResultReconciled("terminal")
		r.logger.Info("dropping result for terminal job",
			zap.String("job_id", outcome.Job.ID.String()),
			zap.String("state", outcome.Job.State),
		)
		return map[string]string{"dropped": outcome.Dropped}, nil
	case outcome.Applied == 0:
		metrics.RecordResultReconciled("replayed")
	default:
		metrics.RecordResultReconciled("applied")
	}

	job := outcome.Job
	r.logger.Info("batch result reconciled",
		zap.String("job_id", job.ID.String()),
		zap.Int("batch_index", msg.BatchIndex),
		zap.Int("applied", outcome.Applied),
		zap.Int("progress", job.Progress),
		zap.Int("requested_count", job.RequestedCount),
	)

	if outcome.JustFailed {
		metrics.RecordJobFinished(job.State)
	}
	if outcome.JustCompleted {
		metrics.RecordJobFinished(job.State)
		// The job row committed already; a notification failure must not
		// push the message back into retry and re-apply the batch.
		r.notifyCompletion(ctx, job)
	}

	return map[string]any{"applied": outcome.Applied, "state": job.State}, nil
}

func (r *Reconciler) notifyCompletion(ctx context.Context, job *db.GenerationJob) {
	tickets, err := r.store.RenderedTicketsForJob(ctx, job.ID)
	if err != nil {
		r.logger.Error("loading rendered tickets for completion notification",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}

	if err := r.notifier.NotifyGenerationComplete(ctx, job, tickets); err != nil {
		r.logger.Error("dispatching completion notification",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	}
}
