package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/apperrors"
	"github.com/karimbenali/billetcore/internal/db"
	"github.com/karimbenali/billetcore/internal/metrics"
	"github.com/karimbenali/billetcore/internal/queue"
)

// MaxTicketsPerSubmit caps one submission.
const MaxTicketsPerSubmit = 10000

// Store is the persistence surface the orchestrator needs.
type Store interface {
	SubmitJob(ctx context.Context, job *db.GenerationJob, tickets []*db.Ticket,
		enqueue func(ctx context.Context) ([]db.GenerationBatch, error)) error
	JobByID(ctx context.Context, id uuid.UUID) (*db.GenerationJob, error)
	ListJobsByEvent(ctx context.Context, eventID int64, state string, limit, offset int) ([]*db.GenerationJob, int, error)
	BatchesForJob(ctx context.Context, jobID uuid.UUID) ([]db.GenerationBatch, error)
	TicketSummaryForJob(ctx context.Context, jobID uuid.UUID) (*db.TicketSummary, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*db.GenerationJob, error)
}

// Queue is the queue-client surface the orchestrator needs.
type Queue interface {
	Enqueue(ctx context.Context, queueName, name string, payload any, opts queue.Options) (string, error)
	Get(ctx context.Context, queueName, id string) (*queue.Job, error)
}

// Config binds the orchestrator to its queues and batch plan.
type Config struct {
	BatchSize       int
	GenerationQueue string
	ResultQueue     string
}

// Orchestrator accepts generation submissions, fans them out to the renderer
// fleet in batches and answers status reads.
type Orchestrator struct {
	store  Store
	queues Queue
	cfg    Config
	logger *zap.Logger
}

// NewOrchestrator wires a generation orchestrator.
func NewOrchestrator(store Store, queues Queue, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Orchestrator{store: store, queues: queues, cfg: cfg, logger: logger}
}

// TicketRequest is one requested attendee ticket.
type TicketRequest struct {
	GuestID       int64   `json:"guest_id" validate:"required"`
	TicketTypeID  int64   `json:"ticket_type_id" validate:"required"`
	GuestName     string  `json:"guest_name" validate:"required"`
	GuestEmail    string  `json:"guest_email" validate:"required,email"`
	GuestPhone    *string `json:"guest_phone,omitempty"`
	EventTitle    string  `json:"event_title" validate:"required"`
	EventDate     string  `json:"event_date" validate:"required"`
	EventLocation string  `json:"event_location" validate:"required"`
	PriceCents    int64   `json:"price_cents" validate:"min=0"`
	Currency      string  `json:"currency" validate:"omitempty,len=3"`
}

// SubmitRequest is one organizer submission.
type SubmitRequest struct {
	EventID     int64           `json:"event_id" validate:"required"`
	OrganizerID int64           `json:"organizer_id" validate:"required"`
	Tickets     []TicketRequest `json:"tickets" validate:"required,min=1,max=10000,dive"`
}

// SubmitResult reports the accepted job and its dispatched batches.
type SubmitResult struct {
	JobID       uuid.UUID `json:"job_id"`
	QueueJobIDs []string  `json:"queue_job_ids"`
	BatchCount  int       `json:"batch_count"`
}

// Submit records the job with its pending tickets and enqueues one renderer
// work item per batch, all under one transaction: an enqueue failure commits
// nothing.
func (o *Orchestrator) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if len(req.Tickets) < 1 || len(req.Tickets) > MaxTicketsPerSubmit {
		return nil, apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("le nombre de billets doit être entre 1 et %d", MaxTicketsPerSubmit))
	}

	job := &db.GenerationJob{
		ID:             uuid.New(),
		EventID:        req.EventID,
		OrganizerID:    req.OrganizerID,
		RequestedCount: len(req.Tickets),
		State:          db.JobStatePending,
		CorrelationKey: uuid.New(),
	}

	tickets := make([]*db.Ticket, 0, len(req.Tickets))
	for _, in := range req.Tickets {
		currency := in.Currency
		if currency == "" {
			currency = "EUR"
		}

		code := db.NewTicketCode()
		extra, _ := json.Marshal(map[string]string{
			"event_title":    in.EventTitle,
			"event_date":     in.EventDate,
			"event_location": in.EventLocation,
		})

		tickets = append(tickets, &db.Ticket{
			JobID:        job.ID,
			EventID:      req.EventID,
			GuestID:      in.GuestID,
			TicketTypeID: in.TicketTypeID,
			TicketCode:   code,
			QRPayload:    qrPayload(code, req.EventID),
			State:        db.TicketStatePending,
			PriceCents:   in.PriceCents,
			Currency:     currency,
			GuestName:    in.GuestName,
			GuestEmail:   in.GuestEmail,
			GuestPhone:   in.GuestPhone,
			Extra:        extra,
		})
	}

	var queueJobIDs []string
	err := o.store.SubmitJob(ctx, job, tickets, func(ctx context.Context) ([]db.GenerationBatch, error) {
		var batches []db.GenerationBatch
		for index, chunk := range batchPlan(req.Tickets, o.cfg.BatchSize) {
			msg := BatchMessage{
				SchemaVersion:  SchemaVersion,
				JobID:          job.ID,
				CorrelationKey: job.CorrelationKey,
				EventID:        req.EventID,
				BatchIndex:     index,
				ReplyQueue:     o.cfg.ResultQueue,
			}
			offset := index * o.cfg.BatchSize
			for i, in := range chunk {
				msg.Tickets = append(msg.Tickets, BatchTicket{
					TicketCode:    tickets[offset+i].TicketCode,
					GuestID:       in.GuestID,
					TicketTypeID:  in.TicketTypeID,
					GuestName:     in.GuestName,
					GuestEmail:    in.GuestEmail,
					GuestPhone:    in.GuestPhone,
					QRPayload:     tickets[offset+i].QRPayload,
					EventTitle:    in.EventTitle,
					EventDate:     in.EventDate,
					EventLocation: in.EventLocation,
				})
			}

			queueJobID, err := o.queues.Enqueue(ctx, o.cfg.GenerationQueue, "render_tickets", msg, queue.Options{
				Priority:         1,
				Attempts:         5,
				Backoff:          queue.Backoff{Base: 3 * time.Second, Cap: 30 * time.Second},
				RemoveOnComplete: 100,
				RemoveOnFail:     50,
			})
			if err != nil {
				return nil, err
			}

			queueJobIDs = append(queueJobIDs, queueJobID)
			batches = append(batches, db.GenerationBatch{
				JobID:      job.ID,
				BatchIndex: index,
				QueueJobID: queueJobID,
			})
			metrics.RecordBatchEnqueued()
		}
		return batches, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordJobSubmitted()
	o.logger.Info("generation job submitted",
		zap.String("job_id", job.ID.String()),
		zap.Int64("event_id", req.EventID),
		zap.Int("requested_count", job.RequestedCount),
		zap.Int("batches", len(queueJobIDs)),
	)

	return &SubmitResult{
		JobID:       job.ID,
		QueueJobIDs: queueJobIDs,
		BatchCount:  len(queueJobIDs),
	}, nil
}

// batchPlan splits tickets into slices of at most size.
func batchPlan(tickets []TicketRequest, size int) [][]TicketRequest {
	var plan [][]TicketRequest
	for start := 0; start < len(tickets); start += size {
		end := start + size
		if end > len(tickets) {
			end = len(tickets)
		}
		plan = append(plan, tickets[start:end])
	}
	return plan
}

func qrPayload(code string, eventID int64) string {
	return fmt.Sprintf("BC1:%d:%s", eventID, code)
}

// BatchStatus is the queue-side view of one dispatched batch.
type BatchStatus struct {
	QueueJobID string `json:"queue_job_id"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

// JobStatus joins the authoritative job row with queue state.
type JobStatus struct {
	Job        *db.GenerationJob `json:"job"`
	QueueState string            `json:"queue_state"` // "ok" or "unknown"
	PerBatch   []BatchStatus     `json:"per_batch"`
	Tickets    *db.TicketSummary `json:"tickets_summary"`
}

// GetStatus answers a status read. Queue unavailability degrades to
// queue_state "unknown" instead of failing the read.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, err := o.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	summary, err := o.store.TicketSummaryForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		Job:        job,
		QueueState: "ok",
		Tickets:    summary,
	}

	batches, err := o.store.BatchesForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	for _, b := range batches {
		qj, err := o.queues.Get(ctx, o.cfg.GenerationQueue, b.QueueJobID)
		if err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				// Pruned by retention; the job row stays authoritative.
				status.PerBatch = append(status.PerBatch, BatchStatus{
					QueueJobID: b.QueueJobID,
					State:      "expired",
				})
				continue
			}
			o.logger.Warn("queue unavailable during status read",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
			status.QueueState = "unknown"
			status.PerBatch = nil
			break
		}
		status.PerBatch = append(status.PerBatch, BatchStatus{
			QueueJobID: b.QueueJobID,
			State:      qj.State,
			Attempts:   qj.AttemptsMade,
			LastError:  qj.FailedReason,
		})
	}

	return status, nil
}

// JobPage is one page of jobs for an event.
type JobPage struct {
	Jobs  []*db.GenerationJob `json:"jobs"`
	Total int                 `json:"total"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
}

// ListByEvent returns a page of jobs for an event, optionally filtered by
// state.
func (o *Orchestrator) ListByEvent(ctx context.Context, eventID int64, state string, page, limit int) (*JobPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if state != "" && !validJobState(state) {
		return nil, apperrors.New(apperrors.CodeValidation, "filtre d'état inconnu").
			WithDetails(map[string]string{"status": state})
	}

	jobs, total, err := o.store.ListJobsByEvent(ctx, eventID, state, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	return &JobPage{Jobs: jobs, Total: total, Page: page, Limit: limit}, nil
}

func validJobState(state string) bool {
	switch state {
	case db.JobStatePending, db.JobStateProcessing, db.JobStateCompleted,
		db.JobStateFailed, db.JobStateCancelled:
		return true
	}
	return false
}

// Cancel transitions a job to cancelled. Terminal jobs are rejected with
// PRECONDITION_FAILED by the store.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) (*db.GenerationJob, error) {
	job, err := o.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	metrics.RecordJobFinished(db.JobStateCancelled)
	o.logger.Info("generation job cancelled", zap.String("job_id", jobID.String()))
	return job, nil
}
