package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/apperrors"
)

// Repository handles persistence for generation jobs, their tickets and the
// per-batch queue bookkeeping.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a generation job repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

const jobColumns = `
	id, event_id, organizer_id, requested_count, state, progress,
	attempts, last_error, correlation_key, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*GenerationJob, error) {
	var job GenerationJob
	err := row.Scan(
		&job.ID,
		&job.EventID,
		&job.OrganizerID,
		&job.RequestedCount,
		&job.State,
		&job.Progress,
		&job.Attempts,
		&job.LastError,
		&job.CorrelationKey,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SubmitJob persists a job, its pending tickets and the batch bookkeeping in
// a single transaction. enqueue runs inside the transaction scope: when it
// fails, nothing is committed and no batch row survives.
func (r *Repository) SubmitJob(
	ctx context.Context,
	job *GenerationJob,
	tickets []*Ticket,
	enqueue func(ctx context.Context) ([]GenerationBatch, error),
) error {
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO generation_jobs (
				id, event_id, organizer_id, requested_count, state,
				progress, attempts, correlation_key
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at`,
			job.ID, job.EventID, job.OrganizerID, job.RequestedCount,
			job.State, job.Progress, job.Attempts, job.CorrelationKey,
		).Scan(&job.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert generation job: %w", err)
		}

		for _, t := range tickets {
			err := tx.QueryRow(ctx, `
				INSERT INTO tickets (
					job_id, event_id, guest_id, ticket_type_id, ticket_code,
					qr_payload, state, price_cents, currency,
					guest_name, guest_email, guest_phone, extra
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				RETURNING id`,
				t.JobID, t.EventID, t.GuestID, t.TicketTypeID, t.TicketCode,
				t.QRPayload, t.State, t.PriceCents, t.Currency,
				t.GuestName, t.GuestEmail, t.GuestPhone, t.Extra,
			).Scan(&t.ID)
			if err != nil {
				return fmt.Errorf("insert ticket (guest %d): %w", t.GuestID, err)
			}
		}

		batches, err := enqueue(ctx)
		if err != nil {
			return fmt.Errorf("enqueue batches: %w", err)
		}

		for _, b := range batches {
			_, err := tx.Exec(ctx, `
				INSERT INTO generation_batches (job_id, batch_index, queue_job_id)
				VALUES ($1, $2, $3)`,
				b.JobID, b.BatchIndex, b.QueueJobID,
			)
			if err != nil {
				return fmt.Errorf("insert batch %d: %w", b.BatchIndex, err)
			}
		}

		return nil
	})
	if err != nil {
		if apperrors.IsUniqueViolation(err) {
			return apperrors.FromPG(err, "billet ou clé de corrélation déjà enregistré")
		}
		return err
	}
	return nil
}

// JobByID loads a single job.
func (r *Repository) JobByID(ctx context.Context, id uuid.UUID) (*GenerationJob, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
		defer cancel()
	}

	job, err := scanJob(r.db.Pool().QueryRow(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.CodeNotFound, "tâche de génération introuvable")
	}
	if err != nil {
		return nil, fmt.Errorf("query generation job: %w", err)
	}
	return job, nil
}

// ListJobsByEvent returns one page of jobs for an event, optionally filtered
// by state, newest first, along with the total match count.
func (r *Repository) ListJobsByEvent(
	ctx context.Context,
	eventID int64,
	state string,
	limit, offset int,
) ([]*GenerationJob, int, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
		defer cancel()
	}

	var total int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM generation_jobs
		WHERE event_id = $1 AND ($2 = '' OR state = $2)`,
		eventID, state,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count generation jobs: %w", err)
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE event_id = $1 AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		eventID, state, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query generation jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan generation job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, total, nil
}

// BatchesForJob returns the queue bookkeeping rows for a job in batch order.
func (r *Repository) BatchesForJob(ctx context.Context, jobID uuid.UUID) ([]GenerationBatch, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT job_id, batch_index, queue_job_id, created_at
		FROM generation_batches
		WHERE job_id = $1
		ORDER BY batch_index`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query generation batches: %w", err)
	}
	defer rows.Close()

	var batches []GenerationBatch
	for rows.Next() {
		var b GenerationBatch
		if err := rows.Scan(&b.JobID, &b.BatchIndex, &b.QueueJobID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// TicketSummary aggregates ticket states for a job.
type TicketSummary struct {
	Rendered  int `json:"rendered"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled,omitempty"`
}

// TicketSummaryForJob counts tickets per state.
func (r *Repository) TicketSummaryForJob(ctx context.Context, jobID uuid.UUID) (*TicketSummary, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT state, COUNT(*) FROM tickets WHERE job_id = $1 GROUP BY state`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ticket summary: %w", err)
	}
	defer rows.Close()

	var summary TicketSummary
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan ticket summary: %w", err)
		}
		switch state {
		case TicketStateRendered:
			summary.Rendered = count
		case TicketStatePending:
			summary.Pending = count
		case TicketStateFailed:
			summary.Failed = count
		case TicketStateCancelled:
			summary.Cancelled = count
		}
	}
	return &summary, rows.Err()
}

// RenderedTicketsForJob loads the rendered tickets of a job, used to build
// the completion notification payload.
func (r *Repository) RenderedTicketsForJob(ctx context.Context, jobID uuid.UUID) ([]*Ticket, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, job_id, event_id, guest_id, ticket_type_id, ticket_code,
		       qr_payload, artifact_url, state, error_message, rendered_at,
		       price_cents, currency, guest_name, guest_email, guest_phone, extra
		FROM tickets
		WHERE job_id = $1 AND state = $2
		ORDER BY id`,
		jobID, TicketStateRendered,
	)
	if err != nil {
		return nil, fmt.Errorf("query rendered tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		var t Ticket
		err := rows.Scan(
			&t.ID, &t.JobID, &t.EventID, &t.GuestID, &t.TicketTypeID,
			&t.TicketCode, &t.QRPayload, &t.ArtifactURL, &t.State,
			&t.ErrorMessage, &t.RenderedAt, &t.PriceCents, &t.Currency,
			&t.GuestName, &t.GuestEmail, &t.GuestPhone, &t.Extra,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, &t)
	}
	return tickets, rows.Err()
}

// CancelJob transitions a job to cancelled and cascades every ticket that is
// not already cancelled, rendered and failed ones included: tickets of a
// cancelled job must release their guest/type/event slot so the organizer can
// resubmit. Terminal jobs are rejected.
func (r *Repository) CancelJob(ctx context.Context, id uuid.UUID) (*GenerationJob, error) {
	var job *GenerationJob
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.New(apperrors.CodeNotFound, "tâche de génération introuvable")
		}
		if err != nil {
			return fmt.Errorf("lock generation job: %w", err)
		}

		if job.Terminal() {
			return apperrors.New(apperrors.CodePreconditionFailed,
				"la tâche est déjà dans un état final").
				WithDetails(map[string]string{"state": job.State})
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE generation_jobs SET state = $1, finished_at = $2 WHERE id = $3`,
			JobStateCancelled, now, id,
		)
		if err != nil {
			return fmt.Errorf("cancel generation job: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE tickets SET state = $1 WHERE job_id = $2 AND state <> $1`,
			TicketStateCancelled, id,
		)
		if err != nil {
			return fmt.Errorf("cascade ticket cancel: %w", err)
		}

		job.State = JobStateCancelled
		job.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// TicketResult is one renderer verdict inside a response message.
type TicketResult struct {
	TicketCode  string  `json:"ticket_code"`
	State       string  `json:"state"`
	ArtifactURL *string `json:"artifact_url,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// ReconcileOutcome reports what a single response message actually changed.
type ReconcileOutcome struct {
	// Dropped is non-empty when the message was discarded without ticket
	// updates: "unknown_correlation" or "terminal".
	Dropped string

	Applied       int
	JustStarted   bool
	JustCompleted bool
	JustFailed    bool

	Job *GenerationJob
}

// ReconcileBatch applies one renderer response under the job row lock. The
// operation is idempotent: ticket updates are guarded by state='pending' and
// progress advances only by rows actually changed, so replays are no-ops.
func (r *Repository) ReconcileBatch(
	ctx context.Context,
	correlationKey uuid.UUID,
	results []TicketResult,
) (*ReconcileOutcome, error) {
	outcome := &ReconcileOutcome{}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM generation_jobs
			 WHERE correlation_key = $1 FOR UPDATE`, correlationKey))
		if errors.Is(err, pgx.ErrNoRows) {
			outcome.Dropped = "unknown_correlation"
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock generation job: %w", err)
		}
		outcome.Job = job

		if job.Terminal() {
			outcome.Dropped = "terminal"
			return nil
		}

		now := time.Now().UTC()
		changed := 0
		for _, res := range results {
			var tag int64
			switch res.State {
			case TicketStateRendered:
				ct, err := tx.Exec(ctx, `
					UPDATE tickets
					SET state = $1, artifact_url = $2, rendered_at = $3
					WHERE ticket_code = $4 AND job_id = $5 AND state = $6`,
					TicketStateRendered, res.ArtifactURL, now,
					res.TicketCode, job.ID, TicketStatePending,
				)
				if err != nil {
					return fmt.Errorf("update rendered ticket %s: %w", res.TicketCode, err)
				}
				tag = ct.RowsAffected()
			case TicketStateFailed:
				ct, err := tx.Exec(ctx, `
					UPDATE tickets
					SET state = $1, error_message = $2
					WHERE ticket_code = $3 AND job_id = $4 AND state = $5`,
					TicketStateFailed, res.Error,
					res.TicketCode, job.ID, TicketStatePending,
				)
				if err != nil {
					return fmt.Errorf("update failed ticket %s: %w", res.TicketCode, err)
				}
				tag = ct.RowsAffected()
			default:
				r.logger.Warn("ignoring result with unknown ticket state",
					zap.String("ticket_code", res.TicketCode),
					zap.String("state", res.State),
				)
				continue
			}
			changed += int(tag)
		}

		outcome.Applied = changed

		// Progress advances by rows actually changed, never by the
		// declared result count. Replayed messages change nothing.
		progress := job.Progress + changed
		if progress > job.RequestedCount {
			progress = job.RequestedCount
		}

		state := job.State
		startedAt := job.StartedAt
		finishedAt := job.FinishedAt

		if state == JobStatePending && changed > 0 {
			state = JobStateProcessing
			startedAt = &now
			outcome.JustStarted = true
		}

		if progress == job.RequestedCount {
			var failedTickets int
			err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM tickets WHERE job_id = $1 AND state = $2`,
				job.ID, TicketStateFailed,
			).Scan(&failedTickets)
			if err != nil {
				return fmt.Errorf("count failed tickets: %w", err)
			}

			state = TerminalJobState(failedTickets)
			finishedAt = &now
			if state == JobStateCompleted {
				outcome.JustCompleted = true
			} else {
				outcome.JustFailed = true
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE generation_jobs
			SET state = $1, progress = $2, started_at = $3, finished_at = $4
			WHERE id = $5`,
			state, progress, startedAt, finishedAt, job.ID,
		)
		if err != nil {
			return fmt.Errorf("update generation job: %w", err)
		}

		job.State = state
		job.Progress = progress
		job.StartedAt = startedAt
		job.FinishedAt = finishedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}
