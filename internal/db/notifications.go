package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/apperrors"
)

// NotificationRepository handles persistence for notification records.
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a notification repository.
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

const notificationColumns = `
	id, event_id, job_id, organizer_id, kind, channels,
	recipient_count, sent_count, failed_count, state,
	external_job_id, template_payload, created_at, finished_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.EventID,
		&n.JobID,
		&n.OrganizerID,
		&n.Kind,
		&n.Channels,
		&n.RecipientCount,
		&n.SentCount,
		&n.FailedCount,
		&n.State,
		&n.ExternalJobID,
		&n.TemplatePayload,
		&n.CreatedAt,
		&n.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Create persists a pending notification record and fills in its id.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
		defer cancel()
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notifications (
			event_id, job_id, organizer_id, kind, channels,
			recipient_count, sent_count, failed_count, state, template_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		n.EventID, n.JobID, n.OrganizerID, n.Kind, n.Channels,
		n.RecipientCount, n.SentCount, n.FailedCount, n.State, n.TemplatePayload,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.Int64("notification_id", n.ID),
		zap.Int64("event_id", n.EventID),
		zap.String("kind", n.Kind),
	)
	return nil
}

// SetExternalJobID stores the queue's job id so late results can still be
// correlated when the message only carries the external id.
func (r *NotificationRepository) SetExternalJobID(ctx context.Context, id int64, externalJobID string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications SET external_job_id = $1 WHERE id = $2`,
		externalJobID, id,
	)
	if err != nil {
		return fmt.Errorf("set external job id: %w", err)
	}
	return nil
}

// ByID loads a notification.
func (r *NotificationRepository) ByID(ctx context.Context, id int64) (*Notification, error) {
	n, err := scanNotification(r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.CodeNotFound, "notification introuvable")
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ByExternalJobID loads a notification by the queue job id echoed in result
// messages that predate the persisted notification id.
func (r *NotificationRepository) ByExternalJobID(ctx context.Context, externalJobID string) (*Notification, error) {
	n, err := scanNotification(r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE external_job_id = $1`,
		externalJobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.CodeNotFound, "notification introuvable")
	}
	if err != nil {
		return nil, fmt.Errorf("query notification by external id: %w", err)
	}
	return n, nil
}

// ApplyResult records per-recipient counters and the terminal state under
// the row lock. Terminal notifications are left untouched; counters never
// exceed recipient_count.
func (r *NotificationRepository) ApplyResult(ctx context.Context, id int64, sent, failed int) (*Notification, error) {
	var result *Notification
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		n, err := scanNotification(tx.QueryRow(ctx,
			`SELECT `+notificationColumns+` FROM notifications WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.New(apperrors.CodeNotFound, "notification introuvable")
		}
		if err != nil {
			return fmt.Errorf("lock notification: %w", err)
		}

		if n.Terminal() {
			result = n
			return nil
		}

		if sent+failed > n.RecipientCount {
			// Counters from the sender can never exceed recipients; clamp
			// and log rather than persisting an invariant violation.
			r.logger.Warn("notification counters exceed recipients",
				zap.Int64("notification_id", id),
				zap.Int("sent", sent),
				zap.Int("failed", failed),
				zap.Int("recipients", n.RecipientCount),
			)
			if sent > n.RecipientCount {
				sent = n.RecipientCount
			}
			failed = n.RecipientCount - sent
		}

		now := time.Now().UTC()
		state := ResolveNotificationState(sent, failed)

		_, err = tx.Exec(ctx, `
			UPDATE notifications
			SET sent_count = $1, failed_count = $2, state = $3, finished_at = $4
			WHERE id = $5`,
			sent, failed, state, now, id,
		)
		if err != nil {
			return fmt.Errorf("update notification: %w", err)
		}

		n.SentCount = sent
		n.FailedCount = failed
		n.State = state
		n.FinishedAt = &now
		result = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
