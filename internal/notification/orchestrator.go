// Package notification dispatches organizer and attendee notifications
// through the external sender fleet and reconciles the delivery counters it
// reports back.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/apperrors"
	"github.com/karimbenali/billetcore/internal/db"
	"github.com/karimbenali/billetcore/internal/generation"
	"github.com/karimbenali/billetcore/internal/metrics"
	"github.com/karimbenali/billetcore/internal/queue"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	Create(ctx context.Context, n *db.Notification) error
	SetExternalJobID(ctx context.Context, id int64, externalJobID string) error
	ByID(ctx context.Context, id int64) (*db.Notification, error)
	ByExternalJobID(ctx context.Context, externalJobID string) (*db.Notification, error)
	ApplyResult(ctx context.Context, id int64, sent, failed int) (*db.Notification, error)
}

// Queue is the queue-client surface the orchestrator needs.
type Queue interface {
	Enqueue(ctx context.Context, queueName, name string, payload any, opts queue.Options) (string, error)
	Subscribe(queue string, handler queue.Handler, opts queue.SubscribeOptions) *queue.Worker
}

// Recipient is one addressee inside a send message.
type Recipient struct {
	GuestID int64   `json:"guest_id"`
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Phone   *string `json:"phone,omitempty"`
}

// SendMessage is one work item on the notification queue.
type SendMessage struct {
	SchemaVersion   string          `json:"schema_version"`
	NotificationID  int64           `json:"notification_id"`
	EventID         int64           `json:"event_id"`
	Kind            string          `json:"kind"`
	Channels        []string        `json:"channels"`
	Recipients      []Recipient     `json:"recipients"`
	TemplatePayload json.RawMessage `json:"template_payload,omitempty"`
	ReplyQueue      string          `json:"reply_queue"`
}

// ResultMessage is one sender response on the notification result queue.
type ResultMessage struct {
	SchemaVersion  string `json:"schema_version"`
	NotificationID int64  `json:"notification_id"`
	ExternalJobID  string `json:"external_job_id,omitempty"`
	SentCount      int    `json:"sent_count"`
	FailedCount    int    `json:"failed_count"`
}

// Config binds the orchestrator to its queues.
type Config struct {
	SendQueue         string
	ResultQueue       string
	ResultConcurrency int
}

// Orchestrator creates notification records, hands them to the sender fleet
// and folds the reported counters back into the records.
type Orchestrator struct {
	store  Store
	queues Queue
	cfg    Config
	logger *zap.Logger

	worker *queue.Worker
}

// NewOrchestrator wires a notification orchestrator.
func NewOrchestrator(store Store, queues Queue, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.ResultConcurrency <= 0 {
		cfg.ResultConcurrency = 3
	}
	return &Orchestrator{store: store, queues: queues, cfg: cfg, logger: logger}
}

// Request describes one notification to dispatch.
type Request struct {
	EventID         int64
	JobID           *db.GenerationJob
	OrganizerID     int64
	Kind            string
	Channels        []string
	Recipients      []Recipient
	TemplatePayload json.RawMessage
}

// Notify records a pending notification and enqueues the send work item. The
// record is durable before the queue sees the message, so a late result
// always finds its row.
func (o *Orchestrator) Notify(ctx context.Context, req *Request) (*db.Notification, error) {
	if len(req.Recipients) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "aucun destinataire")
	}
	if len(req.Channels) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "aucun canal de diffusion")
	}

	record := &db.Notification{
		EventID:         req.EventID,
		OrganizerID:     req.OrganizerID,
		Kind:            req.Kind,
		Channels:        req.Channels,
		RecipientCount:  len(req.Recipients),
		State:           db.NotificationStatePending,
		TemplatePayload: req.TemplatePayload,
	}
	if req.JobID != nil {
		id := req.JobID.ID
		record.JobID = &id
	}

	if err := o.store.Create(ctx, record); err != nil {
		return nil, err
	}

	msg := SendMessage{
		SchemaVersion:   generation.SchemaVersion,
		NotificationID:  record.ID,
		EventID:         req.EventID,
		Kind:            req.Kind,
		Channels:        req.Channels,
		Recipients:      req.Recipients,
		TemplatePayload: req.TemplatePayload,
		ReplyQueue:      o.cfg.ResultQueue,
	}

	externalJobID, err := o.queues.Enqueue(ctx, o.cfg.SendQueue, "send_notification", msg, queue.Options{
		Priority:         1,
		Attempts:         5,
		Backoff:          queue.Backoff{Base: 3 * time.Second, Cap: 24 * time.Second},
		RemoveOnComplete: 100,
		RemoveOnFail:     50,
	})
	if err != nil {
		// The pending record stays; operators can re-dispatch it once the
		// queue is back.
		return nil, apperrors.Wrap(apperrors.CodeDependency, err,
			"la file de notification est indisponible")
	}

	if err := o.store.SetExternalJobID(ctx, record.ID, externalJobID); err != nil {
		o.logger.Error("recording notification external job id",
			zap.Int64("notification_id", record.ID),
			zap.String("external_job_id", externalJobID),
			zap.Error(err),
		)
	} else {
		record.ExternalJobID = &externalJobID
	}

	metrics.RecordNotificationDispatched(db.NotificationStatePending)
	o.logger.Info("notification dispatched",
		zap.Int64("notification_id", record.ID),
		zap.Int64("event_id", req.EventID),
		zap.String("kind", req.Kind),
		zap.Strings("channels", req.Channels),
		zap.Int("recipients", record.RecipientCount),
	)
	return record, nil
}

// NotifyGenerationComplete chains the completion notification after a job
// finishes with every ticket rendered. SMS is added only when at least one
// recipient has a phone on file.
func (o *Orchestrator) NotifyGenerationComplete(ctx context.Context, job *db.GenerationJob, tickets []*db.Ticket) error {
	if len(tickets) == 0 {
		o.logger.Warn("completed job has no rendered tickets to notify",
			zap.String("job_id", job.ID.String()))
		return nil
	}

	channels := []string{"email"}
	recipients := make([]Recipient, 0, len(tickets))
	hasPhone := false
	for _, t := range tickets {
		recipients = append(recipients, Recipient{
			GuestID: t.GuestID,
			Name:    t.GuestName,
			Email:   t.GuestEmail,
			Phone:   t.GuestPhone,
		})
		if t.GuestPhone != nil && *t.GuestPhone != "" {
			hasPhone = true
		}
	}
	if hasPhone {
		channels = append(channels, "sms")
	}

	payload, err := json.Marshal(map[string]any{
		"job_id":       job.ID,
		"event_id":     job.EventID,
		"ticket_count": len(tickets),
	})
	if err != nil {
		return fmt.Errorf("marshal template payload: %w", err)
	}

	_, err = o.Notify(ctx, &Request{
		EventID:         job.EventID,
		JobID:           job,
		OrganizerID:     job.OrganizerID,
		Kind:            db.NotificationKindGenerationComplete,
		Channels:        channels,
		Recipients:      recipients,
		TemplatePayload: payload,
	})
	return err
}

// StartResultConsumer subscribes to the notification result queue.
func (o *Orchestrator) StartResultConsumer() {
	o.worker = o.queues.Subscribe(o.cfg.ResultQueue, o.HandleResult, queue.SubscribeOptions{
		Concurrency: o.cfg.ResultConcurrency,
	})
}

// StopResultConsumer drains in-flight result handling.
func (o *Orchestrator) StopResultConsumer(ctx context.Context) error {
	if o.worker == nil {
		return nil
	}
	return o.worker.Stop(ctx)
}

// HandleResult folds one sender response into the notification record.
// Results normally carry the persisted notification id; older senders echo
// only the queue job id, which resolves through the external_job_id column.
// Unknown records are dropped: the sender may echo results for rows purged
// by retention.
func (o *Orchestrator) HandleResult(ctx context.Context, qj *queue.Job) (any, error) {
	var msg ResultMessage
	if err := json.Unmarshal(qj.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode notification result: %w", err)
	}
	if err := generation.CheckSchemaVersion(msg.SchemaVersion); err != nil {
		return nil, err
	}
	if msg.SentCount < 0 || msg.FailedCount < 0 {
		return nil, fmt.Errorf("notification result carries negative counters")
	}

	id := msg.NotificationID
	if id == 0 {
		if msg.ExternalJobID == "" {
			return nil, fmt.Errorf("notification result carries neither notification_id nor external_job_id")
		}
		resolved, err := o.store.ByExternalJobID(ctx, msg.ExternalJobID)
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeNotFound {
				o.logger.Warn("dropping result for unknown external job id",
					zap.String("external_job_id", msg.ExternalJobID),
				)
				return map[string]string{"dropped": "unknown_notification"}, nil
			}
			return nil, err
		}
		id = resolved.ID
	}

	record, err := o.store.ApplyResult(ctx, id, msg.SentCount, msg.FailedCount)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			o.logger.Warn("dropping result for unknown notification",
				zap.Int64("notification_id", id),
				zap.String("external_job_id", msg.ExternalJobID),
			)
			return map[string]string{"dropped": "unknown_notification"}, nil
		}
		return nil, err
	}

	metrics.RecordNotificationDispatched(record.State)
	o.logger.Info("notification result reconciled",
		zap.Int64("notification_id", record.ID),
		zap.String("state", record.State),
		zap.Int("sent", record.SentCount),
		zap.Int("failed", record.FailedCount),
	)
	return map[string]string{"state": record.State}, nil
}

// Status answers a notification status read.
func (o *Orchestrator) Status(ctx context.Context, id int64) (*db.Notification, error) {
	return o.store.ByID(ctx, id)
}
