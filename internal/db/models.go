package db

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation job states
const (
	JobStatePending    = "pending"
	JobStateProcessing = "processing"
	JobStateCompleted  = "completed"
	JobStateFailed     = "failed"
	JobStateCancelled  = "cancelled"
)

// Ticket states. Cancelled is an internal disposition applied when the
// owning job is cancelled; the renderer never reports it.
const (
	TicketStatePending   = "pending"
	TicketStateRendered  = "rendered"
	TicketStateFailed    = "failed"
	TicketStateCancelled = "cancelled"
)

// Notification states
const (
	NotificationStatePending = "pending"
	NotificationStateSent    = "sent"
	NotificationStatePartial = "partial"
	NotificationStateFailed  = "failed"
)

// Notification kinds
const (
	NotificationKindGenerationComplete = "ticket_generation_complete"
)

// GenerationJob is one organizer request to render N ticket artefacts.
type GenerationJob struct {
	ID             uuid.UUID  `json:"id"`
	EventID        int64      `json:"event_id"`
	OrganizerID    int64      `json:"organizer_id"`
	RequestedCount int        `json:"requested_count"`
	State          string     `json:"state"`
	Progress       int        `json:"progress"`
	Attempts       int        `json:"attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	CorrelationKey uuid.UUID  `json:"correlation_key"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job state admits no further transitions.
func (j *GenerationJob) Terminal() bool {
	return JobStateTerminal(j.State)
}

// JobStateTerminal reports whether state is completed, failed or cancelled.
func JobStateTerminal(state string) bool {
	switch state {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// TerminalJobState decides the terminal state once progress reaches the
// requested count: completed only when no ticket failed.
func TerminalJobState(failedTickets int) string {
	if failedTickets > 0 {
		return JobStateFailed
	}
	return JobStateCompleted
}

// Ticket is one attendee artefact row.
type Ticket struct {
	ID           int64           `json:"id"`
	JobID        uuid.UUID       `json:"job_id"`
	EventID      int64           `json:"event_id"`
	GuestID      int64           `json:"guest_id"`
	TicketTypeID int64           `json:"ticket_type_id"`
	TicketCode   string          `json:"ticket_code"`
	QRPayload    string          `json:"qr_payload"`
	ArtifactURL  *string         `json:"artifact_url,omitempty"`
	State        string          `json:"state"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	RenderedAt   *time.Time      `json:"rendered_at,omitempty"`
	PriceCents   int64           `json:"price_cents"`
	Currency     string          `json:"currency"`
	GuestName    string          `json:"guest_name"`
	GuestEmail   string          `json:"guest_email"`
	GuestPhone   *string         `json:"guest_phone,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

// NewTicketCode returns a 22-character URL-safe opaque identifier
// (128 bits of entropy, base64 raw-url encoded).
func NewTicketCode() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure means the process is in no state to mint
		// identifiers at all.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// GenerationBatch records one queue work item dispatched for a job.
type GenerationBatch struct {
	JobID      uuid.UUID `json:"job_id"`
	BatchIndex int       `json:"batch_index"`
	QueueJobID string    `json:"queue_job_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notification is the downstream send record chained after a completed job.
type Notification struct {
	ID              int64           `json:"id"`
	EventID         int64           `json:"event_id"`
	JobID           *uuid.UUID      `json:"job_id,omitempty"`
	OrganizerID     int64           `json:"organizer_id"`
	Kind            string          `json:"kind"`
	Channels        []string        `json:"channels"`
	RecipientCount  int             `json:"recipient_count"`
	SentCount       int             `json:"sent_count"`
	FailedCount     int             `json:"failed_count"`
	State           string          `json:"state"`
	ExternalJobID   *string         `json:"external_job_id,omitempty"`
	TemplatePayload json.RawMessage `json:"template_payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the notification state admits no further updates.
func (n *Notification) Terminal() bool {
	switch n.State {
	case NotificationStateSent, NotificationStatePartial, NotificationStateFailed:
		return true
	}
	return false
}

// ResolveNotificationState maps per-recipient counters to the terminal
// notification state.
func ResolveNotificationState(sent, failed int) string {
	switch {
	case failed == 0:
		return NotificationStateSent
	case sent > 0:
		return NotificationStatePartial
	default:
		return NotificationStateFailed
	}
}

// SchemaMigration is a row of the migration control table. Rows are
// insert-only; checksum drift against the on-disk file is a fatal startup
// error.
type SchemaMigration struct {
	Name        string    `json:"migration_name"`
	Checksum    string    `json:"checksum"`
	FileSize    int64     `json:"file_size"`
	ExecutedAt  time.Time `json:"executed_at"`
	ExecutionMS int64     `json:"execution_time_ms"`
}
