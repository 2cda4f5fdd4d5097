package generation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/karimbenali/billetcore/internal/db"
)

// SchemaVersion tags every queue message. Consumers reject any message whose
// major differs from theirs.
const SchemaVersion = "1.0"

// CheckSchemaVersion rejects messages from an incompatible major version.
func CheckSchemaVersion(v string) error {
	if v == "" {
		return fmt.Errorf("message carries no schema_version")
	}
	major, _, _ := strings.Cut(v, ".")
	wantMajor, _, _ := strings.Cut(SchemaVersion, ".")
	if major != wantMajor {
		return fmt.Errorf("unsupported schema_version %s (want major %s)", v, wantMajor)
	}
	return nil
}

// BatchTicket is one ticket inside a renderer work item.
type BatchTicket struct {
	TicketCode    string  `json:"ticket_code"`
	GuestID       int64   `json:"guest_id"`
	TicketTypeID  int64   `json:"ticket_type_id"`
	GuestName     string  `json:"guest_name"`
	GuestEmail    string  `json:"guest_email"`
	GuestPhone    *string `json:"guest_phone,omitempty"`
	QRPayload     string  `json:"qr_payload"`
	EventTitle    string  `json:"event_title"`
	EventDate     string  `json:"event_date"`
	EventLocation string  `json:"event_location"`
}

// BatchMessage is one renderer work item on the generation queue.
type BatchMessage struct {
	SchemaVersion  string        `json:"schema_version"`
	JobID          uuid.UUID     `json:"job_id"`
	CorrelationKey uuid.UUID     `json:"correlation_key"`
	EventID        int64         `json:"event_id"`
	BatchIndex     int           `json:"batch_index"`
	Tickets        []BatchTicket `json:"tickets"`
	ReplyQueue     string        `json:"reply_queue"`
}

// ResultMessage is one renderer response on the result queue.
type ResultMessage struct {
	SchemaVersion  string            `json:"schema_version"`
	CorrelationKey uuid.UUID         `json:"correlation_key"`
	BatchIndex     int               `json:"batch_index"`
	Results        []db.TicketResult `json:"results"`
	BatchFinished  bool              `json:"batch_finished"`
}
