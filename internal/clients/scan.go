package clients

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ScanClient talks to the scan-validation gateway that checks tickets at
// venue entry.
type ScanClient struct {
	*Client
}

// NewScanClient builds the scan-validation gateway client.
func NewScanClient(cfg Config, logger *zap.Logger) *ScanClient {
	return &ScanClient{Client: NewClient("scan", cfg, logger)}
}

// ValidateRequest asks the gateway to validate one scanned code.
type ValidateRequest struct {
	TicketCode   string `json:"ticket_code"`
	EventID      int64  `json:"event_id"`
	CheckpointID int64  `json:"checkpoint_id,omitempty"`
	ScannedAt    string `json:"scanned_at,omitempty"`
}

// ValidateResult is the gateway's verdict on one scan.
type ValidateResult struct {
	Valid      bool   `json:"valid"`
	Reason     string `json:"reason,omitempty"`
	GuestName  string `json:"guest_name,omitempty"`
	TicketType string `json:"ticket_type,omitempty"`
	ScannedAt  string `json:"scanned_at,omitempty"`
}

// Validate checks one scanned ticket code.
func (c *ScanClient) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResult, error) {
	var result ValidateResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/scan/validate", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ValidateBatch checks a batch of offline-collected scans.
func (c *ScanClient) ValidateBatch(ctx context.Context, reqs []ValidateRequest) ([]ValidateResult, error) {
	var results []ValidateResult
	payload := map[string]any{"scans": reqs}
	if err := c.do(ctx, http.MethodPost, "/api/v1/scan/batch", nil, payload, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Checkpoint is one physical entry point configured for an event.
type Checkpoint struct {
	ID       int64  `json:"id"`
	EventID  int64  `json:"event_id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Active   bool   `json:"active"`
}

// Checkpoints lists the entry points of an event.
func (c *ScanClient) Checkpoints(ctx context.Context, eventID int64) ([]Checkpoint, error) {
	var checkpoints []Checkpoint
	path := "/api/v1/events/" + strconv.FormatInt(eventID, 10) + "/checkpoints"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &checkpoints); err != nil {
		return nil, err
	}
	return checkpoints, nil
}

// OfflineSyncRequest uploads scans collected while a checkpoint was offline.
type OfflineSyncRequest struct {
	CheckpointID int64             `json:"checkpoint_id"`
	CollectedAt  time.Time         `json:"collected_at"`
	Scans        []ValidateRequest `json:"scans"`
}

// OfflineSyncResult summarizes an offline upload.
type OfflineSyncResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// OfflineSync uploads offline-collected scans.
func (c *ScanClient) OfflineSync(ctx context.Context, req *OfflineSyncRequest) (*OfflineSyncResult, error) {
	var result OfflineSyncResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/scan/offline-sync", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ScanStats aggregates entries per event.
type ScanStats struct {
	EventID       int64 `json:"event_id"`
	TotalScans    int   `json:"total_scans"`
	ValidScans    int   `json:"valid_scans"`
	RejectedScans int   `json:"rejected_scans"`
	UniqueGuests  int   `json:"unique_guests"`
}

// Stats reports scan aggregates for an event.
func (c *ScanClient) Stats(ctx context.Context, eventID int64) (*ScanStats, error) {
	var stats ScanStats
	query := url.Values{"event_id": {strconv.FormatInt(eventID, 10)}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/scan/stats", query, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// FraudAlert is one suspicious-scan report.
type FraudAlert struct {
	TicketCode   string `json:"ticket_code"`
	EventID      int64  `json:"event_id"`
	Reason       string `json:"reason"`
	CheckpointID int64  `json:"checkpoint_id,omitempty"`
	DetectedAt   string `json:"detected_at"`
}

// FraudAlerts lists suspicious scans for an event.
func (c *ScanClient) FraudAlerts(ctx context.Context, eventID int64) ([]FraudAlert, error) {
	var alerts []FraudAlert
	query := url.Values{"event_id": {strconv.FormatInt(eventID, 10)}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/scan/fraud", query, nil, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}
