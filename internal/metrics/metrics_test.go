package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordJobSubmitted(t *testing.T) {
	RecordJobSubmitted()
	RecordJobSubmitted()
}

func TestRecordBatchEnqueued(t *testing.T) {
	RecordBatchEnqueued()
}

func TestRecordResultReconciled(t *testing.T) {
	RecordResultReconciled("applied")
	RecordResultReconciled("replayed")
	RecordResultReconciled("orphan")
	RecordResultReconciled("terminal")
}

func TestRecordJobFinished(t *testing.T) {
	RecordJobFinished("completed")
	RecordJobFinished("failed")
	RecordJobFinished("cancelled")
}

func TestRecordNotificationDispatched(t *testing.T) {
	RecordNotificationDispatched("pending")
	RecordNotificationDispatched("sent")
	RecordNotificationDispatched("partial")
}

func TestRecordQueueOp(t *testing.T) {
	RecordQueueOp("ticket_generation_queue", "enqueue")
	RecordQueueOp("ticket_generation_queue", "complete")
	RecordQueueOp("notification_queue", "retry")
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("ticket_generation_queue", 10)
	SetQueueDepth("ticket_generation_queue", 0)
}

func TestObserveHandler(t *testing.T) {
	ObserveHandler("ticket_generation_result_queue", 50*time.Millisecond)
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(10)
	SetDBConnections(20)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics body should not be empty")
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/teapot", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}
