package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/apperrors"
	"github.com/karimbenali/billetcore/internal/circuitbreaker"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("test", Config{
		BaseURL: srv.URL,
		APIKey:  "sk-test-key",
		Timeout: 2 * time.Second,
	}, zap.NewNop())
	return c, srv
}

func TestDoDecodesResponse(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "sk-test-key" {
			t.Errorf("X-API-Key = %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	}))

	var out struct {
		Status string `json:"status"`
	}
	err := c.do(context.Background(), http.MethodPost, "/api/v1/email", nil,
		map[string]string{"to": "guest@example.com"}, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.Status != "accepted" {
		t.Errorf("status = %q, want accepted", out.Status)
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.do(context.Background(), http.MethodGet, "/health", nil, nil, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestDoNeverRetriesClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "billet inconnu"})
	}))

	err := c.do(context.Background(), http.MethodGet, "/api/v1/scan/validate", nil, nil, nil)
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("code = %v, want NOT_FOUND (err: %v)", apperrors.CodeOf(err), err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if c.Breaker().GetState() != circuitbreaker.StateClosed {
		t.Error("4xx must not trip the breaker")
	}
}

func TestDoExhaustedRetriesIsDependencyError(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	err := c.do(context.Background(), http.MethodGet, "/health", nil, nil, nil)
	if apperrors.CodeOf(err) != apperrors.CodeDependency {
		t.Fatalf("code = %v, want DEPENDENCY_UNAVAILABLE", apperrors.CodeOf(err))
	}
	if got := calls.Load(); got != maxRetries+1 {
		t.Errorf("calls = %d, want %d", got, maxRetries+1)
	}
	if c.Breaker().Stats().TotalFailures != 1 {
		t.Errorf("one exhausted call counts as one breaker failure, got %+v", c.Breaker().Stats())
	}
}

func TestDoFastFailsWhenBreakerOpen(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	for i := 0; i < 5; i++ {
		c.Breaker().RecordFailure()
	}
	if c.Breaker().GetState() != circuitbreaker.StateOpen {
		t.Fatal("breaker should be open after five failures")
	}

	err := c.do(context.Background(), http.MethodGet, "/health", nil, nil, nil)
	if apperrors.CodeOf(err) != apperrors.CodeDependency {
		t.Fatalf("code = %v, want DEPENDENCY_UNAVAILABLE", apperrors.CodeOf(err))
	}
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen cause", err)
	}
	if calls.Load() != 0 {
		t.Error("open breaker must not send requests")
	}
}

func TestDoCancelledContextDuringBackoff(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
	if apperrors.CodeOf(err) != apperrors.CodeDeadline {
		t.Fatalf("code = %v, want DEADLINE_EXCEEDED", apperrors.CodeOf(err))
	}
}

func TestNotifierSendEmail(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(SendReceipt{ExternalID: "msg-1", Accepted: 1})
	}))
	defer srv.Close()

	nc := NewNotifierClient(Config{BaseURL: srv.URL}, zap.NewNop())
	receipt, err := nc.SendEmail(context.Background(), &EmailRequest{
		To:      []string{"guest@example.com"},
		Subject: "Vos billets",
	})
	if err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if gotPath != "/api/v1/email" {
		t.Errorf("path = %q", gotPath)
	}
	if receipt.ExternalID != "msg-1" || receipt.Accepted != 1 {
		t.Errorf("receipt = %+v", receipt)
	}
}
