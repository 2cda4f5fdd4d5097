package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/apperrors"
	"github.com/karimbenali/billetcore/internal/db"
	"github.com/karimbenali/billetcore/internal/queue"
)

type fakeStore struct {
	jobs      map[uuid.UUID]*db.GenerationJob
	tickets   map[uuid.UUID][]*db.Ticket
	batches   map[uuid.UUID][]db.GenerationBatch
	submitErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[uuid.UUID]*db.GenerationJob),
		tickets: make(map[uuid.UUID][]*db.Ticket),
		batches: make(map[uuid.UUID][]db.GenerationBatch),
	}
}

func (s *fakeStore) SubmitJob(ctx context.Context, job *db.GenerationJob, tickets []*db.Ticket,
	enqueue func(ctx context.Context) ([]db.GenerationBatch, error)) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	batches, err := enqueue(ctx)
	if err != nil {
		return err
	}
	s.jobs[job.ID] = job
	s.tickets[job.ID] = tickets
	s.batches[job.ID] = batches
	return nil
}

func (s *fakeStore) JobByID(ctx context.Context, id uuid.UUID) (*db.GenerationJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "tâche de génération introuvable")
	}
	return job, nil
}

func (s *fakeStore) ListJobsByEvent(ctx context.Context, eventID int64, state string, limit, offset int) ([]*db.GenerationJob, int, error) {
	var matched []*db.GenerationJob
	for _, job := range s.jobs {
		if job.EventID != eventID {
			continue
		}
		if state != "" && job.State != state {
			continue
		}
		matched = append(matched, job)
	}
	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *fakeStore) BatchesForJob(ctx context.Context, jobID uuid.UUID) ([]db.GenerationBatch, error) {
	return s.batches[jobID], nil
}

func (s *fakeStore) TicketSummaryForJob(ctx context.Context, jobID uuid.UUID) (*db.TicketSummary, error) {
	summary := &db.TicketSummary{}
	for _, t := range s.tickets[jobID] {
		switch t.State {
		case db.TicketStateRendered:
			summary.Rendered++
		case db.TicketStatePending:
			summary.Pending++
		case db.TicketStateFailed:
			summary.Failed++
		case db.TicketStateCancelled:
			summary.Cancelled++
		}
	}
	return summary, nil
}

func (s *fakeStore) CancelJob(ctx context.Context, id uuid.UUID) (*db.GenerationJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "tâche de génération introuvable")
	}
	if job.Terminal() {
		return nil, apperrors.New(apperrors.CodePreconditionFailed,
			"la tâche est déjà dans un état final")
	}
	job.State = db.JobStateCancelled
	for _, t := range s.tickets[id] {
		t.State = db.TicketStateCancelled
	}
	return job, nil
}

type enqueued struct {
	queue   string
	name    string
	payload []byte
	opts    queue.Options
}

type fakeQueue struct {
	enqueued   []enqueued
	nextID     int
	enqueueErr error
	jobs       map[string]*queue.Job
	getErr     error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]*queue.Job)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName, name string, payload any, opts queue.Options) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	q.nextID++
	id := strconv.Itoa(q.nextID)
	q.enqueued = append(q.enqueued, enqueued{queue: queueName, name: name, payload: body, opts: opts})
	q.jobs[id] = &queue.Job{ID: id, Name: name, State: queue.StateWaiting, Payload: body}
	return id, nil
}

func (q *fakeQueue) Get(ctx context.Context, queueName, id string) (*queue.Job, error) {
	if q.getErr != nil {
		return nil, q.getErr
	}
	job, ok := q.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return job, nil
}

func testSubmitRequest(count int) *SubmitRequest {
	req := &SubmitRequest{EventID: 42, OrganizerID: 7}
	for i := 0; i < count; i++ {
		req.Tickets = append(req.Tickets, TicketRequest{
			GuestID:       int64(1000 + i),
			TicketTypeID:  1,
			GuestName:     fmt.Sprintf("Guest %d", i),
			GuestEmail:    fmt.Sprintf("guest%d@example.com", i),
			EventTitle:    "Nuit des Arts",
			EventDate:     "2026-09-12T20:00:00Z",
			EventLocation: "Lyon",
			PriceCents:    2500,
		})
	}
	return req
}

func newTestOrchestrator(store *fakeStore, queues *fakeQueue, batchSize int) *Orchestrator {
	return NewOrchestrator(store, queues, Config{
		BatchSize:       batchSize,
		GenerationQueue: "gen",
		ResultQueue:     "gen_results",
	}, zap.NewNop())
}

func TestSubmitSplitsIntoBatches(t *testing.T) {
	store := newFakeStore()
	queues := newFakeQueue()
	orch := newTestOrchestrator(store, queues, 100)

	result, err := orch.Submit(context.Background(), testSubmitRequest(250))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if result.BatchCount != 3 {
		t.Errorf("batch count = %d, want 3", result.BatchCount)
	}
	if len(result.QueueJobIDs) != 3 {
		t.Errorf("queue job ids = %d, want 3", len(result.QueueJobIDs))
	}
	if len(queues.enqueued) != 3 {
		t.Fatalf("enqueued = %d, want 3", len(queues.enqueued))
	}

	var sizes []int
	for i, e := range queues.enqueued {
		var msg BatchMessage
		if err := json.Unmarshal(e.payload, &msg); err != nil {
			t.Fatalf("unmarshal batch %d: %v", i, err)
		}
		sizes = append(sizes, len(msg.Tickets))

		if msg.SchemaVersion != SchemaVersion {
			t.Errorf("batch %d schema_version = %q", i, msg.SchemaVersion)
		}
		if msg.BatchIndex != i {
			t.Errorf("batch %d index = %d", i, msg.BatchIndex)
		}
		if msg.JobID != result.JobID {
			t.Errorf("batch %d job id mismatch", i)
		}
		if msg.ReplyQueue != "gen_results" {
			t.Errorf("batch %d reply queue = %q", i, msg.ReplyQueue)
		}
		if e.opts.Attempts != 5 {
			t.Errorf("batch %d attempts = %d, want 5", i, e.opts.Attempts)
		}
	}
	if sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Errorf("batch sizes = %v, want [100 100 50]", sizes)
	}

	job := store.jobs[result.JobID]
	if job == nil {
		t.Fatal("job not persisted")
	}
	if job.RequestedCount != 250 {
		t.Errorf("requested_count = %d, want 250", job.RequestedCount)
	}
	if job.State != db.JobStatePending {
		t.Errorf("state = %q, want pending", job.State)
	}
	if len(store.tickets[result.JobID]) != 250 {
		t.Errorf("tickets persisted = %d, want 250", len(store.tickets[result.JobID]))
	}
	for _, ticket := range store.tickets[result.JobID] {
		if len(ticket.TicketCode) != 22 {
			t.Fatalf("ticket code %q length = %d, want 22", ticket.TicketCode, len(ticket.TicketCode))
		}
	}
}

func TestSubmitRejectsEmpty(t *testing.T) {
	orch := newTestOrchestrator(newFakeStore(), newFakeQueue(), 100)

	_, err := orch.Submit(context.Background(), testSubmitRequest(0))
	if apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestSubmitRejectsOversized(t *testing.T) {
	orch := newTestOrchestrator(newFakeStore(), newFakeQueue(), 100)

	_, err := orch.Submit(context.Background(), testSubmitRequest(MaxTicketsPerSubmit+1))
	if apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestSubmitEnqueueFailureCommitsNothing(t *testing.T) {
	store := newFakeStore()
	queues := newFakeQueue()
	queues.enqueueErr = errors.New("redis down")
	orch := newTestOrchestrator(store, queues, 100)

	_, err := orch.Submit(context.Background(), testSubmitRequest(10))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(store.jobs) != 0 {
		t.Error("no job should be persisted when enqueue fails")
	}
}

func TestGetStatusJoinsQueueState(t *testing.T) {
	store := newFakeStore()
	queues := newFakeQueue()
	orch := newTestOrchestrator(store, queues, 100)

	result, err := orch.Submit(context.Background(), testSubmitRequest(150))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := orch.GetStatus(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.QueueState != "ok" {
		t.Errorf("queue_state = %q, want ok", status.QueueState)
	}
	if len(status.PerBatch) != 2 {
		t.Errorf("per_batch = %d, want 2", len(status.PerBatch))
	}
	if status.Tickets.Pending != 150 {
		t.Errorf("pending tickets = %d, want 150", status.Tickets.Pending)
	}
}

func TestGetStatusDegradesWhenQueueDown(t *testing.T) {
	store := newFakeStore()
	queues := newFakeQueue()
	orch := newTestOrchestrator(store, queues, 100)

	result, err := orch.Submit(context.Background(), testSubmitRequest(10))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	queues.getErr = errors.New("redis down")
	status, err := orch.GetStatus(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("GetStatus should not fail on queue outage: %v", err)
	}
	if status.QueueState != "unknown" {
		t.Errorf("queue_state = %q, want unknown", status.QueueState)
	}
	if status.Job == nil || status.Job.ID != result.JobID {
		t.Error("job row must stay authoritative during queue outage")
	}
}

func TestGetStatusMarksPrunedBatches(t *testing.T) {
	store := newFakeStore()
	queues := newFakeQueue()
	orch := newTestOrchestrator(store, queues, 100)

	result, err := orch.Submit(context.Background(), testSubmitRequest(10))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Retention pruned the queue record; status degrades per batch, not
	// per read.
	for id := range queues.jobs {
		delete(queues.jobs, id)
	}
	status, err := orch.GetStatus(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.QueueState != "ok" {
		t.Errorf("queue_state = %q, want ok", status.QueueState)
	}
	if len(status.PerBatch) != 1 || status.PerBatch[0].State != "expired" {
		t.Errorf("per_batch = %+v, want one expired entry", status.PerBatch)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	orch := newTestOrchestrator(newFakeStore(), newFakeQueue(), 100)

	_, err := orch.GetStatus(context.Background(), uuid.New())
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestListByEventRejectsUnknownState(t *testing.T) {
	orch := newTestOrchestrator(newFakeStore(), newFakeQueue(), 100)

	_, err := orch.ListByEvent(context.Background(), 42, "exploded", 1, 20)
	if apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestListByEventPagination(t *testing.T) {
	store := newFakeStore()
	queues := newFakeQueue()
	orch := newTestOrchestrator(store, queues, 100)

	for i := 0; i < 5; i++ {
		if _, err := orch.Submit(context.Background(), testSubmitRequest(1)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	page, err := orch.ListByEvent(context.Background(), 42, "", 1, 2)
	if err != nil {
		t.Fatalf("ListByEvent: %v", err)
	}
	if page.Total != 5 {
		t.Errorf("total = %d, want 5", page.Total)
	}
	if len(page.Jobs) != 2 {
		t.Errorf("page size = %d, want 2", len(page.Jobs))
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	store := newFakeStore()
	queues := newFakeQueue()
	orch := newTestOrchestrator(store, queues, 100)

	result, err := orch.Submit(context.Background(), testSubmitRequest(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	store.jobs[result.JobID].State = db.JobStateCompleted

	_, err = orch.Cancel(context.Background(), result.JobID)
	if apperrors.CodeOf(err) != apperrors.CodePreconditionFailed {
		t.Fatalf("err = %v, want precondition failed", err)
	}
}

func TestCancelCascadesAllTickets(t *testing.T) {
	store := newFakeStore()
	queues := newFakeQueue()
	orch := newTestOrchestrator(store, queues, 100)

	result, err := orch.Submit(context.Background(), testSubmitRequest(3))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// A partially processed job: one ticket already rendered, one failed.
	store.tickets[result.JobID][0].State = db.TicketStateRendered
	store.tickets[result.JobID][1].State = db.TicketStateFailed

	job, err := orch.Cancel(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.State != db.JobStateCancelled {
		t.Errorf("state = %q, want cancelled", job.State)
	}
	// Rendered and failed tickets cascade too; a cancelled job must release
	// every guest/type/event slot for resubmission.
	for _, ticket := range store.tickets[result.JobID] {
		if ticket.State != db.TicketStateCancelled {
			t.Errorf("ticket state = %q, want cancelled", ticket.State)
		}
	}
}
