// Package queue implements named durable queues on Redis: strict priorities
// with FIFO inside each priority, exponential retry backoff, bounded
// attempts with dead-lettering, and at-least-once delivery to subscribed
// workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/metrics"
	"github.com/karimbenali/billetcore/internal/redis"
)

// Job states reported by Get.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed" // dead-lettered: retry budget exhausted
)

// ErrJobNotFound is returned by Get for unknown or already-pruned jobs.
var ErrJobNotFound = errors.New("queue job not found")

// priorityStride separates priority bands in the waiting set score. Items
// within a band keep FIFO order through their monotonic id.
const priorityStride = 1e12

// defaultOpTimeout bounds queue operations without a caller deadline.
const defaultOpTimeout = 2 * time.Second

// Backoff is the exponential retry policy: min(Cap, Base * 2^(attempt-1)).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Options configure a single enqueue.
type Options struct {
	Priority         int // lower is earlier; defaults to 1
	Attempts         int // total delivery budget; defaults to 1
	Backoff          Backoff
	RemoveOnComplete int // completed jobs retained per queue; 0 keeps all
	RemoveOnFail     int // dead-lettered jobs retained per queue; 0 keeps all
	Delay            time.Duration
}

// Job is the observable state of one queue item.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	State        string          `json:"state"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	FailedReason string          `json:"failed_reason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	ProcessedOn  int64           `json:"processed_on,omitempty"`
	FinishedOn   int64           `json:"finished_on,omitempty"`
}

// Client talks to every named queue on one Redis connection pool.
type Client struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

// NewClient creates a queue client on top of the shared Redis client.
func NewClient(c *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: c.RDB(), logger: logger}
}

func keyID(queue string) string      { return "q:" + queue + ":id" }
func keyJob(queue, id string) string { return "q:" + queue + ":job:" + id }
func keyWait(queue string) string    { return "q:" + queue + ":wait" }
func keyDelayed(queue string) string { return "q:" + queue + ":delayed" }
func keyActive(queue string) string  { return "q:" + queue + ":active" }
func keyDone(queue string) string    { return "q:" + queue + ":completed" }
func keyDead(queue string) string    { return "q:" + queue + ":dead" }

func waitScore(priority int, id int64) float64 {
	return float64(priority)*priorityStride + float64(id)
}

func withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultOpTimeout)
}

// Enqueue adds one item to the named queue and returns its queue job id.
// Delivery is durable the moment this returns.
func (c *Client) Enqueue(ctx context.Context, queue, name string, payload any, opts Options) (string, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	if opts.Priority <= 0 {
		opts.Priority = 1
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	seq, err := c.rdb.Incr(ctx, keyID(queue)).Result()
	if err != nil {
		return "", fmt.Errorf("allocate queue job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)

	now := time.Now().UnixMilli()
	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}

	fields := map[string]any{
		"name":               name,
		"payload":            string(body),
		"state":              state,
		"priority":           opts.Priority,
		"attempts_made":      0,
		"max_attempts":       opts.Attempts,
		"backoff_base_ms":    opts.Backoff.Base.Milliseconds(),
		"backoff_cap_ms":     opts.Backoff.Cap.Milliseconds(),
		"remove_on_complete": opts.RemoveOnComplete,
		"remove_on_fail":     opts.RemoveOnFail,
		"created_at":         now,
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(queue, id), fields)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, keyDelayed(queue), goredis.Z{
			Score:  float64(now + opts.Delay.Milliseconds()),
			Member: id,
		})
	} else {
		pipe.ZAdd(ctx, keyWait(queue), goredis.Z{
			Score:  waitScore(opts.Priority, seq),
			Member: id,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", queue, err)
	}

	metrics.RecordQueueOp(queue, "enqueue")
	if depth, err := c.rdb.ZCard(ctx, keyWait(queue)).Result(); err == nil {
		metrics.SetQueueDepth(queue, depth)
	}

	c.logger.Debug("job enqueued",
		zap.String("queue", queue),
		zap.String("job_id", id),
		zap.String("name", name),
		zap.Int("priority", opts.Priority),
	)
	return id, nil
}

// Get returns the observable state of a queue job.
func (c *Client) Get(ctx context.Context, queue, id string) (*Job, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	fields, err := c.rdb.HGetAll(ctx, keyJob(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load queue job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromFields(id, fields), nil
}

// Depth reports how many items are waiting on the queue.
func (c *Client) Depth(ctx context.Context, queue string) (int64, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return c.rdb.ZCard(ctx, keyWait(queue)).Result()
}

func jobFromFields(id string, fields map[string]string) *Job {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	atoi64 := func(s string) int64 {
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}

	job := &Job{
		ID:           id,
		Name:         fields["name"],
		State:        fields["state"],
		Priority:     atoi(fields["priority"]),
		AttemptsMade: atoi(fields["attempts_made"]),
		MaxAttempts:  atoi(fields["max_attempts"]),
		FailedReason: fields["failed_reason"],
		CreatedAt:    atoi64(fields["created_at"]),
		ProcessedOn:  atoi64(fields["processed_on"]),
		FinishedOn:   atoi64(fields["finished_on"]),
	}
	if payload := fields["payload"]; payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	if result := fields["result"]; result != "" {
		job.Result = json.RawMessage(result)
	}
	return job
}

func backoffFromFields(fields map[string]string) Backoff {
	base, _ := strconv.ParseInt(fields["backoff_base_ms"], 10, 64)
	ceil, _ := strconv.ParseInt(fields["backoff_cap_ms"], 10, 64)
	return Backoff{
		Base: time.Duration(base) * time.Millisecond,
		Cap:  time.Duration(ceil) * time.Millisecond,
	}
}
