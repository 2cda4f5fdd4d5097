package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/metrics"
)

// Handler processes one delivery. The returned value is recorded as the job
// result; an error counts as a failed attempt and triggers the retry policy.
// Deliveries are at-least-once, so handlers must be idempotent.
type Handler func(ctx context.Context, job *Job) (any, error)

// SubscribeOptions tune a worker subscription.
type SubscribeOptions struct {
	Concurrency    int           // parallel handler slots; defaults to 1
	PollInterval   time.Duration // idle poll cadence; defaults to 250ms
	HandlerTimeout time.Duration // per-delivery budget; defaults to 30s
	LeaseDuration  time.Duration // stalled threshold; defaults to 2x handler timeout
}

// popScript atomically moves the best waiting item into the active set with
// a lease deadline, so a crash between pop and pickup cannot lose it.
var popScript = goredis.NewScript(`
local id = redis.call('ZRANGE', KEYS[1], 0, 0)
if #id == 0 then
  return false
end
redis.call('ZREM', KEYS[1], id[1])
redis.call('ZADD', KEYS[2], ARGV[1], id[1])
return id[1]
`)

// Worker drains one named queue until stopped.
type Worker struct {
	client  *Client
	queue   string
	handler Handler
	opts    SubscribeOptions
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subscribe starts a worker pool on the named queue. Call Stop to drain.
func (c *Client) Subscribe(queue string, handler Handler, opts SubscribeOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 2 * opts.HandlerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		client:  c,
		queue:   queue,
		handler: handler,
		opts:    opts,
		logger:  c.logger.With(zap.String("queue", queue)),
		cancel:  cancel,
	}

	for i := 0; i < opts.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}

	w.logger.Info("queue worker started", zap.Int("concurrency", opts.Concurrency))
	return w
}

// Stop stops pulling new deliveries and waits for in-flight handlers until
// ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("queue worker drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue worker drain on %s: %w", w.queue, ctx.Err())
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.promoteDelayed(ctx)
		w.reapStalled(ctx)

		id, err := w.pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("queue pop failed", zap.Error(err))
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		if id == "" {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}

		// The delivery itself runs detached from the subscription context:
		// a shutdown signal stops pulling but lets this handler finish.
		w.process(context.Background(), id)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) pop(ctx context.Context) (string, error) {
	lease := time.Now().Add(w.opts.LeaseDuration).UnixMilli()
	res, err := popScript.Run(ctx, w.client.rdb,
		[]string{keyWait(w.queue), keyActive(w.queue)},
		lease,
	).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

// promoteDelayed moves due retries and delayed enqueues back to waiting.
func (w *Worker) promoteDelayed(ctx context.Context) {
	now := time.Now().UnixMilli()
	ids, err := w.client.rdb.ZRangeByScore(ctx, keyDelayed(w.queue), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := w.client.rdb.ZRem(ctx, keyDelayed(w.queue), id).Result()
		if err != nil || removed == 0 {
			continue // another worker promoted it first
		}

		fields, err := w.client.rdb.HGetAll(ctx, keyJob(w.queue, id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		priority, _ := strconv.Atoi(fields["priority"])
		seq, _ := strconv.ParseInt(id, 10, 64)

		pipe := w.client.rdb.TxPipeline()
		pipe.HSet(ctx, keyJob(w.queue, id), "state", StateWaiting)
		pipe.ZAdd(ctx, keyWait(w.queue), goredis.Z{Score: waitScore(priority, seq), Member: id})
		_, _ = pipe.Exec(ctx)
	}
}

// reapStalled returns expired leases to the waiting set. The attempt that
// stalled stays counted, so a crashing handler still burns retry budget.
func (w *Worker) reapStalled(ctx context.Context) {
	now := time.Now().UnixMilli()
	ids, err := w.client.rdb.ZRangeByScore(ctx, keyActive(w.queue), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := w.client.rdb.ZRem(ctx, keyActive(w.queue), id).Result()
		if err != nil || removed == 0 {
			continue
		}

		fields, err := w.client.rdb.HGetAll(ctx, keyJob(w.queue, id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		priority, _ := strconv.Atoi(fields["priority"])
		seq, _ := strconv.ParseInt(id, 10, 64)

		w.logger.Warn("requeueing stalled delivery", zap.String("job_id", id))
		pipe := w.client.rdb.TxPipeline()
		pipe.HSet(ctx, keyJob(w.queue, id), "state", StateWaiting)
		pipe.ZAdd(ctx, keyWait(w.queue), goredis.Z{Score: waitScore(priority, seq), Member: id})
		_, _ = pipe.Exec(ctx)
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	fields, err := w.client.rdb.HGetAll(ctx, keyJob(w.queue, id)).Result()
	if err != nil || len(fields) == 0 {
		w.logger.Warn("active delivery without job record", zap.String("job_id", id))
		_ = w.client.rdb.ZRem(ctx, keyActive(w.queue), id)
		return
	}

	job := jobFromFields(id, fields)
	job.AttemptsMade++
	job.State = StateActive
	now := time.Now().UnixMilli()

	_ = w.client.rdb.HSet(ctx, keyJob(w.queue, id), map[string]any{
		"state":         StateActive,
		"attempts_made": job.AttemptsMade,
		"processed_on":  now,
	}).Err()
	metrics.RecordQueueOp(w.queue, "deliver")

	start := time.Now()
	result, handlerErr := w.invoke(ctx, job)
	metrics.ObserveHandler(w.queue, time.Since(start))

	if handlerErr == nil {
		w.complete(ctx, job, result, fields)
		return
	}
	w.fail(ctx, job, handlerErr, fields)
}

// invoke runs the handler under its timeout, converting panics to errors so
// one bad message cannot take the worker down.
func (w *Worker) invoke(ctx context.Context, job *Job) (result any, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) complete(ctx context.Context, job *Job, result any, fields map[string]string) {
	resultJSON := ""
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			resultJSON = string(data)
		}
	}

	pipe := w.client.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(w.queue, job.ID), map[string]any{
		"state":       StateCompleted,
		"result":      resultJSON,
		"finished_on": time.Now().UnixMilli(),
	})
	pipe.ZRem(ctx, keyActive(w.queue), job.ID)
	pipe.LPush(ctx, keyDone(w.queue), job.ID)
	_, _ = pipe.Exec(ctx)

	retention, _ := strconv.Atoi(fields["remove_on_complete"])
	w.trim(ctx, keyDone(w.queue), retention)

	metrics.RecordQueueOp(w.queue, "complete")
	w.logger.Debug("delivery completed",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.AttemptsMade),
	)
}

func (w *Worker) fail(ctx context.Context, job *Job, handlerErr error, fields map[string]string) {
	if job.AttemptsMade < job.MaxAttempts {
		delay := backoffFromFields(fields).Delay(job.AttemptsMade)
		readyAt := time.Now().Add(delay).UnixMilli()

		pipe := w.client.rdb.TxPipeline()
		pipe.HSet(ctx, keyJob(w.queue, job.ID), map[string]any{
			"state":         StateDelayed,
			"failed_reason": handlerErr.Error(),
		})
		pipe.ZRem(ctx, keyActive(w.queue), job.ID)
		pipe.ZAdd(ctx, keyDelayed(w.queue), goredis.Z{Score: float64(readyAt), Member: job.ID})
		_, _ = pipe.Exec(ctx)

		metrics.RecordQueueOp(w.queue, "retry")
		w.logger.Warn("delivery failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptsMade),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(handlerErr),
		)
		return
	}

	pipe := w.client.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(w.queue, job.ID), map[string]any{
		"state":         StateFailed,
		"failed_reason": handlerErr.Error(),
		"finished_on":   time.Now().UnixMilli(),
	})
	pipe.ZRem(ctx, keyActive(w.queue), job.ID)
	pipe.LPush(ctx, keyDead(w.queue), job.ID)
	_, _ = pipe.Exec(ctx)

	retention, _ := strconv.Atoi(fields["remove_on_fail"])
	w.trim(ctx, keyDead(w.queue), retention)

	metrics.RecordQueueOp(w.queue, "dead_letter")
	w.logger.Error("delivery dead-lettered",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.AttemptsMade),
		zap.Error(handlerErr),
	)
}

// trim prunes retention lists and the hashes of pruned jobs.
func (w *Worker) trim(ctx context.Context, listKey string, retention int) {
	if retention <= 0 {
		return
	}

	pruned, err := w.client.rdb.LRange(ctx, listKey, int64(retention), -1).Result()
	if err != nil || len(pruned) == 0 {
		return
	}

	pipe := w.client.rdb.TxPipeline()
	pipe.LTrim(ctx, listKey, 0, int64(retention)-1)
	for _, id := range pruned {
		pipe.Del(ctx, keyJob(w.queue, id))
	}
	_, _ = pipe.Exec(ctx)
}
