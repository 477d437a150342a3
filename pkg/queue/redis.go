package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"EdgeRefresh/pkg/logger"
)

// releaseScript deletes a dedup key only while it still names the message.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisQueue is a job queue on a Redis list. A message whose payload is
// Keyed is coalesced with an identical key already waiting; the key is
// released when a worker pops the message, so work requested while a job
// runs is queued again. Failures are retried through a sorted set with
// exponential backoff and finally moved to a dead-letter list. A job
// returning *RetryLater is rescheduled through the same set without using
// up an attempt.
type RedisQueue struct {
	log      *logger.Logger
	cfg      QueueConfig
	client   redis.UniversalClient
	prefix   string
	dedupTTL time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets the prefix of every key the queue owns.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithDedupTTL bounds how long a dedup key survives a crashed worker.
func WithDedupTTL(d time.Duration) RedisQueueOption {
	return func(r *RedisQueue) {
		if d > 0 {
			r.dedupTTL = d
		}
	}
}

func WithQueueClock(now func() time.Time) RedisQueueOption {
	return func(r *RedisQueue) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRedisQueue creates a queue; call RegisterJob then Start.
func NewRedisQueue(lgr *logger.Logger, cfg QueueConfig, client redis.UniversalClient, opts ...RedisQueueOption) *RedisQueue {
	if lgr == nil {
		lgr = logger.Nop()
	}
	r := &RedisQueue{
		log:      lgr,
		cfg:      cfg.withDefaults(),
		client:   client,
		prefix:   "edgerefresh:queue",
		dedupTTL: 10 * time.Minute,
		now:      time.Now,
		jobs:     make(map[string]Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterJob registers job for its message type; the first registration wins.
func (r *RedisQueue) RegisterJob(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.Type()]; exists {
		r.log.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	r.jobs[job.Type()] = job
	r.log.Info("job registered",
		logger.String("job", job.Name()),
		logger.String("type", job.Type()))
}

// Start pings Redis and launches the workers and the retry pump.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("queue already running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.retryPump()

	r.log.Info("redis queue started",
		logger.Int("workers", r.cfg.Workers),
		logger.String("prefix", r.prefix))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs or ctx.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		r.log.Warn("timeout waiting for queue workers", logger.Error(ctx.Err()))
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-done:
		r.log.Info("redis queue stopped")
		return nil
	}
}

// Enqueue adds a message for msgType. A Keyed payload whose key is already
// waiting is coalesced into the waiting message and nil is returned.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	r.mu.RLock()
	running := r.running
	_, registered := r.jobs[msgType]
	r.mu.RUnlock()

	if !running {
		return ErrNotRunning
	}
	if !registered {
		return fmt.Errorf("no job registered for type: %s", msgType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Key:       keyOf(payload),
		Payload:   raw,
		Timestamp: r.now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if msg.Key != "" {
		ok, err := r.client.SetNX(ctx, r.pendingKey(msg), msg.ID, r.dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("setnx: %w", err)
		}
		if !ok {
			r.log.Debug("message coalesced",
				logger.String("type", msgType),
				logger.String("key", msg.Key))
			return nil
		}
	}

	if err := r.client.LPush(ctx, r.queueKey(), data).Err(); err != nil {
		if msg.Key != "" {
			_ = r.client.Del(ctx, r.pendingKey(msg)).Err()
		}
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// Stats reports waiting, retrying and dead-lettered message counts.
func (r *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := r.client.Pipeline()
	waiting := pipe.LLen(ctx, r.queueKey())
	retrying := pipe.ZCard(ctx, r.retryKey())
	dead := pipe.LLen(ctx, r.deadLetterKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Waiting: waiting.Val(), Retrying: retrying.Val(), Dead: dead.Val()}, nil
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	r.log.Debug("queue worker started", logger.Int("worker_id", id))

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		msg, ok := r.pop()
		if ok {
			r.process(msg)
		}
	}
}

func (r *RedisQueue) pop() (Message, bool) {
	res, err := r.client.BRPop(r.ctx, r.cfg.PollTimeout, r.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return Message{}, false
		}
		r.log.Error("brpop error", logger.Error(err))
		select {
		case <-time.After(r.cfg.PollTimeout):
		case <-r.ctx.Done():
		}
		return Message{}, false
	}
	if len(res) < 2 {
		return Message{}, false
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		r.log.Error("unmarshal message", logger.Error(err))
		return Message{}, false
	}
	if msg.Key != "" {
		if err := releaseScript.Run(r.ctx, r.client, []string{r.pendingKey(msg)}, msg.ID).Err(); err != nil {
			r.log.Warn("release dedup key", logger.String("key", msg.Key), logger.Error(err))
		}
	}
	return msg, true
}

func (r *RedisQueue) process(msg Message) {
	r.mu.RLock()
	job, exists := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !exists {
		r.log.Error("no job found",
			logger.String("type", msg.Type),
			logger.String("id", msg.ID))
		return
	}

	start := r.now()
	err := job.Handle(r.ctx, msg.Payload)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		r.log.Warn("message cancelled",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Duration("elapsed", r.now().Sub(start)))
		return
	}

	var later *RetryLater
	if errors.As(err, &later) {
		delay := later.After
		if delay <= 0 {
			delay = r.cfg.RetryBase
		}
		msg.Deferrals++
		r.log.Debug("message deferred",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.String("reason", later.Reason),
			logger.Duration("delay", delay))
		r.schedule(msg, r.now().Add(delay))
		return
	}

	r.log.Error("message processing error",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(err))

	if msg.Attempts >= r.cfg.RetryLimit {
		r.log.Error("max retries reached",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()))
		r.push(r.deadLetterKey(), msg)
		return
	}

	msg.Attempts++
	r.schedule(msg, r.now().Add(r.retryDelay(msg.Attempts)))
}

// schedule parks msg in the retry set until at.
func (r *RedisQueue) schedule(msg Message, at time.Time) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("marshal retry", logger.Error(err))
		return
	}
	if err := r.client.ZAdd(context.WithoutCancel(r.ctx), r.retryKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: data,
	}).Err(); err != nil {
		r.log.Error("zadd retry", logger.Error(err))
	}
}

// retryDelay doubles RetryBase per attempt, capped at RetryMax.
func (r *RedisQueue) retryDelay(attempt int) time.Duration {
	d := r.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.RetryMax {
			return r.cfg.RetryMax
		}
	}
	return d
}

func (r *RedisQueue) push(key string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("marshal message", logger.Error(err))
		return
	}
	if err := r.client.LPush(context.WithoutCancel(r.ctx), key, data).Err(); err != nil {
		r.log.Error("lpush", logger.String("key", key), logger.Error(err))
	}
}

func (r *RedisQueue) retryPump() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RetryBase)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.promoteDue()
		}
	}
}

// promoteDue moves due retries back to the main list. ZRem decides the
// owner, so several instances sharing the keys never double-deliver.
func (r *RedisQueue) promoteDue() {
	due, err := r.client.ZRangeByScore(r.ctx, r.retryKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(r.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.Error("fetch retry messages", logger.Error(err))
		}
		return
	}

	for _, member := range due {
		removed, err := r.client.ZRem(r.ctx, r.retryKey(), member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := r.client.LPush(r.ctx, r.queueKey(), member).Err(); err != nil {
			r.log.Error("move retry to queue", logger.Error(err))
		}
	}
}

func (r *RedisQueue) queueKey() string      { return r.prefix + ":messages" }
func (r *RedisQueue) retryKey() string      { return r.prefix + ":retry" }
func (r *RedisQueue) deadLetterKey() string { return r.prefix + ":dlq" }

func (r *RedisQueue) pendingKey(msg Message) string {
	return r.prefix + ":pending:" + msg.Type + ":" + msg.Key
}
