/**
 * Direct Redis Queue Consumer for the certificate lookup worker
 *
 * Uses plain Redis LIST operations so any client can enqueue lookups:
 * - LPUSH <queue> <id> with the job JSON in HSET <queue>:data <id>
 * - status sets <queue>:processing / :completed / :failed
 * - results in <queue>:results, errors in <queue>:errors
 * - events published on <queue>:events
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/vigencia-worker/internal/logging"
	"github.com/adverant/nexus/vigencia-worker/internal/processor"
)

const (
	defaultQueueName  = "vigencia:jobs"
	defaultMaxRetries = 3
	jobTypeLookup     = "lookup"
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    LookupJob `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"maxRetries"`
}

func newRedisJob(job *LookupJob, maxRetries int) *RedisJobData {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &RedisJobData{
		ID:         job.JobID,
		Type:       jobTypeLookup,
		Payload:    *job,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	}
}

func dataKey(queue string) string { return queue + ":data" }

// listClient is the subset of the Redis client the consumer loop uses.
type listClient interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	list   listClient
	runner *jobRunner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.LookupProcessorInterface
	ProcessingTimeout int64 // milliseconds
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = defaultQueueName
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	// Test connection
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger := logging.NewLogger("RedisConsumer")
	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: client,
		list:   client,
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, logger),
		config: cfg,
		logger: logger,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop stops polling and waits for in-flight jobs to finish.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if !errors.Is(err, errNoJobs) && c.ctx.Err() == nil {
					c.logger.Error("Worker error", "worker", id, "error", err)
				}
				// Small delay before trying again
				select {
				case <-c.ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue. Only the
// pop observes the consumer context: once a job is taken it runs to completion
// and its status is written even if Stop is called meanwhile.
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.list.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	id := result[1]
	ctx := context.Background()

	raw, err := c.list.HGet(ctx, dataKey(c.config.QueueName), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markFailed(ctx, id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if err := job.Payload.Normalize(); err != nil {
		c.markFailed(ctx, job.Payload.JobID, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("invalid job %s: %w", id, err)
	}

	c.markProcessing(ctx, job.Payload.JobID)

	lookup, err := c.runner.run(ctx, ctx, &job.Payload)
	if err != nil {
		job.Attempts++
		if job.Attempts < job.MaxRetries {
			// Re-queue for retry
			updated, _ := json.Marshal(job)
			c.list.HSet(ctx, dataKey(c.config.QueueName), job.ID, updated)
			c.list.LPush(ctx, c.config.QueueName, job.ID)
			c.logger.Warn("Job re-queued for retry",
				"job_id", job.Payload.JobID,
				"attempt", job.Attempts,
				"max_retries", job.MaxRetries)
			return nil
		}
		c.markFailed(ctx, job.Payload.JobID, map[string]interface{}{
			"error":    err.Error(),
			"attempts": job.Attempts,
		})
		return nil
	}

	c.markCompleted(ctx, job.Payload.JobID, lookup)
	return nil
}

func (c *RedisConsumer) markProcessing(ctx context.Context, jobID string) {
	c.list.SAdd(ctx, c.config.QueueName+":processing", jobID)
	c.publish(ctx, jobID, processor.StatusProcessing)
}

func (c *RedisConsumer) markCompleted(ctx context.Context, jobID string, result *processor.LookupResult) {
	q := c.config.QueueName
	c.list.SRem(ctx, q+":processing", jobID)
	c.list.SAdd(ctx, q+":completed", jobID)
	if result != nil {
		data, _ := json.Marshal(result)
		c.list.HSet(ctx, q+":results", jobID, data)
	}
	c.publish(ctx, jobID, processor.StatusCompleted)
}

func (c *RedisConsumer) markFailed(ctx context.Context, jobID string, detail map[string]interface{}) {
	q := c.config.QueueName
	c.list.SRem(ctx, q+":processing", jobID)
	c.list.SAdd(ctx, q+":failed", jobID)
	if detail != nil {
		data, _ := json.Marshal(detail)
		c.list.HSet(ctx, q+":errors", jobID, data)
	}
	c.publish(ctx, jobID, processor.StatusFailed)
}

// publish announces a status change for subscribers
func (c *RedisConsumer) publish(ctx context.Context, jobID, status string) {
	event := map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.list.Publish(ctx, c.config.QueueName+":events", eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	q := c.config.QueueName
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, q)
	processing := pipe.SCard(ctx, q+":processing")
	completed := pipe.SCard(ctx, q+":completed")
	failed := pipe.SCard(ctx, q+":failed")
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
