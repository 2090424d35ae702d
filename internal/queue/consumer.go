/**
 * Asynq Queue Consumer for the certificate lookup worker
 *
 * Consumes lookup tasks from Redis through asynq, which owns retries,
 * scheduling and dead-lettering for this backend.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/vigencia-worker/internal/logging"
	"github.com/adverant/nexus/vigencia-worker/internal/processor"
)

// TaskTypeLookup is the asynq task type for certificate lookups.
const TaskTypeLookup = "lookup:certificate"

// Consumer handles task consumption through an asynq server
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *jobRunner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.LookupProcessorInterface
	ProcessingTimeout int64 // milliseconds
}

// NewConsumer creates a new asynq consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("Task processing error",
					"type", task.Type(),
					"retry", retried,
					"max_retry", maxRetry,
					"error", err)
			}),
		},
	)

	consumer := &Consumer{
		server: server,
		mux:    asynq.NewServeMux(),
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, logger),
		config: cfg,
		logger: logger,
	}
	consumer.mux.HandleFunc(TaskTypeLookup, consumer.handleLookup)

	return consumer, nil
}

// retryDelay backs off exponentially from 5s, capped at one minute.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 4 {
		return 60 * time.Second
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the asynq server
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleLookup processes a lookup task
func (c *Consumer) handleLookup(ctx context.Context, task *asynq.Task) error {
	job, err := decodeTask(task)
	if err != nil {
		// Malformed payloads are not retried
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if id, ok := asynq.GetTaskID(ctx); ok && job.JobID == "" {
		job.JobID = id
	}
	if err := job.Normalize(); err != nil {
		return fmt.Errorf("invalid lookup job: %v: %w", err, asynq.SkipRetry)
	}

	result, err := c.runner.run(ctx, context.Background(), job)
	if err != nil {
		return err
	}

	if data, err := json.Marshal(result); err == nil && task.ResultWriter() != nil {
		if _, werr := task.ResultWriter().Write(data); werr != nil {
			c.logger.Warn("Failed to write task result", "job_id", job.JobID, "error", werr)
		}
	}
	return nil
}

func decodeTask(task *asynq.Task) (*LookupJob, error) {
	if task.Type() != TaskTypeLookup {
		return nil, fmt.Errorf("unexpected task type %q", task.Type())
	}
	var job LookupJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job data: %w", err)
	}
	return &job, nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
