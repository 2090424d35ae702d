package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Enqueuer submits lookup jobs to a queue backend.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *LookupJob) (string, error)
	Close() error
}

// NewLookupTask builds the asynq task for job. The job ID doubles as the
// task ID so a job cannot be queued twice.
func NewLookupTask(job *LookupJob, queueName string, maxRetry int) (*asynq.Task, error) {
	if err := job.Normalize(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(job.JobID),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(24 * time.Hour),
	}
	if queueName != "" {
		opts = append(opts, asynq.Queue(queueName))
	}
	return asynq.NewTask(TaskTypeLookup, payload, opts...), nil
}

// Producer enqueues lookup tasks through asynq
type Producer struct {
	client    *asynq.Client
	queueName string
	maxRetry  int
}

// NewProducer creates an asynq producer
func NewProducer(redisURL, queueName string, maxRetry int) (*Producer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Producer{
		client:    asynq.NewClient(redisOpt),
		queueName: queueName,
		maxRetry:  maxRetry,
	}, nil
}

// Enqueue submits job and returns its ID.
func (p *Producer) Enqueue(ctx context.Context, job *LookupJob) (string, error) {
	task, err := NewLookupTask(job, p.queueName, p.maxRetry)
	if err != nil {
		return "", err
	}
	info, err := p.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// Close closes the asynq client
func (p *Producer) Close() error {
	return p.client.Close()
}

// RedisProducer enqueues jobs using the list protocol read by RedisConsumer
type RedisProducer struct {
	client     *redis.Client
	queueName  string
	maxRetries int
}

// NewRedisProducer creates a list-queue producer
func NewRedisProducer(redisURL, queueName string, maxRetries int) (*RedisProducer, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if queueName == "" {
		queueName = defaultQueueName
	}
	return &RedisProducer{client: redis.NewClient(opt), queueName: queueName, maxRetries: maxRetries}, nil
}

// Enqueue stores the job under <queue>:data and pushes its ID.
func (p *RedisProducer) Enqueue(ctx context.Context, job *LookupJob) (string, error) {
	if err := job.Normalize(); err != nil {
		return "", err
	}
	data, err := json.Marshal(newRedisJob(job, p.maxRetries))
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, dataKey(p.queueName), job.JobID, data)
	pipe.LPush(ctx, p.queueName, job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.JobID, nil
}

// Close closes the Redis client
func (p *RedisProducer) Close() error {
	return p.client.Close()
}
