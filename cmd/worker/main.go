/**
 * Vigencia Worker - Main Entry Point
 *
 * Go worker that downloads cédula validity certificates from the
 * Registraduría site.
 *
 * Architecture:
 * - Redis list or Asynq consumer for the lookup job queue
 * - Captcha preprocessing + Tesseract recognition with bounded retries
 * - PDF text extraction and field parsing
 * - PostgreSQL or SQLite persistence for certificates and job status
 * - Optional archival through the FileProcess API
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/vigencia-worker/internal/app"
	"github.com/adverant/nexus/vigencia-worker/internal/config"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
	"github.com/adverant/nexus/vigencia-worker/internal/processor"
	"github.com/adverant/nexus/vigencia-worker/internal/queue"
	"github.com/adverant/nexus/vigencia-worker/internal/storage"
	"github.com/joho/godotenv"
)

// queueConsumer is the part of both queue backends main needs.
type queueConsumer struct {
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.vigencia"); err != nil {
		log.Printf("Warning: .env.vigencia not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLogger("Worker")

	log.Printf("Vigencia Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Backend=%s, Database=%s, Workers=%d",
		cfg.RedisURL, cfg.QueueBackend, redactURL(cfg.DatabaseURL), cfg.WorkerConcurrency)

	// Initialize storage
	log.Printf("Connecting to storage...")
	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	if err := healthCheck(storageManager); err != nil {
		storageManager.Close()
		log.Fatalf("Storage not ready: %v", err)
	}
	log.Printf("Storage manager initialized (%s)", storageManager.Driver())

	// Initialize lookup processor
	log.Printf("Initializing lookup processor...")
	proc, err := app.NewProcessor(cfg, storageManager, nil, logger)
	if err != nil {
		storageManager.Close()
		log.Fatalf("Failed to initialize lookup processor: %v", err)
	}
	log.Printf("Lookup processor initialized (max captcha attempts=%d, psm=%d)", cfg.MaxCaptchaAttempts, cfg.PageSegMode)

	// Initialize queue consumer
	log.Printf("Connecting to Redis queue (%s backend)...", cfg.QueueBackend)
	consumer, err := newQueueConsumer(cfg, proc)
	if err != nil {
		storageManager.Close()
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("Starting queue consumer...")
	if err := consumer.start(ctx); err != nil {
		storageManager.Close()
		log.Fatalf("Failed to start queue consumer: %v", err)
	}
	log.Printf("Queue consumer started successfully")

	// Print startup summary
	log.Printf("===========================================")
	log.Printf("Vigencia Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("Registry: %s", cfg.RegistryURL)
	log.Printf("Rate limit: %.2f req/s", cfg.RequestsPerSecond)
	log.Printf("Job timeout: %s", cfg.Timeout())
	log.Printf("Output dir: %s", cfg.OutputDir)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	log.Printf("Stopping queue consumer...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := consumer.stop(stopCtx); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	log.Printf("Closing storage manager...")
	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	} else {
		log.Printf("Storage manager closed")
	}

	log.Printf("Shutdown complete")
}

func newQueueConsumer(cfg *config.Config, proc processor.LookupProcessorInterface) (*queueConsumer, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		return &queueConsumer{start: c.Start, stop: c.Stop}, nil
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		return &queueConsumer{
			start: func(context.Context) error { return c.Start() },
			stop:  func(context.Context) error { return c.Stop() },
		}, nil
	}
}

func healthCheck(sm *storage.StorageManager) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sm.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// redactURL hides the password of a postgres:// URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
