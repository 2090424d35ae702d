package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/vigencia-worker/internal/config"
	"github.com/adverant/nexus/vigencia-worker/internal/queue"
	"github.com/adverant/nexus/vigencia-worker/internal/storage"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [cedula]",
	Short: "Queue a lookup for the worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

var jobCmd = &cobra.Command{
	Use:   "job [job-id]",
	Short: "Show the stored status of a lookup job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJob,
}

var certificateCmd = &cobra.Command{
	Use:   "certificate [cedula]",
	Short: "Show the latest stored certificate for a cédula",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertificate,
}

var (
	enqueueDate     dateFlags
	enqueueJobID    string
	enqueueMaxRetry int
)

func init() {
	enqueueDate.register(enqueueCmd.Flags())
	enqueueCmd.Flags().StringVar(&enqueueJobID, "job-id", "", "Job ID (random when empty)")
	enqueueCmd.Flags().IntVar(&enqueueMaxRetry, "max-retry", 3, "Job-level retries after a failed lookup")
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(certificateCmd)
}

func newEnqueuer(cfg *config.Config, maxRetry int) (queue.Enqueuer, error) {
	if cfg.QueueBackend == config.QueueBackendAsynq {
		return queue.NewProducer(cfg.RedisURL, cfg.QueueName, maxRetry)
	}
	return queue.NewRedisProducer(cfg.RedisURL, cfg.QueueName, maxRetry)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	day, month, year, err := enqueueDate.resolve()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := newEnqueuer(cfg, enqueueMaxRetry)
	if err != nil {
		return err
	}
	defer q.Close()

	id, err := q.Enqueue(cmd.Context(), &queue.LookupJob{
		JobID:    enqueueJobID,
		Cedula:   args[0],
		Day:      day,
		Month:    month,
		Year:     year,
		Metadata: map[string]interface{}{"source": "cli"},
	})
	if err != nil {
		return err
	}
	cmd.Printf("Enqueued job %s on %s (%s)\n", id, cfg.QueueName, cfg.QueueBackend)
	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	sm, err := openStorage()
	if err != nil {
		return err
	}
	defer sm.Close()

	job, err := sm.GetJobByID(cmd.Context(), args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no job with ID %s", args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, job)
}

func runCertificate(cmd *cobra.Command, args []string) error {
	sm, err := openStorage()
	if err != nil {
		return err
	}
	defer sm.Close()

	rec, err := sm.LatestCertificate(cmd.Context(), args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no certificate stored for %s", args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, rec)
}

func openStorage() (*storage.StorageManager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sm, err := storage.NewStorageManager(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return sm, nil
}
