package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/vigencia-worker/internal/app"
	"github.com/adverant/nexus/vigencia-worker/internal/processor"
	"github.com/adverant/nexus/vigencia-worker/internal/storage"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup [cedula]",
	Short: "Download and parse the certificate for a cédula",
	Long: `Runs one lookup in-process: solves the captcha (retrying up to
--max-attempts), saves the PDF and JSON under --output-dir and prints the
extracted fields.`,
	Args: cobra.ExactArgs(1),
	RunE: runLookup,
}

var (
	lookupDate    dateFlags
	lookupJobID   string
	lookupNoStore bool
)

func init() {
	lookupDate.register(lookupCmd.Flags())
	lookupCmd.Flags().StringVar(&lookupJobID, "job-id", "", "Job ID (random when empty)")
	lookupCmd.Flags().BoolVar(&lookupNoStore, "no-store", false, "Do not persist the certificate")
	rootCmd.AddCommand(lookupCmd)
}

func runLookup(cmd *cobra.Command, args []string) error {
	day, month, year, err := lookupDate.resolve()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cmd)

	var store processor.CertificateStore
	if !lookupNoStore {
		sm, err := storage.NewStorageManager(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer sm.Close()
		store = sm
	}

	proc, err := app.NewProcessor(cfg, store, recognitionEngine, logger)
	if err != nil {
		return err
	}

	jobID := lookupJobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout())
	defer cancel()

	result, err := proc.ProcessLookup(ctx, &processor.LookupRequest{
		JobID:      jobID,
		Cedula:     args[0],
		IssueDay:   day,
		IssueMonth: month,
		IssueYear:  year,
		Metadata:   map[string]interface{}{"source": "cli"},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("lookup timed out after %s: %w", cfg.Timeout(), err)
		}
		return err
	}
	return printJSON(cmd, result)
}
