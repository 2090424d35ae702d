// Package cli implements the vigencia command line: one-off lookups, captcha
// and PDF debugging, and queue submission.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/adverant/nexus/vigencia-worker/internal/captcha"
	"github.com/adverant/nexus/vigencia-worker/internal/config"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
	"github.com/adverant/nexus/vigencia-worker/internal/queue"
)

// version is set at build time with -ldflags.
var version = "dev"

// v holds flag and VIGENCIA_* environment overrides on top of config.Load.
var v = viper.New()

// recognitionEngine replaces Tesseract when set.
var recognitionEngine captcha.Engine

var rootCmd = &cobra.Command{
	Use:   "vigencia",
	Short: "Cédula validity certificate lookups",
	Long: `Downloads the Registraduría cédula validity certificate, solving the
form captcha, and extracts the document number, issue date and status.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		_ = godotenv.Load(".env.vigencia")
	},
}

func init() {
	v.SetEnvPrefix("VIGENCIA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	pf := rootCmd.PersistentFlags()
	pf.String("database-url", "", "Result store (postgres://... or sqlite://path)")
	pf.String("redis-url", "", "Redis URL for the job queue")
	pf.String("queue-backend", "", "Queue backend: redis or asynq")
	pf.String("queue", "", "Queue name")
	pf.String("registry-url", "", "Certificate form URL")
	pf.String("output-dir", "", "Directory for downloaded certificates")
	pf.String("diagnostics-dir", "", "Write captcha preprocessing stages here")
	pf.String("date-mode", "", "Issue date matching: lenient or strict")
	pf.String("archive-url", "", "FileProcess API URL for archival")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.Int("max-attempts", 0, "Captcha attempts per lookup")
	pf.Int("psm", 0, "Tesseract page segmentation mode")
	pf.Float64("min-confidence", 0, "Minimum captcha confidence (0..100)")
	pf.Float64("rps", 0, "Requests per second against the registry")
	pf.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads the environment and applies flag and VIGENCIA_* overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()

	overrideString(&cfg.DatabaseURL, "database-url")
	overrideString(&cfg.RedisURL, "redis-url")
	overrideString(&cfg.QueueBackend, "queue-backend")
	overrideString(&cfg.QueueName, "queue")
	overrideString(&cfg.RegistryURL, "registry-url")
	overrideString(&cfg.OutputDir, "output-dir")
	overrideString(&cfg.DiagnosticsDir, "diagnostics-dir")
	overrideString(&cfg.DateMatchMode, "date-mode")
	overrideString(&cfg.ArchiveURL, "archive-url")
	overrideString(&cfg.LogLevel, "log-level")
	if v.IsSet("max-attempts") {
		cfg.MaxCaptchaAttempts = v.GetInt("max-attempts")
	}
	if v.IsSet("psm") {
		cfg.PageSegMode = v.GetInt("psm")
	}
	if v.IsSet("min-confidence") {
		cfg.MinCaptchaConfidence = v.GetFloat64("min-confidence")
	}
	if v.IsSet("rps") {
		cfg.RequestsPerSecond = v.GetFloat64("rps")
	}
	cfg.QueueBackend = strings.ToLower(cfg.QueueBackend)
	cfg.DateMatchMode = strings.ToLower(cfg.DateMatchMode)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func cliLogger(cmd *cobra.Command) *logging.Logger {
	return logging.NewLoggerTo(cmd.ErrOrStderr(), "vigencia")
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(value)
}

// dateFlags is the issue date shared by lookup and enqueue.
type dateFlags struct {
	day, month, year int
	issueDate        string
}

func (d *dateFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&d.day, "day", 0, "Issue day")
	fs.IntVar(&d.month, "month", 0, "Issue month")
	fs.IntVar(&d.year, "year", 0, "Issue year")
	fs.StringVar(&d.issueDate, "issue-date", "", "Issue date as DD/MM/YYYY (instead of --day/--month/--year)")
}

func (d *dateFlags) resolve() (day, month, year int, err error) {
	if d.issueDate != "" {
		return queue.ParseIssueDate(d.issueDate)
	}
	if d.day == 0 || d.month == 0 || d.year == 0 {
		return 0, 0, 0, errors.New("issue date required: use --issue-date or --day, --month and --year")
	}
	return d.day, d.month, d.year, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("vigencia version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
