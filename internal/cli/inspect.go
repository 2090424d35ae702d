package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/vigencia-worker/internal/app"
	"github.com/adverant/nexus/vigencia-worker/internal/captcha"
	"github.com/adverant/nexus/vigencia-worker/internal/document"
	"github.com/adverant/nexus/vigencia-worker/internal/fields"
)

var solveCmd = &cobra.Command{
	Use:   "solve [image]",
	Short: "Recognize a saved captcha image",
	Long: `Runs the captcha preprocessing and recognition on an image file. Use
--diagnostics-dir to keep every intermediate stage as PNG.`,
	Args: cobra.ExactArgs(1),
	RunE: runSolve,
}

var extractCmd = &cobra.Command{
	Use:   "extract [pdf]",
	Short: "Extract fields from a downloaded certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

var (
	extractShowText bool
	solveStages     bool
)

func init() {
	solveCmd.Flags().BoolVar(&solveStages, "stages", false, "Report every preprocessing stage size")
	extractCmd.Flags().BoolVar(&extractShowText, "text", false, "Include the full extracted text")
	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(extractCmd)
}

type solveOutput struct {
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence"`
	HasConfidence bool    `json:"hasConfidence"`
	LowConfidence bool    `json:"lowConfidence"`
	DurationMs    int64   `json:"durationMs"`
	Stages        []stage `json:"stages,omitempty"`
}

type stage struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	var (
		solver *captcha.Solver
		mem    *captcha.MemorySink
	)
	if solveStages {
		mem = &captcha.MemorySink{}
		solver, err = app.NewSolverWithSink(cfg, recognitionEngine, mem, cliLogger(cmd))
	} else {
		solver, err = app.NewSolver(cfg, recognitionEngine, cliLogger(cmd))
	}
	if err != nil {
		return err
	}

	tok, err := solver.Solve(cmd.Context(), data)
	if err != nil {
		return err
	}
	out := solveOutput{
		Text:          tok.Text,
		Confidence:    tok.Confidence,
		HasConfidence: tok.HasConfidence,
		LowConfidence: tok.LowConfidence,
		DurationMs:    tok.Duration.Milliseconds(),
	}
	if mem != nil {
		for i, name := range mem.Stages {
			b := mem.Images[i].Bounds()
			out.Stages = append(out.Stages, stage{Name: name, Width: b.Dx(), Height: b.Dy()})
		}
	}
	return printJSON(cmd, out)
}

type extractOutput struct {
	File   string            `json:"file"`
	SHA256 string            `json:"sha256"`
	Pages  int               `json:"pages"`
	Fields fields.Fields     `json:"fields"`
	Meta   map[string]string `json:"_meta"`
	Text   string            `json:"text,omitempty"`
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := fields.ParseDateMode(cfg.DateMatchMode)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}
	text, err := document.ExtractText(data)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	out := extractOutput{
		File:   filepath.Base(args[0]),
		SHA256: hex.EncodeToString(sum[:]),
		Fields: fields.NewExtractor(mode).Extract(text),
		Meta:   map[string]string{"pdf_path": args[0]},
	}
	if info, err := document.Inspect(data); err == nil {
		out.Pages = info.Pages
	}
	if extractShowText {
		out.Text = text
	}
	return printJSON(cmd, out)
}
