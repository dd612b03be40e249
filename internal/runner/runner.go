// Package runner orchestrates one evaluation run end to end: load and
// validate inputs, dispatch to the configured provider, and write the result
// artifact with its reproducibility metadata.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mcqeval/internal/config"
	"mcqeval/internal/dataset"
	"mcqeval/internal/prompt"
	"mcqeval/internal/provider"
	"mcqeval/internal/request"
	"mcqeval/internal/result"
)

// Result-artifact columns appended to the original dataset columns.
const (
	ColResponse     = "response"
	ColResultStatus = "result_status"
	ColCorrect      = "correct"
	ColBatchID      = "batch_id"
	ColRunID        = "run_id"
	ColModelName    = "model_name"
	ColTemperature  = "temperature"
	ColSeed         = "seed"
	ColMaxTokens    = "max_tokens"
	ColSystemPrompt = "system_prompt_file"
	ColUserPrompt   = "user_prompt_file"
	ColTimestamp    = "timestamp"
)

// dryRunSamples is how many rendered requests a dry run prints.
const dryRunSamples = 3

// Runner executes one configured evaluation run.
type Runner struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
}

// New creates a runner for a loaded config. configPath is the YAML the
// config came from; a copy is saved next to the result artifact.
func New(cfg *config.Config, configPath string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, configPath: configPath, logger: logger}
}

// Execute runs the full pipeline. With dryRun set it stops after rendering
// sample requests: no provider is contacted and nothing is written.
//
// Any returned error means no result artifact was produced; item-level
// failures never surface here, they are recorded in the artifact.
func (r *Runner) Execute(ctx context.Context, dryRun bool) error {
	cfg := r.cfg

	tbl, err := dataset.Load(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("dataset not found or unreadable at %s (run the dataset processing step first): %w",
			cfg.DataPath, err)
	}
	r.logger.Info("loaded dataset", "rows", tbl.Len(), "columns", len(tbl.Columns), "path", cfg.DataPath)

	systemPrompt, err := prompt.LoadSystem(cfg.SystemPrompt)
	if err != nil {
		return err
	}
	userTemplate, err := prompt.LoadUserTemplate(cfg.UserPrompt)
	if err != nil {
		return err
	}
	r.logger.Info("loaded prompts", "system", cfg.SystemPrompt, "user", cfg.UserPrompt)

	// Validate every config/template reference against the dataset schema
	// before contacting anything. Full envelope construction happens inside
	// the provider's Run (and for the dry-run sample), so the table is only
	// rendered once per run.
	builder, err := request.NewBuilder(cfg, systemPrompt, userTemplate)
	if err != nil {
		return err
	}

	if dryRun {
		envelopes, err := builder.Build(tbl)
		if err != nil {
			return err
		}
		r.printDryRun(tbl, envelopes, systemPrompt)
		return nil
	}

	if err := builder.ValidateTable(tbl); err != nil {
		return err
	}

	prov, err := provider.New(cfg.Provider, cfg, r.logger)
	if err != nil {
		return err
	}

	timestamp := time.Now().UTC().Format("20060102_150405")
	runID := uuid.NewString()
	r.logger.Info("starting run",
		"provider", cfg.Provider, "model", cfg.ModelName, "run_id", runID)

	out, err := prov.Run(ctx, tbl, cfg, systemPrompt, userTemplate)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	artifactPath := r.artifactPath(timestamp)
	columns, rows := r.assembleArtifact(tbl, out, timestamp, runID)
	if err := dataset.Write(artifactPath, columns, rows); err != nil {
		return err
	}
	r.logger.Info("saved results", "path", artifactPath, "rows", len(rows))

	if err := r.copyConfig(artifactPath); err != nil {
		return err
	}

	r.logSummary(out.Rows)
	return nil
}

// artifactPath follows {output_dir}/{model}/{model}__temp{T}_seed{S}__{ts}.csv.
func (r *Runner) artifactPath(timestamp string) string {
	cfg := r.cfg
	filename := fmt.Sprintf("%s__temp%s_seed%d__%s.csv",
		cfg.ModelName, formatFloat(cfg.Temperature), cfg.Seed, timestamp)
	return filepath.Join(cfg.OutputDir, cfg.ModelName, filename)
}

// assembleArtifact flattens reconciled rows into the output table: every
// original column followed by outcome and run-metadata columns.
func (r *Runner) assembleArtifact(tbl *dataset.Table, out *provider.RunOutput, timestamp, runID string) ([]string, []dataset.Row) {
	cfg := r.cfg
	columns := append(append([]string{}, tbl.Columns...),
		ColResponse, ColResultStatus, ColCorrect, ColBatchID, ColRunID,
		ColModelName, ColTemperature, ColSeed, ColMaxTokens,
		ColSystemPrompt, ColUserPrompt, ColTimestamp,
	)

	rows := make([]dataset.Row, 0, len(out.Rows))
	for _, rr := range out.Rows {
		row := make(dataset.Row, len(columns))
		for _, col := range tbl.Columns {
			row[col] = rr.Fields[col]
		}
		row[ColResponse] = rr.Answer
		row[ColResultStatus] = string(rr.Status)
		row[ColCorrect] = strconv.FormatBool(rr.Correct(cfg.AnswerColumn))
		row[ColBatchID] = out.JobID
		row[ColRunID] = runID
		row[ColModelName] = cfg.ModelName
		row[ColTemperature] = formatFloat(cfg.Temperature)
		row[ColSeed] = strconv.Itoa(cfg.Seed)
		row[ColMaxTokens] = strconv.Itoa(cfg.MaxTokens)
		row[ColSystemPrompt] = cfg.SystemPrompt
		row[ColUserPrompt] = cfg.UserPrompt
		row[ColTimestamp] = timestamp
		rows = append(rows, row)
	}
	return columns, rows
}

// copyConfig mirrors the artifact filename with a .yaml suffix.
func (r *Runner) copyConfig(artifactPath string) error {
	raw, err := os.ReadFile(r.configPath)
	if err != nil {
		return fmt.Errorf("read config for copy: %w", err)
	}
	copyPath := artifactPath[:len(artifactPath)-len(filepath.Ext(artifactPath))] + ".yaml"
	if err := os.WriteFile(copyPath, raw, 0o644); err != nil {
		return fmt.Errorf("save config copy: %w", err)
	}
	r.logger.Info("saved config copy", "path", copyPath)
	return nil
}

func (r *Runner) printDryRun(tbl *dataset.Table, envelopes []request.Envelope, systemPrompt string) {
	cfg := r.cfg
	r.logger.Info("dry run: no API calls, no artifacts",
		"provider", cfg.Provider, "model", cfg.ModelName, "rows", tbl.Len())
	r.logger.Info("system prompt", "content", systemPrompt)

	n := dryRunSamples
	if len(envelopes) < n {
		n = len(envelopes)
	}
	for i := 0; i < n; i++ {
		env := envelopes[i]
		row := tbl.Rows[i]
		r.logger.Info("sample request",
			"sample", i+1,
			"id", env.ID,
			"ground_truth", row[cfg.AnswerColumn],
			"user_prompt", env.User,
		)
	}
}

// logSummary reports per-status counts, overall accuracy, and optional
// per-group accuracy breakdowns over succeeded rows.
func (r *Runner) logSummary(rows []result.Row) {
	cfg := r.cfg
	total := len(rows)
	counts := result.CountByStatus(rows)
	succeeded := counts[result.StatusSucceeded]

	correct := 0
	for _, row := range rows {
		if row.Correct(cfg.AnswerColumn) {
			correct++
		}
	}

	attrs := []any{"total", total, "correct", correct}
	for status, n := range counts {
		attrs = append(attrs, string(status), n)
	}
	r.logger.Info("run summary", attrs...)

	if succeeded == 0 {
		return
	}
	r.logger.Info("accuracy over succeeded rows",
		"accuracy", fmt.Sprintf("%.1f%%", 100*float64(correct)/float64(succeeded)))

	for _, col := range cfg.SummaryGroupBy {
		groupTotal := make(map[string]int)
		groupCorrect := make(map[string]int)
		for _, row := range rows {
			if row.Status != result.StatusSucceeded {
				continue
			}
			g := row.Fields[col]
			groupTotal[g]++
			if row.Correct(cfg.AnswerColumn) {
				groupCorrect[g]++
			}
		}
		for g, n := range groupTotal {
			r.logger.Info("group accuracy",
				"column", col, "group", g,
				"accuracy", fmt.Sprintf("%.1f%%", 100*float64(groupCorrect[g])/float64(n)))
		}
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
