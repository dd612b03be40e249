// Command mcqeval runs multiple-choice evaluation batches against LLM
// provider APIs and writes one result artifact per run.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcqeval/internal/config"
	"mcqeval/internal/provider"
	"mcqeval/internal/runner"
)

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func main() {
	provider.RegisterBuiltins()

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ce cliError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcqeval",
		Short: "Batch multiple-choice evaluation against LLM provider APIs",
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newProvidersCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var configPath string
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one evaluation run described by a YAML config",
		RunE: func(_ *cobra.Command, _ []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}

			logger := newLogger(verbose)
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return cliError{code: 2, err: err}
			}

			// Ctrl-C cancels the run; the sequential backend checkpoints
			// progress before returning so the run is resumable.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := runner.New(cfg, configPath, logger)
			if err := r.Execute(ctx, dryRun); err != nil {
				return cliError{code: 1, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config YAML path")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "render sample requests without calling any API")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	return cmd
}

func newProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the available provider backends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range provider.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
