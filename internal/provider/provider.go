// Package provider implements the evaluation backends and the contract that
// keeps the orchestration logic provider-agnostic.
//
// Two backend shapes exist: batch-style (submit all requests as one job,
// poll to a terminal status, retrieve results) and sequential-style (one
// rate-limited call per item with checkpointed resume). Both end the same
// way: every input row reconciled to exactly one classified outcome.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"mcqeval/internal/config"
	"mcqeval/internal/dataset"
	"mcqeval/internal/result"
)

// Sentinel errors shared by backends.
var (
	// ErrUnknownProvider indicates a name with no registered backend.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrMissingAPIKey indicates the backend credential was not found in the
	// environment.
	ErrMissingAPIKey = errors.New("API key not set")
)

// RunOutput is the outcome of one provider run: a reconciled row per input
// item plus the provider-side job identifier (empty for sequential backends).
type RunOutput struct {
	Rows  []result.Row
	JobID string
}

// Provider executes model inference over every row of a dataset.
// Implementations own request construction, transport, classification, and
// reconciliation; callers interact exclusively through this interface.
type Provider interface {
	// Name returns the canonical provider identifier used for registration.
	Name() string

	// Run evaluates every table row and returns one reconciled row per item.
	// A returned error means the run as a whole failed (submission error or
	// job-level terminal failure); item-level failures are recorded in the
	// rows, never surfaced as an error.
	Run(ctx context.Context, tbl *dataset.Table, cfg *config.Config, systemPrompt, userTemplate string) (*RunOutput, error)
}

// Factory constructs a configured Provider for one run.
type Factory func(cfg *config.Config, logger *slog.Logger) (Provider, error)

// registry maps provider names to factories. It is populated once by
// RegisterBuiltins (plus any explicit Register calls) during process startup
// and is read-only afterwards, so concurrent reads need no locking.
var (
	registry     = map[string]Factory{}
	builtinsOnce sync.Once
)

// Register adds a provider factory under a name. Call only during process
// initialization; registering a duplicate name panics to catch wiring bugs.
func Register(name string, f Factory) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("provider %q registered twice", name))
	}
	registry[name] = f
}

// RegisterBuiltins populates the registry with the shipped backends.
// Explicit rather than init-based so process startup controls exactly what
// is available. Idempotent; safe to call from multiple entry points.
func RegisterBuiltins() {
	builtinsOnce.Do(func() {
		Register(NameAnthropic, NewAnthropic)
		Register(NameOpenAI, NewOpenAI)
		Register(NameGoogle, NewGoogle)
	})
}

// Names returns the registered provider names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New resolves a provider by name and constructs it for the given run.
// Unknown names fail with the list of known providers.
func New(name string, cfg *config.Config, logger *slog.Logger) (Provider, error) {
	f, ok := registry[name]
	if !ok {
		known := strings.Join(Names(), ", ")
		if known == "" {
			known = "(none)"
		}
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownProvider, name, known)
	}
	return f(cfg, logger)
}
