// Package config loads and validates the per-run evaluation configuration.
//
// A run is fully described by one YAML document. Loading is strict: unknown
// keys and missing required keys are rejected before any dataset or network
// access, so a bad config can never produce a half-finished run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to optional fields when the YAML omits them.
const (
	DefaultPollInterval    = 30 * time.Second
	DefaultRequestsPerMin  = 15
	DefaultCheckpointEvery = 50
)

// DefaultAnswerLabels is the closed label set enforced on model output when
// the config does not override it.
var DefaultAnswerLabels = []string{"A", "B", "C", "D"}

// Config is the complete specification of a single evaluation run.
//
// Every field without a yaml default below is required. A copy of the source
// YAML is saved alongside the result artifact for reproducibility.
type Config struct {
	// Model and provider selection.
	ModelName string `yaml:"model_name"`
	Provider  string `yaml:"provider"`

	// Generation parameters. Temperature and seed must be stated explicitly
	// even when zero; there are no hidden generation defaults.
	Temperature float64 `yaml:"temperature"`
	Seed        int     `yaml:"seed"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Dataset location and schema.
	DataPath     string   `yaml:"data_path"`
	IDColumns    []string `yaml:"id_columns"`
	AnswerColumn string   `yaml:"answer_column"`

	// Prompt file locations.
	SystemPrompt string `yaml:"system_prompt"`
	UserPrompt   string `yaml:"user_prompt"`

	// Output.
	OutputDir string `yaml:"output_dir"`

	// Optional: columns to group by when logging accuracy breakdowns.
	SummaryGroupBy []string `yaml:"summary_groupby"`

	// Optional: batch polling cadence and ceiling. A zero PollTimeout means
	// poll until the job reaches a terminal status.
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`

	// Optional: sequential-backend controls.
	RequestsPerMinute int    `yaml:"rpm"`
	CheckpointPath    string `yaml:"checkpoint_path"`

	// Optional: closed label set for the structured answer. Defaults to A-D.
	AnswerLabels []string `yaml:"answer_labels"`

	// Optional: provider overrides. APIKeyEnv names the environment variable
	// holding the credential; Endpoint replaces the provider's production URL.
	APIKeyEnv string `yaml:"api_key_env"`
	Endpoint  string `yaml:"endpoint"`
}

// Load reads, decodes, and validates a run config from a YAML file.
// Unknown keys are a hard error so that typos never silently drop settings.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// temperature and seed have meaningful zero values, so their presence is
	// checked against the document keys instead of the decoded struct.
	var keys map[string]any
	if err := yaml.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(keys); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = DefaultRequestsPerMin
	}
	if len(c.AnswerLabels) == 0 {
		c.AnswerLabels = append([]string(nil), DefaultAnswerLabels...)
	}
}

// Validate checks that every required field is present and coherent.
// It is called by Load but exported so programmatic construction can reuse it.
// Presence of temperature and seed can only be checked against a decoded
// document, so Load performs that part; programmatic configs carry explicit
// values by construction.
func (c *Config) Validate() error {
	return c.validate(nil)
}

func (c *Config) validate(keys map[string]any) error {
	var missing []string
	if c.ModelName == "" {
		missing = append(missing, "model_name")
	}
	if c.Provider == "" {
		missing = append(missing, "provider")
	}
	if c.MaxTokens <= 0 {
		missing = append(missing, "max_tokens")
	}
	if c.DataPath == "" {
		missing = append(missing, "data_path")
	}
	if c.AnswerColumn == "" {
		missing = append(missing, "answer_column")
	}
	if c.SystemPrompt == "" {
		missing = append(missing, "system_prompt")
	}
	if c.UserPrompt == "" {
		missing = append(missing, "user_prompt")
	}
	if c.OutputDir == "" {
		missing = append(missing, "output_dir")
	}
	if keys != nil {
		for _, key := range []string{"temperature", "seed"} {
			if _, ok := keys[key]; !ok {
				missing = append(missing, key)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	if len(c.IDColumns) == 0 {
		return errors.New("id_columns must contain at least one column name")
	}
	for _, col := range c.IDColumns {
		if col == "" {
			return errors.New("id_columns must not contain empty names")
		}
	}

	if c.Temperature < 0 {
		return fmt.Errorf("temperature must be non-negative, got %g", c.Temperature)
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("rpm must be non-negative, got %d", c.RequestsPerMinute)
	}
	if c.PollInterval < 0 || c.PollTimeout < 0 {
		return errors.New("poll_interval and poll_timeout must be non-negative")
	}
	if len(c.AnswerLabels) < 2 {
		return errors.New("answer_labels must contain at least two labels")
	}
	seen := make(map[string]struct{}, len(c.AnswerLabels))
	for _, l := range c.AnswerLabels {
		if l == "" {
			return errors.New("answer_labels must not contain empty labels")
		}
		if _, dup := seen[l]; dup {
			return fmt.Errorf("duplicate answer label %q", l)
		}
		seen[l] = struct{}{}
	}
	return nil
}

// APIKey resolves the provider credential from the environment.
// When api_key_env is unset each backend falls back to its conventional
// variable (e.g. ANTHROPIC_API_KEY); fallback is the backend's choice.
func (c *Config) APIKey(fallbackEnv string) string {
	env := c.APIKeyEnv
	if env == "" {
		env = fallbackEnv
	}
	return os.Getenv(env)
}
