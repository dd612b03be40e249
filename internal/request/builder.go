// Package request turns dataset rows into provider-ready request envelopes.
//
// Envelope construction is deterministic: the same table and config always
// yield the same identifiers and rendered content, which is what makes
// checkpoint resume and request/result joining sound.
package request

import (
	"errors"
	"fmt"
	"strings"

	"mcqeval/internal/config"
	"mcqeval/internal/dataset"
	"mcqeval/internal/prompt"
)

// IDSeparator joins identifier field values into a composite identifier.
// Field values must not contain it; the builder rejects any that do.
const IDSeparator = "__"

// ErrSchemaMismatch tags configuration errors raised when the config or
// template references columns the dataset does not have.
var ErrSchemaMismatch = errors.New("dataset schema mismatch")

// Envelope is one immutable provider request: identity, model parameters,
// rendered content, and the output-shape constraint.
type Envelope struct {
	ID          string
	Model       string
	Temperature float64
	Seed        int
	MaxTokens   int
	System      string
	User        string
	Constraint  *AnswerSchema
}

// Builder renders envelopes for a run. Construct once per run with the run's
// prompts; Build may then be applied to the dataset.
type Builder struct {
	cfg      *config.Config
	system   string
	template string
	schema   *AnswerSchema
}

// NewBuilder prepares a builder, compiling the answer-shape constraint from
// the configured label set.
func NewBuilder(cfg *config.Config, systemPrompt, userTemplate string) (*Builder, error) {
	schema, err := NewAnswerSchema(cfg.AnswerLabels)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, system: systemPrompt, template: userTemplate, schema: schema}, nil
}

// Schema returns the compiled answer-shape constraint shared by every
// envelope this builder produces.
func (b *Builder) Schema() *AnswerSchema { return b.schema }

// ValidateTable checks every column the run references against the dataset
// schema: identifier columns, the ground-truth column, summary grouping
// columns, and template placeholders. It must pass before any request is
// issued; failures are configuration errors, never partial runs.
func (b *Builder) ValidateTable(tbl *dataset.Table) error {
	var missing []string
	for _, col := range b.cfg.IDColumns {
		if !tbl.HasColumn(col) {
			missing = append(missing, "id column "+col)
		}
	}
	if !tbl.HasColumn(b.cfg.AnswerColumn) {
		missing = append(missing, "answer column "+b.cfg.AnswerColumn)
	}
	for _, col := range b.cfg.SummaryGroupBy {
		if !tbl.HasColumn(col) {
			missing = append(missing, "summary_groupby column "+col)
		}
	}
	for _, ph := range prompt.Placeholders(b.template) {
		if !tbl.HasColumn(ph) {
			missing = append(missing, "template placeholder "+ph)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (available columns: %s)",
			ErrSchemaMismatch, strings.Join(missing, ", "), strings.Join(tbl.Columns, ", "))
	}
	return nil
}

// Build produces one envelope per table row. It validates the schema first,
// then rejects identifier collisions and separator-containing identifier
// values so a run can never submit requests whose results are unjoinable.
func (b *Builder) Build(tbl *dataset.Table) ([]Envelope, error) {
	if err := b.ValidateTable(tbl); err != nil {
		return nil, err
	}

	envelopes := make([]Envelope, 0, tbl.Len())
	seen := make(map[string]struct{}, tbl.Len())
	for i, row := range tbl.Rows {
		id, err := CompositeID(row, b.cfg.IDColumns)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate composite identifier %q: id_columns %v do not uniquely identify rows",
				id, b.cfg.IDColumns)
		}
		seen[id] = struct{}{}

		user, err := prompt.Render(b.template, row)
		if err != nil {
			return nil, fmt.Errorf("row %d (%s): %w", i, id, err)
		}

		envelopes = append(envelopes, Envelope{
			ID:          id,
			Model:       b.cfg.ModelName,
			Temperature: b.cfg.Temperature,
			Seed:        b.cfg.Seed,
			MaxTokens:   b.cfg.MaxTokens,
			System:      b.system,
			User:        user,
			Constraint:  b.schema,
		})
	}
	return envelopes, nil
}

// CompositeID joins the configured identifier field values with IDSeparator.
// A field value containing the separator would make the joint key ambiguous,
// so it is rejected here rather than silently colliding later.
func CompositeID(row dataset.Row, idColumns []string) (string, error) {
	parts := make([]string, 0, len(idColumns))
	for _, col := range idColumns {
		val := row[col]
		if strings.Contains(val, IDSeparator) {
			return "", fmt.Errorf("id column %s value %q contains reserved separator %q",
				col, val, IDSeparator)
		}
		parts = append(parts, val)
	}
	return strings.Join(parts, IDSeparator), nil
}
