package request

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AnswerSchema is the output-shape constraint attached to every envelope:
// the model must return {"answer": <label>} with the label drawn from a
// closed set. Providers translate Document into their own structured-output
// mechanism; the classifier uses Extract to validate what came back.
type AnswerSchema struct {
	labels   []string
	doc      map[string]any
	compiled *jsonschema.Schema
}

// NewAnswerSchema builds and compiles the constraint for a label set.
// The same schema instance is shared across a whole run, so compilation
// happens exactly once.
func NewAnswerSchema(labels []string) (*AnswerSchema, error) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer": map[string]any{
				"type": "string",
				"enum": toAnySlice(labels),
			},
		},
		"required":             []any{"answer"},
		"additionalProperties": false,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal answer schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("answer.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add answer schema resource: %w", err)
	}
	compiled, err := compiler.Compile("answer.json")
	if err != nil {
		return nil, fmt.Errorf("compile answer schema: %w", err)
	}

	return &AnswerSchema{
		labels:   append([]string(nil), labels...),
		doc:      doc,
		compiled: compiled,
	}, nil
}

// Labels returns the closed label set, in configured order.
func (s *AnswerSchema) Labels() []string { return append([]string(nil), s.labels...) }

// Document returns the JSON schema as a plain map for embedding in provider
// request bodies. Callers must not mutate it.
func (s *AnswerSchema) Document() map[string]any { return s.doc }

// Extract validates a raw response body against the constraint and returns
// the answer label. Any failure (invalid JSON, schema violation) is returned
// as an error; free-form text is never coerced into a label.
func (s *AnswerSchema) Extract(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return "", fmt.Errorf("response violates answer schema: %w", err)
	}
	obj := v.(map[string]any)
	return obj["answer"].(string), nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
