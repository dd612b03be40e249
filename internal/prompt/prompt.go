// Package prompt loads prompt files and renders per-row user messages.
//
// Prompts live in JSON documents: the system prompt as {"content": "..."} and
// the user prompt as {"template": "..."} where the template references
// dataset columns with {column_name} placeholders. Placeholder names are
// enumerable so the runner can verify every reference against the dataset
// schema before a single request is issued.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// LoadSystem reads the system instruction text from a JSON prompt file.
func LoadSystem(path string) (string, error) {
	var doc struct {
		Content string `json:"content"`
	}
	if err := readJSON(path, &doc); err != nil {
		return "", err
	}
	if doc.Content == "" {
		return "", fmt.Errorf("prompt file %s: empty or missing \"content\"", path)
	}
	return doc.Content, nil
}

// LoadUserTemplate reads the user prompt template from a JSON prompt file.
func LoadUserTemplate(path string) (string, error) {
	var doc struct {
		Template string `json:"template"`
	}
	if err := readJSON(path, &doc); err != nil {
		return "", err
	}
	if doc.Template == "" {
		return "", fmt.Errorf("prompt file %s: empty or missing \"template\"", path)
	}
	return doc.Template, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse prompt file %s: %w", path, err)
	}
	return nil
}

// Placeholders returns the distinct column names referenced by a template,
// in first-appearance order.
func Placeholders(template string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Render substitutes every {placeholder} with the matching field value.
// A placeholder with no matching field is an error; the runner validates the
// schema up front, so hitting this mid-run indicates a malformed row.
func Render(template string, fields map[string]string) (string, error) {
	var missing []string
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		val, ok := fields[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template references missing fields: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}
