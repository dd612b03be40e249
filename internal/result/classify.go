package result

import (
	"log/slog"
	"strings"

	"mcqeval/internal/request"
)

// Classifier interprets raw per-item provider responses into Records.
// Classification order matters: truncation and emptiness are checked before
// schema validation so a clipped JSON fragment reports token_limit rather
// than the less actionable parse_error.
type Classifier struct {
	schema *request.AnswerSchema
	logger *slog.Logger
}

// NewClassifier returns a classifier validating against the run's
// answer-shape constraint.
func NewClassifier(schema *request.AnswerSchema, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{schema: schema, logger: logger}
}

// Classify assigns the outcome for a response body that the provider
// reported as successful at the transport level. truncated marks bodies the
// provider flagged as cut off at the output-token limit.
func (c *Classifier) Classify(id string, body []byte, truncated bool) Record {
	if truncated {
		c.logger.Warn("output hit token limit; increase max_tokens",
			"id", id, "content", clip(string(body), 100))
		return Record{ID: id, Status: StatusTokenLimit, Err: "output truncated at max_tokens"}
	}
	if strings.TrimSpace(string(body)) == "" {
		c.logger.Warn("empty response content", "id", id)
		return Record{ID: id, Status: StatusEmptyContent, Err: "empty response content"}
	}

	label, err := c.schema.Extract(body)
	if err != nil {
		c.logger.Warn("response failed answer-schema validation",
			"id", id, "error", err, "content", clip(string(body), 200))
		return Record{ID: id, Status: StatusParseError, Err: err.Error()}
	}
	return Record{ID: id, Answer: label, Status: StatusSucceeded}
}

// Failure records an item-level failure reported by the provider itself:
// an explicit item error, or a job-terminal expired/canceled state
// propagated onto items that never produced a result.
func (c *Classifier) Failure(id string, status Status, msg string) Record {
	c.logger.Warn("item failed", "id", id, "status", string(status), "error", msg)
	return Record{ID: id, Status: status, Err: msg}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
