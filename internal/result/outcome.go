// Package result defines the closed outcome taxonomy for evaluated items and
// the reconciliation that joins provider results back onto the input dataset.
//
// Every item that enters a run leaves it with exactly one Status. The
// taxonomy separates item-level dispositions (recorded, never fatal) from
// job-level failures, which surface as errors on the run itself.
package result

// Status is the classified disposition of one evaluation item.
type Status string

const (
	// StatusSucceeded indicates a schema-valid answer label was returned.
	StatusSucceeded Status = "succeeded"

	// StatusParseError indicates the response body failed answer-schema validation.
	StatusParseError Status = "parse_error"

	// StatusTokenLimit indicates output was truncated at the max-tokens limit.
	StatusTokenLimit Status = "token_limit"

	// StatusEmptyContent indicates the provider returned an empty body.
	StatusEmptyContent Status = "empty_content"

	// StatusErrored indicates an item-level provider error.
	StatusErrored Status = "errored"

	// StatusExpired indicates the item's batch entry expired before processing.
	StatusExpired Status = "expired"

	// StatusCanceled indicates the item's batch entry was canceled.
	StatusCanceled Status = "canceled"

	// StatusMissing indicates the identifier never appeared in any result,
	// assigned during reconciliation.
	StatusMissing Status = "missing"
)

// Record is one classified provider result, keyed by composite identifier.
// Answer is empty unless Status is StatusSucceeded. Err carries the provider
// or validation error text for diagnostics.
type Record struct {
	ID     string
	Answer string
	Status Status
	Err    string
}

// Row is one reconciled output row: the original item's fields plus its
// identifier and classified outcome. This is the engine's sole externally
// visible artifact shape.
type Row struct {
	Fields map[string]string
	ID     string
	Answer string
	Status Status
}

// Correct reports whether the answer matches the ground-truth field.
// Always false for non-succeeded outcomes.
func (r Row) Correct(answerColumn string) bool {
	return r.Status == StatusSucceeded && r.Answer == r.Fields[answerColumn]
}
