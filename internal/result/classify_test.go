package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcqeval/internal/request"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	schema, err := request.NewAnswerSchema([]string{"A", "B", "C", "D"})
	require.NoError(t, err)
	return NewClassifier(schema, nil)
}

func TestClassifySucceeded(t *testing.T) {
	rec := newTestClassifier(t).Classify("q1", []byte(`{"answer": "C"}`), false)
	assert.Equal(t, Record{ID: "q1", Answer: "C", Status: StatusSucceeded}, rec)
}

func TestClassifyTruncated(t *testing.T) {
	rec := newTestClassifier(t).Classify("q1", []byte(`{"ans`), true)
	assert.Equal(t, StatusTokenLimit, rec.Status)
	assert.Empty(t, rec.Answer)
}

func TestClassifyEmptyContent(t *testing.T) {
	c := newTestClassifier(t)
	for _, body := range []string{"", "   ", "\n"} {
		rec := c.Classify("q1", []byte(body), false)
		assert.Equal(t, StatusEmptyContent, rec.Status)
	}
}

func TestClassifyParseError(t *testing.T) {
	c := newTestClassifier(t)
	for name, body := range map[string]string{
		"free text":     "The answer is B",
		"invalid label": `{"answer": "Z"}`,
		"wrong shape":   `{"choice": "A"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := c.Classify("q1", []byte(body), false)
			assert.Equal(t, StatusParseError, rec.Status)
			assert.Empty(t, rec.Answer)
			assert.NotEmpty(t, rec.Err)
		})
	}
}

func TestFailure(t *testing.T) {
	rec := newTestClassifier(t).Failure("q9", StatusExpired, "batch entry expired")
	assert.Equal(t, StatusExpired, rec.Status)
	assert.Equal(t, "batch entry expired", rec.Err)
}

func TestRowCorrect(t *testing.T) {
	row := Row{
		Fields: map[string]string{"answer_idx": "B"},
		Answer: "B",
		Status: StatusSucceeded,
	}
	assert.True(t, row.Correct("answer_idx"))

	row.Answer = "A"
	assert.False(t, row.Correct("answer_idx"))

	// A failed row is never correct, even if the answer text matches.
	row.Answer = "B"
	row.Status = StatusParseError
	assert.False(t, row.Correct("answer_idx"))
}
