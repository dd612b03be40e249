package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcqeval/internal/config"
	"mcqeval/internal/dataset"
)

func testConfig() *config.Config {
	return &config.Config{
		ModelName:    "test-model",
		Provider:     "anthropic",
		Temperature:  0.0,
		Seed:         42,
		MaxTokens:    64,
		IDColumns:    []string{"question_id", "adv_group"},
		AnswerColumn: "answer",
		AnswerLabels: []string{"A", "B", "C", "D"},
	}
}

func testTable() *dataset.Table {
	return &dataset.Table{
		Columns: []string{"question_id", "adv_group", "question", "answer"},
		Rows: []dataset.Row{
			{"question_id": "q1", "adv_group": "base", "question": "What is X?", "answer": "A"},
			{"question_id": "q2", "adv_group": "base", "question": "What is Y?", "answer": "C"},
		},
	}
}

func TestBuildEnvelopes(t *testing.T) {
	b, err := NewBuilder(testConfig(), "You are an expert.", "Q: {question}")
	require.NoError(t, err)

	envs, err := b.Build(testTable())
	require.NoError(t, err)
	require.Len(t, envs, 2)

	assert.Equal(t, "q1__base", envs[0].ID)
	assert.Equal(t, "Q: What is X?", envs[0].User)
	assert.Equal(t, "You are an expert.", envs[0].System)
	assert.Equal(t, "test-model", envs[0].Model)
	assert.Equal(t, 64, envs[0].MaxTokens)
	assert.Same(t, b.Schema(), envs[0].Constraint)
}

func TestBuildDeterministic(t *testing.T) {
	b, err := NewBuilder(testConfig(), "sys", "Q: {question}")
	require.NoError(t, err)

	first, err := b.Build(testTable())
	require.NoError(t, err)
	second, err := b.Build(testTable())
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].User, second[i].User)
	}
}

func TestValidateTableMissingIDColumn(t *testing.T) {
	cfg := testConfig()
	cfg.IDColumns = []string{"question_id", "no_such_col"}
	b, err := NewBuilder(cfg, "sys", "Q: {question}")
	require.NoError(t, err)

	_, err = b.Build(testTable())
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "no_such_col")
}

func TestValidateTableMissingPlaceholder(t *testing.T) {
	b, err := NewBuilder(testConfig(), "sys", "Q: {question} Opts: {options}")
	require.NoError(t, err)

	_, err = b.Build(testTable())
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "template placeholder options")
}

func TestValidateTableMissingAnswerColumn(t *testing.T) {
	cfg := testConfig()
	cfg.AnswerColumn = "answer_idx"
	b, err := NewBuilder(cfg, "sys", "Q: {question}")
	require.NoError(t, err)

	_, err = b.Build(testTable())
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "answer_idx")
}

func TestBuildRejectsDuplicateIdentifiers(t *testing.T) {
	tbl := testTable()
	tbl.Rows[1]["question_id"] = "q1"
	b, err := NewBuilder(testConfig(), "sys", "Q: {question}")
	require.NoError(t, err)

	_, err = b.Build(tbl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate composite identifier")
}

func TestBuildRejectsSeparatorInIDValue(t *testing.T) {
	tbl := testTable()
	tbl.Rows[0]["adv_group"] = "race__gender"
	b, err := NewBuilder(testConfig(), "sys", "Q: {question}")
	require.NoError(t, err)

	_, err = b.Build(tbl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved separator")
}

func TestCompositeIDStable(t *testing.T) {
	row := dataset.Row{"question_id": "q7", "adv_group": "base"}
	a, err := CompositeID(row, []string{"question_id", "adv_group"})
	require.NoError(t, err)
	b, err := CompositeID(row, []string{"question_id", "adv_group"})
	require.NoError(t, err)
	assert.Equal(t, "q7__base", a)
	assert.Equal(t, a, b)
}

func TestAnswerSchemaExtract(t *testing.T) {
	s, err := NewAnswerSchema([]string{"A", "B", "C", "D"})
	require.NoError(t, err)

	label, err := s.Extract([]byte(`{"answer": "B"}`))
	require.NoError(t, err)
	assert.Equal(t, "B", label)
}

func TestAnswerSchemaRejectsInvalid(t *testing.T) {
	s, err := NewAnswerSchema([]string{"A", "B", "C", "D"})
	require.NoError(t, err)

	cases := map[string]string{
		"free text":        `The answer is B`,
		"label outside":    `{"answer": "E"}`,
		"wrong field":      `{"letter": "A"}`,
		"extra field":      `{"answer": "A", "why": "because"}`,
		"non-string value": `{"answer": 1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Extract([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestAnswerSchemaDocumentShape(t *testing.T) {
	s, err := NewAnswerSchema([]string{"A", "B"})
	require.NoError(t, err)

	doc := s.Document()
	assert.Equal(t, "object", doc["type"])
	props := doc["properties"].(map[string]any)
	answer := props["answer"].(map[string]any)
	assert.Equal(t, []any{"A", "B"}, answer["enum"])
}
