package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcqeval/internal/config"
	"mcqeval/internal/result"
)

// fakeOpenAI serves the file-based Batch API surface: file upload, batch
// create/retrieve, and output file download.
type fakeOpenAI struct {
	t           *testing.T
	finalStatus string
	outputLines []string
	polls       int
	pollsToEnd  int
	uploaded    string
	authHeader  string
}

func (f *fakeOpenAI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		f.authHeader = r.Header.Get("Authorization")
		require.NoError(f.t, r.ParseMultipartForm(10<<20))
		assert.Equal(f.t, "batch", r.FormValue("purpose"))
		file, _, err := r.FormFile("file")
		require.NoError(f.t, err)
		defer file.Close()
		raw, err := io.ReadAll(file)
		require.NoError(f.t, err)
		f.uploaded = string(raw)
		fmt.Fprint(w, `{"id": "file_in"}`)
	})
	mux.HandleFunc("POST /batches", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(f.t, "file_in", body["input_file_id"])
		assert.Equal(f.t, "/v1/chat/completions", body["endpoint"])
		assert.Equal(f.t, "24h", body["completion_window"])
		fmt.Fprint(w, `{"id": "batch_9", "status": "validating", "request_counts": {"total": 3}}`)
	})
	mux.HandleFunc("GET /batches/batch_9", func(w http.ResponseWriter, _ *http.Request) {
		f.polls++
		if f.polls < f.pollsToEnd {
			fmt.Fprint(w, `{"id": "batch_9", "status": "in_progress", "request_counts": {"total": 3, "completed": 1}}`)
			return
		}
		outputFile := `"output_file_id": "file_out",`
		if f.finalStatus != "completed" {
			outputFile = ""
		}
		fmt.Fprintf(w, `{"id": "batch_9", "status": %q, %s "request_counts": {"total": 3, "completed": 2, "failed": 1}}`,
			f.finalStatus, outputFile)
	})
	mux.HandleFunc("GET /files/file_out/content", func(w http.ResponseWriter, _ *http.Request) {
		for _, line := range f.outputLines {
			fmt.Fprintln(w, line)
		}
	})
	return mux
}

func openaiResultLine(id string, statusCode int, finishReason, content string) string {
	entry := map[string]any{
		"custom_id": id,
		"response": map[string]any{
			"status_code": statusCode,
			"body": map[string]any{
				"choices": []map[string]any{
					{
						"finish_reason": finishReason,
						"message":       map[string]any{"content": content},
					},
				},
			},
		},
	}
	raw, _ := json.Marshal(entry)
	return string(raw)
}

func newOpenAIForTest(t *testing.T, srvURL string) (Provider, *config.Config) {
	t.Helper()
	cfg := baseConfig()
	cfg.Endpoint = srvURL
	t.Setenv("OPENAI_API_KEY", "sk-test")
	p, err := NewOpenAI(cfg, discardLogger())
	require.NoError(t, err)
	return p, cfg
}

func TestOpenAIRunClassifiesItemOutcomes(t *testing.T) {
	fake := &fakeOpenAI{
		t:           t,
		finalStatus: "completed",
		pollsToEnd:  2,
		outputLines: []string{
			openaiResultLine("q1", 200, "stop", `{"answer": "A"}`),
			openaiResultLine("q2", 200, "length", ""),
			`{"custom_id": "q3", "response": {"status_code": 500, "body": {"error": {"message": "server error"}}}}`,
		},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, cfg := newOpenAIForTest(t, srv.URL)
	out, err := p.Run(context.Background(), anthropicTestTable(), cfg, "sys", "Q: {question}")
	require.NoError(t, err)

	assert.Equal(t, "batch_9", out.JobID)
	assert.Equal(t, "Bearer sk-test", fake.authHeader)
	require.Len(t, out.Rows, 3)
	assert.Equal(t, result.StatusSucceeded, out.Rows[0].Status)
	assert.Equal(t, "A", out.Rows[0].Answer)
	assert.Equal(t, result.StatusTokenLimit, out.Rows[1].Status)
	assert.Equal(t, result.StatusErrored, out.Rows[2].Status)
}

func TestOpenAIUploadsOneJSONLLinePerRow(t *testing.T) {
	fake := &fakeOpenAI{
		t:           t,
		finalStatus: "completed",
		pollsToEnd:  1,
		outputLines: []string{openaiResultLine("q1", 200, "stop", `{"answer": "A"}`)},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, cfg := newOpenAIForTest(t, srv.URL)
	_, err := p.Run(context.Background(), anthropicTestTable(), cfg, "sys", "Q: {question}")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(fake.uploaded), "\n")
	require.Len(t, lines, 3)

	var first struct {
		CustomID string `json:"custom_id"`
		Method   string `json:"method"`
		URL      string `json:"url"`
		Body     struct {
			Model          string `json:"model"`
			Seed           int    `json:"seed"`
			MaxTokens      int    `json:"max_completion_tokens"`
			ResponseFormat struct {
				Type       string `json:"type"`
				JSONSchema struct {
					Name   string         `json:"name"`
					Strict bool           `json:"strict"`
					Schema map[string]any `json:"schema"`
				} `json:"json_schema"`
			} `json:"response_format"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "q1", first.CustomID)
	assert.Equal(t, "POST", first.Method)
	assert.Equal(t, "/v1/chat/completions", first.URL)
	assert.Equal(t, "test-model", first.Body.Model)
	assert.Equal(t, 7, first.Body.Seed)
	assert.Equal(t, 64, first.Body.MaxTokens)
	assert.Equal(t, "json_schema", first.Body.ResponseFormat.Type)
	assert.True(t, first.Body.ResponseFormat.JSONSchema.Strict)
}

func TestOpenAIJobLevelFailureIsFatal(t *testing.T) {
	for _, status := range []string{"failed", "expired", "cancelled"} {
		t.Run(status, func(t *testing.T) {
			fake := &fakeOpenAI{t: t, finalStatus: status, pollsToEnd: 1}
			srv := httptest.NewServer(fake.handler())
			defer srv.Close()

			p, cfg := newOpenAIForTest(t, srv.URL)
			_, err := p.Run(context.Background(), anthropicTestTable(), cfg, "sys", "Q: {question}")
			require.ErrorIs(t, err, ErrJobFailed)
			assert.Contains(t, err.Error(), "batch_9")
		})
	}
}

func TestOpenAICompletedWithEmptyOutputYieldsMissing(t *testing.T) {
	fake := &fakeOpenAI{t: t, finalStatus: "completed", pollsToEnd: 1, outputLines: nil}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, cfg := newOpenAIForTest(t, srv.URL)
	out, err := p.Run(context.Background(), anthropicTestTable(), cfg, "sys", "Q: {question}")
	require.NoError(t, err)
	require.Len(t, out.Rows, 3)
	for _, row := range out.Rows {
		assert.Equal(t, result.StatusMissing, row.Status)
	}
}
