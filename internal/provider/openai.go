package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"mcqeval/internal/config"
	"mcqeval/internal/dataset"
	"mcqeval/internal/request"
	"mcqeval/internal/result"
)

// NameOpenAI is the registry name of the OpenAI batch backend.
const NameOpenAI = "openai"

const (
	openaiDefaultEndpoint  = "https://api.openai.com/v1"
	openaiKeyEnv           = "OPENAI_API_KEY"
	openaiBatchEndpoint    = "/v1/chat/completions"
	openaiCompletionWindow = "24h"
)

// OpenAI runs evaluation through the file-based Batch API: requests encoded
// as JSONL, uploaded, batched, polled, and the output file downloaded once
// the batch completes. Structured output is enforced via response_format
// with a strict JSON schema.
type OpenAI struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewOpenAI constructs the backend, resolving the API key from the
// environment (OPENAI_API_KEY unless api_key_env overrides it).
func NewOpenAI(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	key := cfg.APIKey(openaiKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: openai backend requires %s", ErrMissingAPIKey, openaiKeyEnv)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = openaiDefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		endpoint: endpoint,
		apiKey:   key,
		client:   newHTTPClient(),
		logger:   logger,
	}, nil
}

// Name returns the provider name.
func (p *OpenAI) Name() string { return NameOpenAI }

// Run uploads one JSONL batch for the whole table, drives it to a terminal
// status, and reconciles the downloaded results onto the input rows.
func (p *OpenAI) Run(ctx context.Context, tbl *dataset.Table, cfg *config.Config, systemPrompt, userTemplate string) (*RunOutput, error) {
	builder, err := request.NewBuilder(cfg, systemPrompt, userTemplate)
	if err != nil {
		return nil, err
	}
	envelopes, err := builder.Build(tbl)
	if err != nil {
		return nil, err
	}
	p.logger.Info("built batch requests", "count", len(envelopes))

	jobID, err := p.uploadAndSubmit(ctx, envelopes)
	if err != nil {
		return nil, err
	}

	job, err := pollUntilTerminal(ctx, p.logger, jobID, cfg.PollInterval, cfg.PollTimeout, func(ctx context.Context) (*BatchJob, error) {
		state, err := p.fetchBatch(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return state.toJob(), nil
	})
	if err != nil {
		return nil, err
	}
	if err := requireSucceeded(job); err != nil {
		return nil, err
	}

	classifier := result.NewClassifier(builder.Schema(), p.logger)
	records, err := p.retrieveResults(ctx, jobID, classifier)
	if err != nil {
		return nil, err
	}

	rows, err := result.Reconcile(tbl, cfg.IDColumns, records)
	if err != nil {
		return nil, err
	}
	return &RunOutput{Rows: rows, JobID: jobID}, nil
}

// encodeJSONL renders one request object per line for the batch input file.
// Temperature is deliberately not sent: the reasoning models this backend
// targets reject it, and the configured value is still recorded in run
// metadata.
func encodeJSONL(envelopes []request.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, env := range envelopes {
		line := map[string]any{
			"custom_id": env.ID,
			"method":    http.MethodPost,
			"url":       openaiBatchEndpoint,
			"body": map[string]any{
				"model": env.Model,
				"messages": []map[string]any{
					{"role": "system", "content": env.System},
					{"role": "user", "content": env.User},
				},
				"seed":                  env.Seed,
				"max_completion_tokens": env.MaxTokens,
				"reasoning_effort":      "low",
				"response_format": map[string]any{
					"type": "json_schema",
					"json_schema": map[string]any{
						"name":   "mcq_answer",
						"strict": true,
						"schema": env.Constraint.Document(),
					},
				},
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode request %s: %w", env.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// uploadAndSubmit uploads the JSONL input file and creates the batch as one
// atomic unit, returning the batch identifier.
func (p *OpenAI) uploadAndSubmit(ctx context.Context, envelopes []request.Envelope) (string, error) {
	jsonl, err := encodeJSONL(envelopes)
	if err != nil {
		return "", err
	}

	fileID, err := p.uploadFile(ctx, jsonl)
	if err != nil {
		return "", fmt.Errorf("upload batch input: %w", err)
	}
	p.logger.Info("uploaded batch input file", "file_id", fileID)

	var state openaiBatchState
	err = p.doJSON(ctx, http.MethodPost, p.endpoint+"/batches", map[string]any{
		"input_file_id":     fileID,
		"endpoint":          openaiBatchEndpoint,
		"completion_window": openaiCompletionWindow,
	}, &state)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	p.logger.Info("created batch",
		"job_id", state.ID, "requests", len(envelopes), "status", state.Status)
	return state.ID, nil
}

func (p *OpenAI) uploadFile(ctx context.Context, jsonl []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", "batch_requests.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(jsonl); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/files", &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var file struct {
		ID string `json:"id"`
	}
	if err := decodeJSONResponse(p.client, httpReq, &file); err != nil {
		return "", err
	}
	return file.ID, nil
}

type openaiBatchState struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

func (s *openaiBatchState) toJob() *BatchJob {
	var status JobStatus
	switch s.Status {
	case "completed":
		status = JobSucceeded
	case "failed":
		status = JobFailed
	case "expired":
		status = JobExpired
	case "cancelled":
		status = JobCanceled
	default: // validating, in_progress, finalizing, cancelling
		status = JobProcessing
	}
	return &BatchJob{
		ID:     s.ID,
		Status: status,
		Counts: map[string]int{
			"total":     s.RequestCounts.Total,
			"completed": s.RequestCounts.Completed,
			"failed":    s.RequestCounts.Failed,
		},
	}
}

func (p *OpenAI) fetchBatch(ctx context.Context, jobID string) (*openaiBatchState, error) {
	var state openaiBatchState
	if err := p.doJSON(ctx, http.MethodGet, p.endpoint+"/batches/"+jobID, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// retrieveResults downloads the batch output file and classifies each line.
// A completed batch with no output file yields no records; its items
// reconcile as missing, with any error-file entries logged for diagnosis.
func (p *OpenAI) retrieveResults(ctx context.Context, jobID string, classifier *result.Classifier) (map[string]result.Record, error) {
	state, err := p.fetchBatch(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if state.OutputFileID == "" {
		if state.ErrorFileID != "" {
			p.logErrorFile(ctx, state.ErrorFileID)
		} else {
			p.logger.Error("batch has no output or error file", "job_id", jobID)
		}
		return map[string]result.Record{}, nil
	}

	content, err := p.fileContent(ctx, state.OutputFileID)
	if err != nil {
		return nil, fmt.Errorf("download batch output: %w", err)
	}

	records := make(map[string]result.Record)
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResultLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry struct {
			CustomID string `json:"custom_id"`
			Response struct {
				StatusCode int `json:"status_code"`
				Body       struct {
					Choices []struct {
						FinishReason string `json:"finish_reason"`
						Message      struct {
							Content string `json:"content"`
						} `json:"message"`
					} `json:"choices"`
					Error struct {
						Message string `json:"message"`
					} `json:"error"`
				} `json:"body"`
			} `json:"response"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse result line: %w", err)
		}

		if entry.Response.StatusCode != http.StatusOK {
			msg := entry.Response.Body.Error.Message
			if msg == "" {
				msg = fmt.Sprintf("item status %d", entry.Response.StatusCode)
			}
			records[entry.CustomID] = classifier.Failure(entry.CustomID, result.StatusErrored, msg)
			continue
		}
		if len(entry.Response.Body.Choices) == 0 {
			records[entry.CustomID] = classifier.Failure(entry.CustomID, result.StatusErrored, "response has no choices")
			continue
		}

		choice := entry.Response.Body.Choices[0]
		truncated := choice.FinishReason == "length"
		records[entry.CustomID] = classifier.Classify(entry.CustomID, []byte(choice.Message.Content), truncated)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch output: %w", err)
	}

	p.logger.Info("retrieved batch results",
		"job_id", jobID, "count", len(records), "succeeded", countSucceeded(records))
	return records, nil
}

func (p *OpenAI) logErrorFile(ctx context.Context, fileID string) {
	content, err := p.fileContent(ctx, fileID)
	if err != nil {
		p.logger.Error("could not download batch error file", "file_id", fileID, "error", err)
		return
	}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResultLineBytes)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			p.logger.Error("batch error entry", "entry", string(line))
		}
	}
}

func (p *OpenAI) fileContent(ctx context.Context, fileID string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readHTTPError("download file", resp)
	}
	return io.ReadAll(resp.Body)
}

func (p *OpenAI) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	return decodeJSONResponse(p.client, httpReq, out)
}
