package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"mcqeval/internal/config"
	"mcqeval/internal/dataset"
	"mcqeval/internal/request"
	"mcqeval/internal/result"
)

// NameAnthropic is the registry name of the Anthropic batch backend.
const NameAnthropic = "anthropic"

const (
	anthropicDefaultEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion         = "2023-06-01"
	anthropicKeyEnv          = "ANTHROPIC_API_KEY"
)

// Anthropic runs evaluation through the Message Batches API: all requests
// submitted inline as one job, polled until the job ends, results streamed
// back as JSON lines. Structured output is enforced via output_config.format
// so every successful response is exactly {"answer": <label>}.
type Anthropic struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewAnthropic constructs the backend, resolving the API key from the
// environment (ANTHROPIC_API_KEY unless api_key_env overrides it).
func NewAnthropic(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	key := cfg.APIKey(anthropicKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: anthropic backend requires %s", ErrMissingAPIKey, anthropicKeyEnv)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = anthropicDefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{
		endpoint: endpoint,
		apiKey:   key,
		client:   newHTTPClient(),
		logger:   logger,
	}, nil
}

// Name returns the provider name.
func (p *Anthropic) Name() string { return NameAnthropic }

// Run submits one batch for the whole table, drives it to a terminal status,
// and reconciles the retrieved results onto the input rows.
func (p *Anthropic) Run(ctx context.Context, tbl *dataset.Table, cfg *config.Config, systemPrompt, userTemplate string) (*RunOutput, error) {
	builder, err := request.NewBuilder(cfg, systemPrompt, userTemplate)
	if err != nil {
		return nil, err
	}
	envelopes, err := builder.Build(tbl)
	if err != nil {
		return nil, err
	}
	p.logger.Info("built batch requests", "count", len(envelopes))

	jobID, err := p.submit(ctx, envelopes)
	if err != nil {
		return nil, err
	}

	job, err := pollUntilTerminal(ctx, p.logger, jobID, cfg.PollInterval, cfg.PollTimeout, func(ctx context.Context) (*BatchJob, error) {
		return p.fetchJob(ctx, jobID)
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

type anthropicBatchState struct {
	ID               string `json:"id"`
	ProcessingStatus string `json:"processing_status"`
	RequestCounts    struct {
		Processing int `json:"processing"`
		Succeeded  int `json:"succeeded"`
		Errored    int `json:"errored"`
		Canceled   int `json:"canceled"`
		Expired    int `json:"expired"`
	} `json:"request_counts"`
}

func (s *anthropicBatchState) toJob() *BatchJob {
	status := JobProcessing
	// "ended" is terminal regardless of per-item outcomes; item failures
	// inside an ended batch are classified individually.
	if s.ProcessingStatus == "ended" {
		status = JobSucceeded
	}
	return &BatchJob{
		ID:     s.ID,
		Status: status,
		Counts: map[string]int{
			"processing": s.RequestCounts.Processing,
			"succeeded":  s.RequestCounts.Succeeded,
			"errored":    s.RequestCounts.Errored,
			"canceled":   s.RequestCounts.Canceled,
			"expired":    s.RequestCounts.Expired,
		},
	}
}

// submit creates the message batch as a single atomic unit and returns the
// job identifier.
func (p *Anthropic) submit(ctx context.Context, envelopes []request.Envelope) (string, error) {
	reqs := make([]map[string]any, 0, len(envelopes))
	for _, env := range envelopes {
		reqs = append(reqs, map[string]any{
			"custom_id": env.ID,
			"params": map[string]any{
				"model":       env.Model,
				"max_tokens":  env.MaxTokens,
				"temperature": env.Temperature,
				"system":      env.System,
				"messages": []map[string]any{
					{"role": "user", "content": env.User},
				},
				"output_config": map[string]any{
					"format": map[string]any{
						"type":   "json_schema",
						"schema": env.Constraint.Document(),
					},
				},
			},
		})
	}

	var state anthropicBatchState
	err := p.doJSON(ctx, http.MethodPost, p.endpoint+"/messages/batches",
		map[string]any{"requests": reqs}, &state)
	if err != nil {
		return "", fmt.Errorf("submit batch: %w", err)
	}
	p.logger.Info("submitted batch",
		"job_id", state.ID, "requests", len(reqs), "status", state.ProcessingStatus)
	return state.ID, nil
}

func (p *Anthropic) fetchJob(ctx context.Context, jobID string) (*BatchJob, error) {
	var state anthropicBatchState
	if err := p.doJSON(ctx, http.MethodGet, p.endpoint+"/messages/batches/"+jobID, nil, &state); err != nil {
		return nil, err
	}
	return state.toJob(), nil
}

// retrieveResults streams the batch results (one JSON object per line) and
// classifies each entry into a Record keyed by composite identifier.
func (p *Anthropic) retrieveResults(ctx context.Context, jobID string, classifier *result.Classifier) (map[string]result.Record, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.endpoint+"/messages/batches/"+jobID+"/results", nil)
	if err != nil {
		return nil, fmt.Errorf("create results request: %w", err)
	}
	p.setHeaders(httpReq)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch batch results: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, readHTTPError("fetch batch results", httpResp)
	}

	records := make(map[string]result.Record)
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResultLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry struct {
			CustomID string `json:"custom_id"`
			Result   struct {
				Type    string `json:"type"`
				Message struct {
					Content []struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"content"`
					StopReason string `json:"stop_reason"`
				} `json:"message"`
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			} `json:"result"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse result line: %w", err)
		}

		switch entry.Result.Type {
		case "succeeded":
			var text string
			if len(entry.Result.Message.Content) > 0 {
				text = entry.Result.Message.Content[0].Text
			}
			truncated := entry.Result.Message.StopReason == "max_tokens"
			records[entry.CustomID] = classifier.Classify(entry.CustomID, []byte(text), truncated)
		case "expired":
			records[entry.CustomID] = classifier.Failure(entry.CustomID, result.StatusExpired, "batch entry expired")
		case "canceled":
			records[entry.CustomID] = classifier.Failure(entry.CustomID, result.StatusCanceled, "batch entry canceled")
		default: // errored and anything unrecognized
			msg := entry.Result.Error.Message
			if msg == "" {
				msg = "provider reported " + entry.Result.Type
			}
			records[entry.CustomID] = classifier.Failure(entry.CustomID, result.StatusErrored, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch results: %w", err)
	}

	p.logger.Info("retrieved batch results",
		"job_id", jobID, "count", len(records), "succeeded", countSucceeded(records))
	return records, nil
}

func (p *Anthropic) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)
	return decodeJSONResponse(p.client, httpReq, out)
}

func (p *Anthropic) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}
