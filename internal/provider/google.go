package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"mcqeval/internal/config"
	"mcqeval/internal/dataset"
	"mcqeval/internal/request"
	"mcqeval/internal/result"
)

// NameGoogle is the registry name of the Google sequential backend.
const NameGoogle = "google"

const (
	googleDefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	googleKeyEnv          = "GEMINI_API_KEY"

	// progressLogEvery controls how often the sequential loop logs progress.
	progressLogEvery = 50
)

// errorMarkerPrefix starts every checkpointed failure entry. The marker is
// non-empty on purpose: a resumed run must distinguish "attempted and
// failed" from "not yet attempted", and only the latter is retried.
const errorMarkerPrefix = "ERROR["

// Google runs evaluation as sequential generateContent calls, since the
// backend offers no batch endpoint. The loop is rate-limited to the
// configured requests-per-minute, measured between call starts, and
// checkpoints partial results so an interrupted run resumes without
// re-issuing already-answered requests.
type Google struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewGoogle constructs the backend, resolving the API key from the
// environment (GEMINI_API_KEY unless api_key_env overrides it).
func NewGoogle(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	key := cfg.APIKey(googleKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: google backend requires %s", ErrMissingAPIKey, googleKeyEnv)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = googleDefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Google{
		endpoint: endpoint,
		apiKey:   key,
		client:   newHTTPClient(),
		logger:   logger,
	}, nil
}

// Name returns the provider name.
func (p *Google) Name() string { return NameGoogle }

// Run walks the table one item at a time, skipping identifiers already
// answered in the checkpoint, and reconciles everything at the end.
// Item-level call errors are recorded and the loop continues; only context
// cancellation or checkpoint IO aborts the run.
func (p *Google) Run(ctx context.Context, tbl *dataset.Table, cfg *config.Config, systemPrompt, userTemplate string) (*RunOutput, error) {
	builder, err := request.NewBuilder(cfg, systemPrompt, userTemplate)
	if err != nil {
		return nil, err
	}
	envelopes, err := builder.Build(tbl)
	if err != nil {
		return nil, err
	}

	p.logger.Info("sequential run",
		"rows", len(envelopes), "model", cfg.ModelName, "rpm", cfg.RequestsPerMinute)
	// The generateContent API has no seed parameter; the configured seed is
	// only recorded in run metadata.
	if cfg.Seed != 0 {
		p.logger.Info("seed recorded in metadata but not sent to the API", "seed", cfg.Seed)
	}

	checkpointPath := cfg.CheckpointPath
	if checkpointPath == "" {
		checkpointPath = filepath.Join(cfg.OutputDir, "checkpoint__"+cfg.ModelName+".csv")
	}
	done, err := dataset.ReadCheckpoint(checkpointPath)
	if err != nil {
		return nil, err
	}

	classifier := result.NewClassifier(builder.Schema(), p.logger)
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)

	ids := make([]string, 0, len(envelopes))
	responses := make(map[string]string, len(envelopes))
	records := make(map[string]result.Record, len(envelopes))

	resumed := 0
	for _, env := range envelopes {
		ids = append(ids, env.ID)
		if prior := done[env.ID]; prior != "" {
			responses[env.ID] = prior
			records[env.ID] = recordFromMarker(env.ID, prior)
			resumed++
		}
	}
	if resumed > 0 {
		p.logger.Info("resumed from checkpoint",
			"path", checkpointPath, "already_completed", resumed, "total", len(envelopes))
	}

	completed := 0
	for i, env := range envelopes {
		if _, ok := records[env.ID]; ok {
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		rec := p.evaluateOne(ctx, env, classifier)
		if ctx.Err() != nil {
			// Persist what we have before surfacing the cancellation.
			if werr := dataset.WriteCheckpoint(checkpointPath, ids, responses); werr != nil {
				p.logger.Error("checkpoint write failed during shutdown", "error", werr)
			}
			return nil, ctx.Err()
		}

		records[env.ID] = rec
		responses[env.ID] = checkpointMarker(rec)
		completed++

		if completed%progressLogEvery == 0 || i == len(envelopes)-1 {
			p.logger.Info("progress",
				"done", resumed+completed, "total", len(envelopes),
				"succeeded", countSucceeded(records))
		}
		if completed%config.DefaultCheckpointEvery == 0 {
			if err := dataset.WriteCheckpoint(checkpointPath, ids, responses); err != nil {
				return nil, fmt.Errorf("write checkpoint: %w", err)
			}
		}
	}

	if err := dataset.WriteCheckpoint(checkpointPath, ids, responses); err != nil {
		return nil, fmt.Errorf("write final checkpoint: %w", err)
	}

	rows, err := result.Reconcile(tbl, cfg.IDColumns, records)
	if err != nil {
		return nil, err
	}
	return &RunOutput{Rows: rows}, nil
}

// evaluateOne issues a single generateContent call and classifies the reply.
// Transport errors become an errored record for this item only.
func (p *Google) evaluateOne(ctx context.Context, env request.Envelope, classifier *result.Classifier) result.Record {
	text, truncated, err := p.generateContent(ctx, env)
	if err != nil {
		return classifier.Failure(env.ID, result.StatusErrored, err.Error())
	}
	return classifier.Classify(env.ID, []byte(text), truncated)
}

func (p *Google) generateContent(ctx context.Context, env request.Envelope) (string, bool, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]any{{"text": env.User}}},
		},
		"systemInstruction": map[string]any{
			"parts": []map[string]any{{"text": env.System}},
		},
		"generationConfig": map[string]any{
			"temperature":        env.Temperature,
			"maxOutputTokens":    env.MaxTokens,
			"responseMimeType":   "application/json",
			"responseJsonSchema": env.Constraint.Document(),
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", false, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.endpoint, env.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := decodeJSONResponse(p.client, httpReq, &resp); err != nil {
		return "", false, err
	}

	if len(resp.Candidates) == 0 {
		return "", false, nil
	}
	cand := resp.Candidates[0]
	var text string
	if len(cand.Content.Parts) > 0 {
		text = cand.Content.Parts[0].Text
	}
	return text, cand.FinishReason == "MAX_TOKENS", nil
}

// checkpointMarker renders a record as its checkpoint cell: the answer label
// on success, a tagged non-empty error marker otherwise.
func checkpointMarker(rec result.Record) string {
	if rec.Status == result.StatusSucceeded {
		return rec.Answer
	}
	return fmt.Sprintf("%s%s]: %s", errorMarkerPrefix, rec.Status, rec.Err)
}

// recordFromMarker reverses checkpointMarker for resumed entries, restoring
// the original outcome tag where possible.
func recordFromMarker(id, marker string) result.Record {
	if !strings.HasPrefix(marker, errorMarkerPrefix) {
		return result.Record{ID: id, Answer: marker, Status: result.StatusSucceeded}
	}
	rest := marker[len(errorMarkerPrefix):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return result.Record{ID: id, Status: result.StatusErrored, Err: marker}
	}
	status := result.Status(rest[:end])
	switch status {
	case result.StatusErrored, result.StatusParseError, result.StatusTokenLimit,
		result.StatusEmptyContent, result.StatusExpired, result.StatusCanceled:
		// Known failure tag; keep it.
	default:
		status = result.StatusErrored
	}
	msg := strings.TrimPrefix(rest[end+1:], ": ")
	return result.Record{ID: id, Status: status, Err: msg}
}
