package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mcqeval/internal/result"
)

const (
	// httpTimeout bounds any single provider call, including large batch
	// submissions and result downloads.
	httpTimeout = 120 * time.Second

	// maxResultLineBytes bounds one JSONL result line when scanning batch
	// output streams.
	maxResultLineBytes = 4 * 1024 * 1024

	// maxErrorBodyBytes bounds how much of an error response body is read
	// into error messages.
	maxErrorBodyBytes = 2048
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// decodeJSONResponse executes the request and unmarshals a 200 response into
// out. Non-200 responses become errors carrying the status and a clipped
// body.
func decodeJSONResponse(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readHTTPError(req.URL.Path, resp)
	}
	if out == nil {
		return nil
	}
	if err := decodeJSONBody(resp.Body, out); err != nil {
		return fmt.Errorf("parse response from %s: %w", req.URL.Path, err)
	}
	return nil
}

func decodeJSONBody(body io.Reader, out any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// readHTTPError drains up to maxErrorBodyBytes of a failed response into a
// descriptive error.
func readHTTPError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, string(body))
}

func countSucceeded(records map[string]result.Record) int {
	n := 0
	for _, rec := range records {
		if rec.Status == result.StatusSucceeded {
			n++
		}
	}
	return n
}
