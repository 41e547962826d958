package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

const (
	httpBodyCharLimit = 10240
	httpFetchTimeout  = 30 * time.Second
)

// HTTPGetJSONExecutor implements the HTTP_GET_JSON command: fetch a URL,
// snapshot the result before ever reporting it, and replay that snapshot
// verbatim if the journal already holds one.
type HTTPGetJSONExecutor struct{}

func (HTTPGetJSONExecutor) Execute(j *Journal, ec ExecContext) (any, error) {
	if j.HTTPSnapshot != nil {
		return j.HTTPSnapshot, nil
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(j.Payload), &payload); err != nil {
		return nil, err
	}

	if j.Stage == StageClaimed {
		if err := ec.Journal.UpdateStage(j, StageInProgress); err != nil {
			return nil, err
		}
	}
	if ec.SimulatedFailure != nil {
		ec.SimulatedFailure()
	}

	snapshot := fetchJSON(payload.URL)

	if err := ec.Journal.UpdateHTTPSnapshot(j, snapshot); err != nil {
		return nil, err
	}
	if ec.SimulatedFailure != nil {
		ec.SimulatedFailure()
	}
	return snapshot, nil
}

func fetchJSON(url string) *HTTPSnapshot {
	client := &http.Client{
		Timeout: httpFetchTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &HTTPSnapshot{Error: err.Error()}
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &HTTPSnapshot{Error: "Request timeout"}
		}
		return &HTTPSnapshot{Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return &HTTPSnapshot{Status: resp.StatusCode, Error: "Redirects not followed"}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &HTTPSnapshot{Status: resp.StatusCode, Error: err.Error()}
	}

	text := string(raw)
	truncated := false
	runes := []rune(text)
	if len(runes) > httpBodyCharLimit {
		text = string(runes[:httpBodyCharLimit])
		truncated = true
	}

	var body any
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		body = text
	}

	return &HTTPSnapshot{
		Status:        resp.StatusCode,
		Body:          body,
		Truncated:     truncated,
		BytesReturned: len([]rune(text)),
	}
}
