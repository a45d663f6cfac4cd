package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAnalyzer posts the aggregate report to a completion endpoint and
// interprets the reply against the configured sentinel.
type HTTPAnalyzer struct {
	Endpoint string
	APIKey   string
	Model    string
	Sentinel string
	HTTP     *http.Client
}

// NewHTTPAnalyzer creates an analyzer for the given endpoint.
func NewHTTPAnalyzer(endpoint, apiKey, model, sentinel string, timeout time.Duration) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPAnalyzer{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Model:    model,
		Sentinel: sentinel,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

type analysisRequest struct {
	Model     string           `json:"model,omitempty"`
	Checklist string           `json:"checklist"`
	Results   []analysisResult `json:"results"`
}

type analysisResult struct {
	ToolID     string `json:"tool_id"`
	Success    bool   `json:"success"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	Items      any    `json:"items,omitempty"`
	Alerts     any    `json:"alerts,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type analysisResponse struct {
	Text string `json:"text"`
}

// Analyze sends {checklist, results} and classifies the reply.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) (Verdict, error) {
	payload := analysisRequest{Model: a.Model, Checklist: req.Checklist}
	for _, r := range req.Results {
		payload.Results = append(payload.Results, analysisResult{
			ToolID:     r.ToolID,
			Success:    r.Success,
			Summary:    r.Summary,
			Error:      r.Error,
			Items:      r.Items,
			Alerts:     r.Alerts,
			DurationMs: r.DurationMs,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	res, err := a.HTTP.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("analysis request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return Verdict{}, fmt.Errorf("analysis endpoint returned http %d", res.StatusCode)
	}

	var resp analysisResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode analysis response: %w", err)
	}

	return ParseVerdict(resp.Text, a.Sentinel), nil
}
