package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Local wraps an Ollama-compatible engine running on this host. Calls are
// never retried: the engine is typically single-capacity and a retry only
// piles more work onto an already saturated resource.
type Local struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewLocal(baseURL, model string) *Local {
	return &Local{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{}, // deadline comes from the request context
	}
}

func (l *Local) Kind() Kind   { return KindLocal }
func (l *Local) Name() string { return "local/" + l.model }

// CostHint is zero: local compute is free, only slow.
func (l *Local) CostHint() float64 { return 0 }

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

func (l *Local) Generate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  l.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return Result{}, classify(l.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, statusError(l.Name(), resp.StatusCode, string(msg))
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &CallError{Backend: l.Name(), Kind: FailureTransient, Err: fmt.Errorf("failed to decode generate response: %w", err)}
	}
	return Result{Text: out.Response, Model: out.Model}, nil
}

func (l *Local) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(httpReq)
	if err != nil {
		return classify(l.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(l.Name(), resp.StatusCode, "health check failed")
	}
	return nil
}

// statusError classifies an HTTP status into a CallError.
func statusError(name string, status int, msg string) *CallError {
	kind := FailureTransient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		kind = FailureQuotaOrAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = FailureTimeout
	}
	return &CallError{Backend: name, Kind: kind, Err: fmt.Errorf("status %d: %s", status, msg)}
}
